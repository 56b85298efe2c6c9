package payment

import "context"

// Операции провайдера; используются в метриках, логах и скриптах mock-а.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpVoid      = "void"
	OpRefund    = "refund"
)

// ProviderResult — ответ внешнего платёжного провайдера.
type ProviderResult struct {
	// GatewayRef — идентификатор операции на стороне провайдера.
	GatewayRef string
}

// AuthorizeRequest — параметры резервирования суммы.
type AuthorizeRequest struct {
	OrderID        string
	SagaID         string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// CaptureRequest — параметры списания ранее зарезервированной суммы.
type CaptureRequest struct {
	GatewayRef     string
	AmountMinor    int64
	IdempotencyKey string
}

// VoidRequest — параметры аннулирования авторизации.
type VoidRequest struct {
	GatewayRef     string
	IdempotencyKey string
}

// RefundRequest — параметры возврата списанных средств.
type RefundRequest struct {
	GatewayRef     string
	AmountMinor    int64
	IdempotencyKey string
}

// Provider — внешний платёжный провайдер. Каждый вызов несёт idempotency key,
// по которому провайдер дедуплицирует сетевые повторы: повтор уже решённой
// операции возвращает прежний исход. Ошибки сообщаются sentinel-ами домена:
// ErrPaymentDeclined (отказ), ErrPaymentTemporary (можно повторить).
type Provider interface {
	// Name возвращает имя провайдера для логов и записей попыток.
	Name() string
	// Authorize резервирует сумму.
	Authorize(ctx context.Context, req AuthorizeRequest) (ProviderResult, error)
	// Capture списывает зарезервированную сумму.
	Capture(ctx context.Context, req CaptureRequest) (ProviderResult, error)
	// Void аннулирует авторизацию до списания.
	Void(ctx context.Context, req VoidRequest) (ProviderResult, error)
	// Refund возвращает списанные средства.
	Refund(ctx context.Context, req RefundRequest) (ProviderResult, error)
}
