package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка неизвестного способа оплаты.
	ErrPaymentPathUnknown = errors.New("unknown payment path")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStaleVersion сигнализирует, что версия заказа устарела (optimistic concurrency).
	ErrStaleVersion = errors.New("stale order version")
	// ErrIllegalTransition возвращается при попытке недопустимого перехода статуса.
	ErrIllegalTransition = errors.New("illegal order state transition")
	// ErrCancelAfterCapture — отмена запрошена после списания средств; нужен возврат, а не отмена.
	ErrCancelAfterCapture = errors.New("order already captured, request a refund instead of cancel")

	// ErrSagaNotFound возвращается, если сага не найдена.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaExists — для заказа уже существует активная сага.
	ErrSagaExists = errors.New("saga already exists for order")
	// ErrSagaVersionConflict сигнализирует о конфликте версий при сохранении саги.
	ErrSagaVersionConflict = errors.New("saga version conflict")
	// ErrSagaTerminal — сага уже достигла терминального состояния.
	ErrSagaTerminal = errors.New("saga already terminal")
	// ErrSagaLocked — лизинг саги занят другим воркером.
	ErrSagaLocked = errors.New("saga lease held by another worker")
	// ErrStepRetryExhausted — бюджет повторов шага исчерпан.
	ErrStepRetryExhausted = errors.New("step retry budget exhausted")

	// ErrWalletNotFound возвращается, если кошелёк не найден.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrWalletExists — кошелёк для пользователя уже существует.
	ErrWalletExists = errors.New("wallet already exists")
	// ErrWalletVersionConflict — конкурентная запись изменила версию кошелька;
	// вызывающая сторона обязана повторить операцию целиком (чтение + append).
	ErrWalletVersionConflict = errors.New("wallet version conflict")
	// ErrInsufficientFunds — дебет опустил бы баланс ниже нуля (бизнес-ошибка).
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLedgerEntryNotFound — запись журнала не найдена.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	// ErrLedgerKeyApplied — idempotency key уже применён; повтор должен вернуть прежний результат.
	ErrLedgerKeyApplied = errors.New("ledger idempotency key already applied")
	// ErrLedgerDivergence — проекция баланса разошлась с суммой журнала.
	// Фатальная ошибка целостности; не подлежит автоматическому разрешению.
	ErrLedgerDivergence = errors.New("ledger projection divergence")

	// ErrPaymentDeclined — платёж отклонён провайдером (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentIndeterminate — неопределённый исход обращения к провайдеру;
	// средства могли сдвинуться, требуется ручная сверка.
	ErrPaymentIndeterminate = errors.New("payment indeterminate state")
	// ErrPaymentTemporary — временная ошибка платёжного провайдера.
	ErrPaymentTemporary = errors.New("payment temporary error")
	// ErrAttemptNotFound — попытка платежа не найдена.
	ErrAttemptNotFound = errors.New("payment attempt not found")
	// ErrAttemptStateInvalid — операция недопустима для текущего состояния попытки.
	ErrAttemptStateInvalid = errors.New("payment attempt state does not allow operation")
	// ErrCaptureExceedsTotal — сумма списаний превысила бы сумму заказа.
	ErrCaptureExceedsTotal = errors.New("captured amount would exceed order total")
	// ErrRefundExceedsCaptured — возврат превысил бы фактически списанную сумму.
	ErrRefundExceedsCaptured = errors.New("refund would exceed captured amount")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxNotFound — запись outbox не найдена.
	ErrOutboxNotFound = errors.New("outbox message not found")

	// ErrIdempotencyKeyRequired — ключ идемпотентности обязателен.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — хэш запроса обязателен.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же хэшем.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	// Ошибка целостности: конфликтующая полезная нагрузка под одним ключом.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — запись по ключу не найдена.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// ErrorClass делит ошибки на классы, определяющие реакцию оркестратора.
type ErrorClass int

const (
	// ErrorClassUnknown — класс не определён; трактуется как транзиентный с ограничением попыток.
	ErrorClassUnknown ErrorClass = iota
	// ErrorClassTransient — временная ошибка; шаг можно повторить с backoff.
	ErrorClassTransient
	// ErrorClassBusiness — нарушение бизнес-правила; повтор бессмыслен, запускается компенсация.
	ErrorClassBusiness
	// ErrorClassIntegrity — нарушение целостности данных; обработка саги останавливается,
	// требуется вмешательство оператора.
	ErrorClassIntegrity
)

// String возвращает метку класса для логов и метрик.
func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassBusiness:
		return "business"
	case ErrorClassIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Classify относит ошибку к классу из таксономии.
// Решение retry/compensate/escalate принимает только оркестратор; коллабораторы
// сообщают исход через sentinel-ошибки.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrLedgerDivergence),
		errors.Is(err, ErrIdempotencyHashMismatch):
		return ErrorClassIntegrity
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrPaymentDeclined),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrCancelAfterCapture),
		errors.Is(err, ErrWalletNotFound),
		errors.Is(err, ErrCaptureExceedsTotal),
		errors.Is(err, ErrRefundExceedsCaptured),
		errors.Is(err, ErrAttemptStateInvalid):
		return ErrorClassBusiness
	case errors.Is(err, ErrPaymentTemporary),
		errors.Is(err, ErrWalletVersionConflict),
		errors.Is(err, ErrStaleVersion),
		errors.Is(err, ErrSagaVersionConflict),
		errors.Is(err, ErrOutboxPublish):
		return ErrorClassTransient
	default:
		return ErrorClassUnknown
	}
}

// IsStaleVersion проверяет, является ли ошибка конфликтом версии заказа.
func IsStaleVersion(err error) bool {
	return errors.Is(err, ErrStaleVersion)
}

// IsVersionConflict проверяет конфликт версий любого агрегата.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrStaleVersion) ||
		errors.Is(err, ErrWalletVersionConflict) ||
		errors.Is(err, ErrSagaVersionConflict)
}

// IsIdempotencyConflict проверяет конфликт по ключу идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) ||
		errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsTransient сообщает, можно ли повторить операцию.
func IsTransient(err error) bool {
	return Classify(err) == ErrorClassTransient
}

// IsIntegrity сообщает, что ошибка фатальна для целостности данных.
func IsIntegrity(err error) bool {
	return Classify(err) == ErrorClassIntegrity
}
