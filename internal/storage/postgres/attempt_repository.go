package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

type attemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository создаёт PostgreSQL-реализацию PaymentAttemptRepository.
func NewAttemptRepository(store *Store) domain.PaymentAttemptRepository {
	return &attemptRepository{db: store.DB()}
}

func (r *attemptRepository) CreateAttempt(attempt domain.PaymentAttempt) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (
			id, order_id, saga_id, idempotency_key, provider, gateway_ref,
			status, amount_minor, currency, captured_minor, refunded_minor,
			failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		attempt.ID, attempt.OrderID, attempt.SagaID, attempt.IdempotencyKey,
		attempt.Provider, attempt.GatewayRef, string(attempt.Status),
		attempt.AmountMinor, attempt.Currency, attempt.CapturedMinor,
		attempt.RefundedMinor, attempt.FailureReason,
		attempt.CreatedAt, attempt.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyKeyAlreadyExists
		}
		return fmt.Errorf("insert payment attempt: %w", err)
	}

	return nil
}

func (r *attemptRepository) GetAttempt(id string) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getAttemptBy(ctx, `WHERE id = $1`, id)
}

func (r *attemptRepository) FindAttemptByKey(idempotencyKey string) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getAttemptBy(ctx, `WHERE idempotency_key = $1`, idempotencyKey)
}

func (r *attemptRepository) getAttemptBy(ctx context.Context, where string, arg any) (domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRowContext(ctx, `
		SELECT id, order_id, saga_id, idempotency_key, provider, gateway_ref,
		       status, amount_minor, currency, captured_minor, refunded_minor,
		       failure_reason, created_at, updated_at
		FROM payment_attempts
	`+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentAttempt{}, domain.ErrAttemptNotFound
		}
		return domain.PaymentAttempt{}, fmt.Errorf("select payment attempt: %w", err)
	}
	return attempt, nil
}

func (r *attemptRepository) SaveAttempt(attempt domain.PaymentAttempt) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET gateway_ref = $1,
		    status = $2,
		    captured_minor = $3,
		    refunded_minor = $4,
		    failure_reason = $5,
		    updated_at = $6
		WHERE id = $7
	`,
		attempt.GatewayRef,
		string(attempt.Status),
		attempt.CapturedMinor,
		attempt.RefundedMinor,
		attempt.FailureReason,
		attempt.UpdatedAt,
		attempt.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment attempt: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrAttemptNotFound
	}

	return nil
}

func (r *attemptRepository) ListAttemptsByOrder(orderID string) ([]domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, saga_id, idempotency_key, provider, gateway_ref,
		       status, amount_minor, currency, captured_minor, refunded_minor,
		       failure_reason, created_at, updated_at
		FROM payment_attempts
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payment attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]domain.PaymentAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment attempts: %w", err)
	}

	return attempts, nil
}

func scanAttempt(row rowScanner) (domain.PaymentAttempt, error) {
	var (
		attempt domain.PaymentAttempt
		status  string
	)
	if err := row.Scan(
		&attempt.ID, &attempt.OrderID, &attempt.SagaID, &attempt.IdempotencyKey,
		&attempt.Provider, &attempt.GatewayRef, &status,
		&attempt.AmountMinor, &attempt.Currency, &attempt.CapturedMinor,
		&attempt.RefundedMinor, &attempt.FailureReason,
		&attempt.CreatedAt, &attempt.UpdatedAt,
	); err != nil {
		return domain.PaymentAttempt{}, err
	}
	attempt.Status = domain.AttemptStatus(status)
	return attempt, nil
}

var _ domain.PaymentAttemptRepository = (*attemptRepository)(nil)
