package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

type sagaRepository struct {
	db *sql.DB
}

// NewSagaRepository создаёт PostgreSQL-реализацию SagaRepository.
func NewSagaRepository(store *Store) domain.SagaRepository {
	return &sagaRepository{db: store.DB()}
}

// stepOutcomeRow — формат шага в колонке steps (JSONB). Отдельный от доменного
// типа, чтобы переименование полей домена не ломало уже сохранённые саги.
type stepOutcomeRow struct {
	StepID      string    `json:"step_id"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

func encodeSteps(steps []domain.StepOutcome) ([]byte, error) {
	rows := make([]stepOutcomeRow, len(steps))
	for i, step := range steps {
		rows[i] = stepOutcomeRow{
			StepID:      string(step.StepID),
			Status:      string(step.Status),
			Attempts:    step.Attempts,
			LastError:   step.LastError,
			CompletedAt: step.CompletedAt,
		}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode saga steps: %w", err)
	}
	return data, nil
}

func decodeSteps(data []byte) ([]domain.StepOutcome, error) {
	var rows []stepOutcomeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode saga steps: %w", err)
	}
	steps := make([]domain.StepOutcome, len(rows))
	for i, row := range rows {
		steps[i] = domain.StepOutcome{
			StepID:      domain.StepID(row.StepID),
			Status:      domain.StepStatus(row.Status),
			Attempts:    row.Attempts,
			LastError:   row.LastError,
			CompletedAt: row.CompletedAt,
		}
	}
	return steps, nil
}

func (r *sagaRepository) Create(saga domain.SagaInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	steps, err := encodeSteps(saga.Steps)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sagas (
			id, order_id, wallet_id, payment_path, status, cursor, steps,
			wallet_share_minor, gateway_share_minor, reason,
			lease_owner, lease_expires_at, deadline,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		saga.ID, saga.OrderID, saga.WalletID, string(saga.PaymentPath),
		string(saga.Status), saga.Cursor, steps,
		saga.WalletShareMinor, saga.GatewayShareMinor, saga.Reason,
		saga.LeaseOwner, nullableTime(saga.LeaseExpiresAt), nullableTime(saga.Deadline),
		saga.Version, saga.CreatedAt, saga.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSagaExists
		}
		return fmt.Errorf("insert saga: %w", err)
	}

	return nil
}

func (r *sagaRepository) Get(id string) (domain.SagaInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getBy(ctx, `WHERE id = $1`, id)
}

func (r *sagaRepository) GetByOrder(orderID string) (domain.SagaInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getBy(ctx, `WHERE order_id = $1`, orderID)
}

func (r *sagaRepository) getBy(ctx context.Context, where string, arg any) (domain.SagaInstance, error) {
	saga, err := scanSaga(r.db.QueryRowContext(ctx, `
		SELECT id, order_id, wallet_id, payment_path, status, cursor, steps,
		       wallet_share_minor, gateway_share_minor, reason,
		       lease_owner, lease_expires_at, deadline,
		       version, created_at, updated_at
		FROM sagas
	`+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SagaInstance{}, domain.ErrSagaNotFound
		}
		return domain.SagaInstance{}, fmt.Errorf("select saga: %w", err)
	}
	return saga, nil
}

func (r *sagaRepository) Save(saga domain.SagaInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	steps, err := encodeSteps(saga.Steps)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE sagas
		SET status = $1,
		    cursor = $2,
		    steps = $3,
		    reason = $4,
		    lease_owner = $5,
		    lease_expires_at = $6,
		    version = version + 1,
		    updated_at = $7
		WHERE id = $8
		  AND version = $9
	`,
		string(saga.Status),
		saga.Cursor,
		steps,
		saga.Reason,
		saga.LeaseOwner,
		nullableTime(saga.LeaseExpiresAt),
		saga.UpdatedAt,
		saga.ID,
		saga.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.sagaExistsTx(ctx, tx, saga.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrSagaNotFound
		}
		return domain.ErrSagaVersionConflict
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save saga: %w", err)
	}

	return nil
}

func (r *sagaRepository) ListResumable(now time.Time, limit int) ([]domain.SagaInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, wallet_id, payment_path, status, cursor, steps,
		       wallet_share_minor, gateway_share_minor, reason,
		       lease_owner, lease_expires_at, deadline,
		       version, created_at, updated_at
		FROM sagas
		WHERE status IN ('running', 'awaiting_fulfillment', 'compensating')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY updated_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable sagas: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SagaInstance, 0, limit)
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga row: %w", err)
		}
		result = append(result, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga rows: %w", err)
	}

	return result, nil
}

func scanSaga(row rowScanner) (domain.SagaInstance, error) {
	var (
		saga         domain.SagaInstance
		paymentPath  string
		status       string
		steps        []byte
		leaseExpires sql.NullTime
		deadline     sql.NullTime
	)
	if err := row.Scan(
		&saga.ID, &saga.OrderID, &saga.WalletID, &paymentPath, &status,
		&saga.Cursor, &steps,
		&saga.WalletShareMinor, &saga.GatewayShareMinor, &saga.Reason,
		&saga.LeaseOwner, &leaseExpires, &deadline,
		&saga.Version, &saga.CreatedAt, &saga.UpdatedAt,
	); err != nil {
		return domain.SagaInstance{}, err
	}

	saga.PaymentPath = domain.PaymentPath(paymentPath)
	saga.Status = domain.SagaStatus(status)
	if leaseExpires.Valid {
		saga.LeaseExpiresAt = leaseExpires.Time.UTC()
	}
	if deadline.Valid {
		saga.Deadline = deadline.Time.UTC()
	}

	decoded, err := decodeSteps(steps)
	if err != nil {
		return domain.SagaInstance{}, err
	}
	saga.Steps = decoded

	return saga, nil
}

func (r *sagaRepository) sagaExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var got string
	err := tx.QueryRowContext(ctx, `SELECT id FROM sagas WHERE id = $1`, id).Scan(&got)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check saga exists: %w", err)
}

// nullableTime преобразует нулевое время в NULL для TIMESTAMPTZ-колонок.
func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ domain.SagaRepository = (*sagaRepository)(nil)
