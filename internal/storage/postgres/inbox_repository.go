package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

type inboxRepository struct {
	db *sql.DB
}

// NewInboxRepository создаёт PostgreSQL-реализацию InboxRepository.
func NewInboxRepository(store *Store) domain.InboxRepository {
	return &inboxRepository{db: store.DB()}
}

// MarkProcessed регистрирует событие за потребителем через INSERT ON CONFLICT:
// ноль затронутых строк означает redelivery уже обработанного события.
func (r *inboxRepository) MarkProcessed(eventID, consumer string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (consumer, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, event_id) DO NOTHING
	`, consumer, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark inbox event processed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbox rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *inboxRepository) Seen(eventID, consumer string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1
		FROM inbox_messages
		WHERE consumer = $1
		  AND event_id = $2
	`, consumer, eventID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check inbox event seen: %w", err)
}

func (r *inboxRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)

	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM inbox_messages
			WHERE (consumer, event_id) IN (
				SELECT consumer, event_id
				FROM inbox_messages
				WHERE processed_at <= $1
				ORDER BY processed_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM inbox_messages
			WHERE processed_at <= $1
		`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inbox rows affected: %w", err)
	}

	return int(affected), nil
}

var _ domain.InboxRepository = (*inboxRepository)(nil)
