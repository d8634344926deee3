package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateProviderID signals the insert hit the provider-id uniqueness
	// constraint: the message was already taken in.
	ErrDuplicateProviderID = errors.New("message: duplicate provider id")
	// ErrMessageNotFound is returned when no message row exists for the id.
	ErrMessageNotFound = errors.New("message: not found")
)

const columns = `id, provider_id, resource, status::text, error, classification_id::text, project_id::text, counterparty_id::text, sender_address, sender_name, received_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert creates the message row in pending status. Two invocations racing on
// the same provider id are arbitrated by the unique constraint, not by an
// in-process lock.
func (r *PGRepository) Insert(ctx context.Context, providerID, resource string) (Message, error) {
	const insertSQL = `
INSERT INTO messages (provider_id, resource, status)
VALUES ($1, $2, 'pending')
RETURNING ` + columns

	var msg Message
	if err := r.pool.QueryRow(ctx, insertSQL, providerID, resource).Scan(scanTargets(&msg)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Message{}, ErrDuplicateProviderID
		}
		return Message{}, fmt.Errorf("message: insert: %w", err)
	}
	return msg, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Message, error) {
	var msg Message
	err := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM messages WHERE id = $1`, id).Scan(scanTargets(&msg)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("message: get: %w", err)
	}
	return msg, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Message, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + columns + ` FROM messages`
	args := []any{}
	if filters.Status != "" {
		query += ` WHERE status = $1::message_status`
		args = append(args, string(filters.Status))
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, 8)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(scanTargets(&msg)...); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate: %w", err)
	}
	return messages, nil
}

// ListStalePending returns pending messages whose last update is older than
// the threshold, oldest first. The threshold keeps a drain from double-feeding
// a message that is already sitting in the in-memory queue.
func (r *PGRepository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]Message, error) {
	const query = `SELECT ` + columns + ` FROM messages WHERE status = 'pending' AND updated_at <= now() - $1::interval ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("message: list stale pending: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, 8)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(scanTargets(&msg)...); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate: %w", err)
	}
	return messages, nil
}

// SetSender records the fetched sender identity on the message row.
func (r *PGRepository) SetSender(ctx context.Context, id, address, name string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET sender_address = $2, sender_name = $3, updated_at = now() WHERE id = $1`, id, address, name)
	if err != nil {
		return fmt.Errorf("message: set sender: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkClassified links the classification result and advances the status in
// the caller's transaction, atomically with the classification insert.
func (r *PGRepository) MarkClassified(ctx context.Context, tx pgx.Tx, id, classificationID string) error {
	tag, err := tx.Exec(ctx, `
UPDATE messages
SET status = 'classified', classification_id = $2, error = NULL, updated_at = now()
WHERE id = $1
`, id, classificationID)
	if err != nil {
		return fmt.Errorf("message: mark classified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// AttachEntities records the resolver outcome on the message row.
func (r *PGRepository) AttachEntities(ctx context.Context, tx pgx.Tx, id string, projectID, counterpartyID *string) error {
	tag, err := tx.Exec(ctx, `
UPDATE messages
SET project_id = $2, counterparty_id = $3, updated_at = now()
WHERE id = $1
`, id, projectID, counterpartyID)
	if err != nil {
		return fmt.Errorf("message: attach entities: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkCompleted advances a classified message to its terminal success state.
// It runs inside the caller's transaction so the terminal status commits
// atomically with the classification and proposals; classified is never
// observable outside that transaction.
func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE messages SET status = 'completed', updated_at = now() WHERE id = $1 AND status = 'classified'`, id)
	if err != nil {
		return fmt.Errorf("message: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkFailed records the error and parks the message for manual reprocessing.
func (r *PGRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET status = 'failed', error = $2, updated_at = now() WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("message: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkPending rewinds a failed message so it can be classified again. The
// previous classification row, if any, stays in place; reclassification
// supersedes it with a new row.
func (r *PGRepository) MarkPending(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE messages
SET status = 'pending', error = NULL, updated_at = now()
WHERE id = $1 AND status = 'failed'
`, id)
	if err != nil {
		return fmt.Errorf("message: mark pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func scanTargets(msg *Message) []any {
	return []any{
		&msg.ID,
		&msg.ProviderID,
		&msg.Resource,
		&msg.Status,
		&msg.Error,
		&msg.ClassificationID,
		&msg.ProjectID,
		&msg.CounterpartyID,
		&msg.SenderAddress,
		&msg.SenderName,
		&msg.ReceivedAt,
		&msg.UpdatedAt,
	}
}
