package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `id::text, message_id::text, type, project_id::text, counterparty_id::text, risk::text, tier::text, status::text, description, payload, result, undo, error, approved_by::text, rejected_by::text, reject_reason, created_at, updated_at`

// PGRepository is the Postgres data access for proposed actions.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertBatch persists one action row per proposal inside the caller's
// transaction, so all proposals for a message commit together.
func (r *PGRepository) InsertBatch(ctx context.Context, tx pgx.Tx, params []CreateParams) ([]Action, error) {
	const insertSQL = `
INSERT INTO actions (message_id, type, project_id, counterparty_id, risk, tier, status, description, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
RETURNING ` + columns

	actions := make([]Action, 0, len(params))
	for _, p := range params {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("action: marshal payload: %w", err)
		}
		row := tx.QueryRow(ctx, insertSQL,
			p.MessageID,
			p.Type,
			p.ProjectID,
			p.CounterpartyID,
			string(p.Risk),
			string(p.Tier),
			string(p.Status),
			p.Description,
			payload,
		)
		a, err := scanAction(row)
		if err != nil {
			return nil, fmt.Errorf("action: insert: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// GetForUpdate loads the action row with a row lock, so the status check and
// the subsequent transition commit atomically.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Action, error) {
	row := tx.QueryRow(ctx, `SELECT `+columns+` FROM actions WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Action{}, ErrActionNotFound
		}
		return Action{}, fmt.Errorf("action: get for update: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Action, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Action{}, ErrActionNotFound
		}
		return Action{}, fmt.Errorf("action: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Action, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + columns + ` FROM actions`
	args := []any{}
	where := ""
	if filters.Status != "" {
		where = ` WHERE status = $1::action_status`
		args = append(args, string(filters.Status))
	}
	if filters.Tier != "" {
		if where == "" {
			where = fmt.Sprintf(` WHERE tier = $%d::approval_tier`, len(args)+1)
		} else {
			where += fmt.Sprintf(` AND tier = $%d::approval_tier`, len(args)+1)
		}
		args = append(args, string(filters.Tier))
	}
	query += where + fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	return r.queryActions(ctx, query, args...)
}

// ListApprovedAutoExecute returns one bounded page for the batch sweep,
// oldest first.
func (r *PGRepository) ListApprovedAutoExecute(ctx context.Context, limit int) ([]Action, error) {
	const query = `
SELECT ` + columns + `
FROM actions
WHERE status = 'approved' AND tier = 'auto_execute'
ORDER BY created_at ASC
LIMIT $1
`
	return r.queryActions(ctx, query, limit)
}

// ListStuck surfaces approved actions older than the threshold for manual
// inspection; they are never blindly re-executed.
func (r *PGRepository) ListStuck(ctx context.Context, olderThan time.Duration) ([]Action, error) {
	const query = `
SELECT ` + columns + `
FROM actions
WHERE status = 'approved' AND updated_at < now() - $1::interval
ORDER BY updated_at ASC
`
	return r.queryActions(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
}

func (r *PGRepository) SetApproved(ctx context.Context, tx pgx.Tx, id, actor string) error {
	return r.exec(ctx, tx, `UPDATE actions SET status = 'approved', approved_by = $2, updated_at = now() WHERE id = $1`, id, actor)
}

func (r *PGRepository) SetRejected(ctx context.Context, tx pgx.Tx, id, actor, reason string) error {
	return r.exec(ctx, tx, `UPDATE actions SET status = 'rejected', rejected_by = $2, reject_reason = $3, updated_at = now() WHERE id = $1`, id, actor, reason)
}

func (r *PGRepository) SetExecuted(ctx context.Context, tx pgx.Tx, id string, result map[string]any, undo *Undo) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("action: marshal result: %w", err)
	}
	var undoJSON []byte
	if undo != nil {
		if undoJSON, err = json.Marshal(undo); err != nil {
			return fmt.Errorf("action: marshal undo: %w", err)
		}
	}
	return r.exec(ctx, tx, `UPDATE actions SET status = 'executed', result = $2::jsonb, undo = $3::jsonb, updated_at = now() WHERE id = $1`, id, resultJSON, undoJSON)
}

func (r *PGRepository) SetFailed(ctx context.Context, tx pgx.Tx, id, errMsg string) error {
	return r.exec(ctx, tx, `UPDATE actions SET status = 'failed', error = $2, updated_at = now() WHERE id = $1`, id, errMsg)
}

func (r *PGRepository) SetRolledBack(ctx context.Context, tx pgx.Tx, id string) error {
	return r.exec(ctx, tx, `UPDATE actions SET status = 'rolled_back', updated_at = now() WHERE id = $1`, id)
}

func (r *PGRepository) exec(ctx context.Context, tx pgx.Tx, query string, args ...any) error {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("action: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrActionNotFound
	}
	return nil
}

func (r *PGRepository) queryActions(ctx context.Context, query string, args ...any) ([]Action, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("action: query: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0, 8)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("action: scan: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action: iterate: %w", err)
	}
	return actions, nil
}

func scanAction(row pgx.Row) (Action, error) {
	var (
		a          Action
		payloadRaw []byte
		resultRaw  []byte
		undoRaw    []byte
	)
	err := row.Scan(
		&a.ID,
		&a.MessageID,
		&a.Type,
		&a.ProjectID,
		&a.CounterpartyID,
		&a.Risk,
		&a.Tier,
		&a.Status,
		&a.Description,
		&payloadRaw,
		&resultRaw,
		&undoRaw,
		&a.Error,
		&a.ApprovedBy,
		&a.RejectedBy,
		&a.RejectReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Action{}, err
	}

	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &a.Payload); err != nil {
			return Action{}, fmt.Errorf("action: decode payload: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &a.Result); err != nil {
			return Action{}, fmt.Errorf("action: decode result: %w", err)
		}
	}
	if len(undoRaw) > 0 {
		var undo Undo
		if err := json.Unmarshal(undoRaw, &undo); err != nil {
			return Action{}, fmt.Errorf("action: decode undo: %w", err)
		}
		a.Undo = &undo
	}
	return a, nil
}
