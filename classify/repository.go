package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrResultNotFound is returned when no classification row exists for the id.
var ErrResultNotFound = errors.New("classify: result not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends a classification row inside the active transaction and
// returns the stored result. Rows are append-only; superseding a result means
// inserting a new row and repointing the owning message.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, messageID string, res Result) (Result, error) {
	entities, err := json.Marshal(res.Entities)
	if err != nil {
		return Result{}, fmt.Errorf("classify: marshal entities: %w", err)
	}
	suggested, err := json.Marshal(res.SuggestedActions)
	if err != nil {
		return Result{}, fmt.Errorf("classify: marshal suggested actions: %w", err)
	}

	const insertSQL = `
INSERT INTO classifications (message_id, domain, category, subcategory, confidence, urgency, summary, entities, suggested_actions, target_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10)
RETURNING id, created_at
`
	stored := res
	stored.MessageID = messageID
	if err := tx.QueryRow(ctx, insertSQL,
		messageID,
		string(res.Domain),
		string(res.Category),
		res.Subcategory,
		res.Confidence,
		string(res.Urgency),
		res.Summary,
		entities,
		suggested,
		res.TargetAgent,
	).Scan(&stored.ID, &stored.CreatedAt); err != nil {
		return Result{}, fmt.Errorf("classify: insert result: %w", err)
	}

	return stored, nil
}

// GetByID loads one stored classification.
func (r *Repository) GetByID(ctx context.Context, id string) (Result, error) {
	const query = `
SELECT id, message_id, domain, category, subcategory, confidence, urgency, summary, entities, suggested_actions, target_agent, created_at
FROM classifications
WHERE id = $1
`
	var (
		res          Result
		entitiesRaw  []byte
		suggestedRaw []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.MessageID,
		&res.Domain,
		&res.Category,
		&res.Subcategory,
		&res.Confidence,
		&res.Urgency,
		&res.Summary,
		&entitiesRaw,
		&suggestedRaw,
		&res.TargetAgent,
		&res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrResultNotFound
		}
		return Result{}, fmt.Errorf("classify: get result: %w", err)
	}

	if err := json.Unmarshal(entitiesRaw, &res.Entities); err != nil {
		return Result{}, fmt.Errorf("classify: decode entities: %w", err)
	}
	if len(suggestedRaw) > 0 {
		if err := json.Unmarshal(suggestedRaw, &res.SuggestedActions); err != nil {
			return Result{}, fmt.Errorf("classify: decode suggested actions: %w", err)
		}
	}
	return res, nil
}
