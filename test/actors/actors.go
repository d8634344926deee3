package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commflow/action"
	"commflow/audit"
	"commflow/policy"
)

// Proposer keeps feeding new pending actions for one message, the way the
// classification pipeline does: action rows plus their action_proposed audit
// facts in a single transaction.
func Proposer(ctx context.Context, pool *pgxpool.Pool, recorder *audit.Recorder, messageID, projectID string, stop <-chan struct{}) error {
	repo := action.NewRepository(pool)
	kinds := []struct {
		typ  string
		tier policy.Tier
	}{
		{action.TypeCreateTask, policy.TierAutoExecute},
		{action.TypeCreateTask, policy.TierReviewRequired},
		{action.TypeNotifyProjectManager, policy.TierAutoExecute},
		{action.TypeCreateIncident, policy.TierEscalate},
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		kind := kinds[rand.Intn(len(kinds))]
		status := action.StatusPending
		if kind.tier == policy.TierAutoExecute {
			status = action.StatusApproved
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		created, err := repo.InsertBatch(ctx, tx, []action.CreateParams{{
			MessageID:   messageID,
			Type:        kind.typ,
			ProjectID:   &projectID,
			Risk:        policy.RiskLow,
			Tier:        kind.tier,
			Status:      status,
			Description: "stress proposal",
			Payload:     action.Payload{Summary: "stress proposal"},
		}})
		if err == nil {
			for _, a := range created {
				id := a.ID
				err = recorder.Append(ctx, tx, audit.Event{
					Type:      audit.EventActionProposed,
					MessageID: &messageID,
					ActionID:  &id,
					Payload:   map[string]any{"type": a.Type},
				})
				if err != nil {
					break
				}
			}
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("proposer: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("proposer commit: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Approver races to approve random pending actions. Losing a race surfaces as
// ErrInvalidTransition, which is the expected outcome under contention.
func Approver(ctx context.Context, pool *pgxpool.Pool, svc *action.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok, err := randomActionID(ctx, pool, "pending")
		if err != nil {
			return fmt.Errorf("approver pick: %w", err)
		}
		if ok {
			if err := svc.Approve(ctx, id, "stress-approver"); err != nil &&
				!errors.Is(err, action.ErrInvalidTransition) && !errors.Is(err, action.ErrActionNotFound) {
				return fmt.Errorf("approver: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Rejecter races the approver over the same pending rows.
func Rejecter(ctx context.Context, pool *pgxpool.Pool, svc *action.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok, err := randomActionID(ctx, pool, "pending")
		if err != nil {
			return fmt.Errorf("rejecter pick: %w", err)
		}
		if ok {
			if err := svc.Reject(ctx, id, "stress-rejecter", "stress rejection"); err != nil &&
				!errors.Is(err, action.ErrInvalidTransition) && !errors.Is(err, action.ErrActionNotFound) {
				return fmt.Errorf("rejecter: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Sweeper runs the auto-execute batch dispatch in a loop, concurrently with
// the other sweepers and the manual executors.
func Sweeper(ctx context.Context, svc *action.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Roller rolls back random executed actions; irreversible ones must answer
// ErrNotReversible and nothing else.
func Roller(ctx context.Context, pool *pgxpool.Pool, svc *action.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok, err := randomActionID(ctx, pool, "executed")
		if err != nil {
			return fmt.Errorf("roller pick: %w", err)
		}
		if ok {
			err := svc.Rollback(ctx, id, "stress-roller")
			if err != nil &&
				!errors.Is(err, action.ErrInvalidTransition) &&
				!errors.Is(err, action.ErrNotReversible) &&
				!errors.Is(err, action.ErrActionNotFound) {
				return fmt.Errorf("roller: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func randomActionID(ctx context.Context, pool *pgxpool.Pool, status string) (string, bool, error) {
	var id string
	err := pool.QueryRow(ctx,
		`SELECT id::text FROM actions WHERE status = $1::action_status ORDER BY random() LIMIT 1`,
		status).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// StatusCounts is a debugging helper for the stress driver's final report.
func StatusCounts(ctx context.Context, pool *pgxpool.Pool) (map[string]int, error) {
	rows, err := pool.Query(ctx, `SELECT status::text, COUNT(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

