package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"commflow/audit"
	"commflow/policy"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the state machine.
type Repository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Action, error)
	GetByID(ctx context.Context, id string) (Action, error)
	List(ctx context.Context, filters Filters) ([]Action, error)
	ListApprovedAutoExecute(ctx context.Context, limit int) ([]Action, error)
	ListStuck(ctx context.Context, olderThan time.Duration) ([]Action, error)
	SetApproved(ctx context.Context, tx pgx.Tx, id, actor string) error
	SetRejected(ctx context.Context, tx pgx.Tx, id, actor, reason string) error
	SetExecuted(ctx context.Context, tx pgx.Tx, id string, result map[string]any, undo *Undo) error
	SetFailed(ctx context.Context, tx pgx.Tx, id, errMsg string) error
	SetRolledBack(ctx context.Context, tx pgx.Tx, id string) error
}

// AuditAppender appends one audit fact inside the transition's transaction.
type AuditAppender interface {
	Append(ctx context.Context, tx pgx.Tx, ev audit.Event) error
}

// Service drives the approval/execution state machine. Every transition is a
// single transaction: row lock, status re-check, write, audit append.
type Service struct {
	pool          TxBeginner
	repo          Repository
	registry      *Registry
	recorder      AuditAppender
	sweepPageSize int
}

func NewService(pool TxBeginner, repo Repository, registry *Registry, recorder AuditAppender, sweepPageSize int) *Service {
	if sweepPageSize <= 0 {
		sweepPageSize = 20
	}
	return &Service{
		pool:          pool,
		repo:          repo,
		registry:      registry,
		recorder:      recorder,
		sweepPageSize: sweepPageSize,
	}
}

// Approve moves a pending action to approved, recording the actor.
func (s *Service) Approve(ctx context.Context, id, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("action: begin approve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return fmt.Errorf("%w: approve from %s", ErrInvalidTransition, a.Status)
	}

	if err := s.repo.SetApproved(ctx, tx, id, actor); err != nil {
		return err
	}
	if err := s.recorder.Append(ctx, tx, audit.Event{
		Type:      audit.EventApproved,
		MessageID: &a.MessageID,
		ActionID:  &a.ID,
		Actor:     actor,
		Payload:   map[string]any{"type": a.Type, "tier": string(a.Tier)},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("action: commit approve: %w", err)
	}
	return nil
}

// Reject moves a pending action to rejected with a reason.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("action: begin reject tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, a.Status)
	}

	if err := s.repo.SetRejected(ctx, tx, id, actor, reason); err != nil {
		return err
	}
	if err := s.recorder.Append(ctx, tx, audit.Event{
		Type:      audit.EventRejected,
		MessageID: &a.MessageID,
		ActionID:  &a.ID,
		Actor:     actor,
		Payload:   map[string]any{"type": a.Type, "reason": reason},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("action: commit reject: %w", err)
	}
	return nil
}

// Execute runs the registered handler for the action type. Legal only from
// approved, or from pending when the tier is auto_execute. The status is
// re-checked under a row lock immediately before the handler runs, so a
// concurrent execution loses the race and becomes a no-op error without
// invoking the handler a second time.
func (s *Service) Execute(ctx context.Context, id, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("action: begin execute tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !executable(a) {
		return fmt.Errorf("%w: execute from %s (tier %s)", ErrInvalidTransition, a.Status, a.Tier)
	}

	entry, err := s.registry.Lookup(a.Type)
	if err != nil {
		// Configuration gap: mark the action failed without side effects.
		if failErr := s.markFailedTx(ctx, tx, a, err.Error(), actor); failErr != nil {
			return failErr
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return fmt.Errorf("action: commit no-handler failure: %w", commitErr)
		}
		return err
	}

	result, undo, handlerErr := s.runEntry(ctx, tx, a, entry)
	if handlerErr != nil {
		// The tx rollback wipes any half-applied handler writes; the failed
		// status is persisted in a fresh transaction, which re-locks the row
		// and re-checks the status because the rollback released the lock.
		tx.Rollback(ctx)
		if failErr := s.markFailed(ctx, a, handlerErr.Error(), actor); failErr != nil {
			return errors.Join(handlerErr, failErr)
		}
		return handlerErr
	}

	if !entry.Reversible {
		undo = nil
	}
	if err := s.repo.SetExecuted(ctx, tx, id, result, undo); err != nil {
		return err
	}
	if err := s.recorder.Append(ctx, tx, audit.Event{
		Type:      audit.EventExecuted,
		MessageID: &a.MessageID,
		ActionID:  &a.ID,
		Actor:     actor,
		Payload:   map[string]any{"type": a.Type, "result": result},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("action: commit execute: %w", err)
	}
	return nil
}

func executable(a Action) bool {
	switch a.Status {
	case StatusApproved:
		return true
	case StatusPending:
		return a.Tier == policy.TierAutoExecute
	default:
		return false
	}
}

func (s *Service) runEntry(ctx context.Context, tx pgx.Tx, a Action, entry Entry) (map[string]any, *Undo, error) {
	switch entry.Kind {
	case KindNotifyOnly:
		result, err := insertNotification(ctx, tx, a, entry.Audience)
		return result, nil, err
	default:
		return entry.Handler(ctx, tx, a)
	}
}

func (s *Service) markFailed(ctx context.Context, a Action, errMsg, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("action: begin failure tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The handler tx rollback released the row lock, so a concurrent
	// execution may have committed a transition in the window. That outcome
	// stands; stamping failed over it would erase the record of a committed
	// side effect.
	cur, err := s.repo.GetForUpdate(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if cur.Status != a.Status {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, cur.Status)
	}
	if err := s.markFailedTx(ctx, tx, a, errMsg, actor); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("action: commit failure: %w", err)
	}
	return nil
}

func (s *Service) markFailedTx(ctx context.Context, tx pgx.Tx, a Action, errMsg, actor string) error {
	if err := s.repo.SetFailed(ctx, tx, a.ID, errMsg); err != nil {
		return err
	}
	return s.recorder.Append(ctx, tx, audit.Event{
		Type:      audit.EventFailed,
		MessageID: &a.MessageID,
		ActionID:  &a.ID,
		Actor:     actor,
		Payload:   map[string]any{"type": a.Type, "error": errMsg},
	})
}

// Rollback reverses an executed, reversible action using its stored undo
// descriptor.
func (s *Service) Rollback(ctx context.Context, id, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("action: begin rollback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusExecuted {
		return fmt.Errorf("%w: rollback from %s", ErrInvalidTransition, a.Status)
	}

	entry, err := s.registry.Lookup(a.Type)
	if err != nil {
		return err
	}
	if !entry.Reversible || a.Undo == nil {
		return fmt.Errorf("%w: %s", ErrNotReversible, a.Type)
	}

	if err := applyUndo(ctx, tx, *a.Undo); err != nil {
		return err
	}
	if err := s.repo.SetRolledBack(ctx, tx, id); err != nil {
		return err
	}
	if err := s.recorder.Append(ctx, tx, audit.Event{
		Type:      audit.EventRolledBack,
		MessageID: &a.MessageID,
		ActionID:  &a.ID,
		Actor:     actor,
		Payload:   map[string]any{"type": a.Type, "undo": a.Undo.Kind},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("action: commit rollback: %w", err)
	}
	return nil
}

// SweepReport summarizes one batch sweep invocation.
type SweepReport struct {
	Picked   int
	Executed int
	Failed   int
}

// Sweep executes one bounded page of approved auto_execute actions
// sequentially. One action's failure never affects its siblings, and
// concurrent sweeps are safe because Execute re-checks status under lock.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	page, err := s.repo.ListApprovedAutoExecute(ctx, s.sweepPageSize)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Picked: len(page)}
	for _, a := range page {
		if err := s.Execute(ctx, a.ID, audit.ActorSystem); err != nil {
			// A lost race shows up as ErrInvalidTransition; the action was
			// taken by a concurrent sweep and is not a failure of this one.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			report.Failed++
			continue
		}
		report.Executed++
	}
	return report, nil
}

// ListStuck surfaces approved actions that have been waiting longer than the
// operational threshold. They need manual inspection, never blind re-runs.
func (s *Service) ListStuck(ctx context.Context, olderThan time.Duration) ([]Action, error) {
	return s.repo.ListStuck(ctx, olderThan)
}

// List exposes status/tier-filtered listings for inspection.
func (s *Service) List(ctx context.Context, filters Filters) ([]Action, error) {
	return s.repo.List(ctx, filters)
}

// Get loads one action.
func (s *Service) Get(ctx context.Context, id string) (Action, error) {
	return s.repo.GetByID(ctx, id)
}
