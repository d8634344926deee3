package message

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReprocessable signals a reprocess request for a message already in a
// terminal success state.
var ErrNotReprocessable = errors.New("message: only failed or pending messages can be reprocessed")

// requeueBatch bounds one stale-pending drain to roughly the queue capacity.
const requeueBatch = 100

// Repository is the data access the intake service needs.
type Repository interface {
	Insert(ctx context.Context, providerID, resource string) (Message, error)
	GetByID(ctx context.Context, id string) (Message, error)
	List(ctx context.Context, filters Filters) ([]Message, error)
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]Message, error)
	MarkPending(ctx context.Context, id string) error
}

// Queue is the handoff to the classification workers. TryEnqueue must not
// block; a full queue returns false and the message stays pending for the
// next drain.
type Queue interface {
	TryEnqueue(messageID string) bool
}

// Service implements message intake and reprocessing.
type Service struct {
	repo  Repository
	queue Queue
}

func NewService(repo Repository, queue Queue) *Service {
	return &Service{repo: repo, queue: queue}
}

// Enqueue takes in one provider notification. Intake is idempotent on the
// provider id: a duplicate is acknowledged as a no-op. Downstream failures
// are visible through message status, never through the intake response.
func (s *Service) Enqueue(ctx context.Context, providerID, resource string) (Receipt, error) {
	if providerID == "" {
		return Receipt{}, fmt.Errorf("message: provider id required")
	}
	if resource == "" {
		return Receipt{}, fmt.Errorf("message: resource required")
	}

	msg, err := s.repo.Insert(ctx, providerID, resource)
	if err != nil {
		if errors.Is(err, ErrDuplicateProviderID) {
			return Receipt{Duplicate: true}, nil
		}
		return Receipt{}, err
	}

	// Best effort: if the queue is saturated the message stays pending and
	// the next stale-pending drain or a manual reprocess picks it up.
	s.queue.TryEnqueue(msg.ID)

	return Receipt{MessageID: msg.ID}, nil
}

// Reprocess hands a message back to the workers. A failed message is rewound
// to pending first; a pending one lost its queue slot (saturated intake or a
// restart) and only needs the handoff again.
func (s *Service) Reprocess(ctx context.Context, id string) error {
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch msg.Status {
	case StatusFailed:
		if err := s.repo.MarkPending(ctx, id); err != nil {
			return err
		}
	case StatusPending:
	default:
		return ErrNotReprocessable
	}
	s.queue.TryEnqueue(id)
	return nil
}

// RequeueStale drains pending messages that lost their queue slot back to the
// workers and reports how many were handed off. Called once at startup, when
// the in-memory queue comes up empty, and again on every sweep tick with an
// age threshold so in-flight messages are left alone.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	msgs, err := s.repo.ListStalePending(ctx, olderThan, requeueBatch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, msg := range msgs {
		if !s.queue.TryEnqueue(msg.ID) {
			break
		}
		requeued++
	}
	return requeued, nil
}

// Get loads one message for inspection.
func (s *Service) Get(ctx context.Context, id string) (Message, error) {
	return s.repo.GetByID(ctx, id)
}

// List exposes status-filtered message listings for inspection.
func (s *Service) List(ctx context.Context, filters Filters) ([]Message, error) {
	return s.repo.List(ctx, filters)
}
