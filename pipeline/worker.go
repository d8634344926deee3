package pipeline

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
)

// Worker drains the intake queue with a fixed pool of goroutines. The queue
// is an explicit bounded handoff: intake never blocks on classification, and
// a saturated queue is observable (TryEnqueue returns false) instead of
// silently dropping work.
type Worker struct {
	processor *Processor
	queue     chan string
}

func NewWorker(processor *Processor, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Worker{
		processor: processor,
		queue:     make(chan string, queueSize),
	}
}

// TryEnqueue hands one message id to the pool without blocking.
func (w *Worker) TryEnqueue(messageID string) bool {
	select {
	case w.queue <- messageID:
		return true
	default:
		return false
	}
}

// Run processes queued messages with the given parallelism until the context
// is cancelled. A failed message never stops the drain: its error is already
// persisted on the message row, so it is only logged here.
func (w *Worker) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-w.queue:
					if err := w.processor.Process(ctx, id); err != nil {
						log.Printf("pipeline: message %s: %v", id, err)
					}
				}
			}
		})
	}
	return g.Wait()
}
