// Package pipeline drives one inbound message through classification, entity
// resolution and action proposal.
package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"commflow/action"
	"commflow/audit"
	"commflow/classify"
	"commflow/message"
	"commflow/policy"
	"commflow/resolve"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Classifier is the external classification capability.
type Classifier interface {
	Classify(ctx context.Context, req classify.Request) (classify.Result, error)
}

// MessageStore is the message data access the processor needs.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (message.Message, error)
	SetSender(ctx context.Context, id, address, name string) error
	MarkClassified(ctx context.Context, tx pgx.Tx, id, classificationID string) error
	AttachEntities(ctx context.Context, tx pgx.Tx, id string, projectID, counterpartyID *string) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// ResultStore persists classification results.
type ResultStore interface {
	Insert(ctx context.Context, tx pgx.Tx, messageID string, res classify.Result) (classify.Result, error)
}

// ActionStore persists proposed actions.
type ActionStore interface {
	InsertBatch(ctx context.Context, tx pgx.Tx, params []action.CreateParams) ([]action.Action, error)
}

// EntityResolver matches extracted references to business entities.
type EntityResolver interface {
	Resolve(ctx context.Context, refs []string, senderAddress string) (resolve.Resolution, error)
}

// Auditor is the audit surface used by the processor.
type Auditor interface {
	Append(ctx context.Context, tx pgx.Tx, ev audit.Event) error
	Record(ctx context.Context, ev audit.Event)
}

// Processor runs the classification stage for one message per invocation.
type Processor struct {
	pool       TxBeginner
	messages   MessageStore
	results    ResultStore
	actions    ActionStore
	fetcher    Fetcher
	classifier Classifier
	resolver   EntityResolver
	engine     *policy.Engine
	recorder   Auditor
}

func NewProcessor(
	pool TxBeginner,
	messages MessageStore,
	results ResultStore,
	actions ActionStore,
	fetcher Fetcher,
	classifier Classifier,
	resolver EntityResolver,
	engine *policy.Engine,
	recorder Auditor,
) *Processor {
	return &Processor{
		pool:       pool,
		messages:   messages,
		results:    results,
		actions:    actions,
		fetcher:    fetcher,
		classifier: classifier,
		resolver:   resolver,
		engine:     engine,
		recorder:   recorder,
	}
}

// Process classifies one pending message and persists its proposals. A
// message in any other status is a no-op, which makes redundant queue
// deliveries safe. Failures park the message in failed status for manual
// reprocessing; they are never retried here.
func (p *Processor) Process(ctx context.Context, messageID string) error {
	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status != message.StatusPending {
		return nil
	}

	content, err := p.fetcher.Fetch(ctx, msg.Resource)
	if err != nil {
		return p.fail(ctx, msg, err)
	}
	if err := p.messages.SetSender(ctx, msg.ID, content.SenderAddress, content.SenderName); err != nil {
		return err
	}

	result, err := p.classifier.Classify(ctx, classify.Request{
		Subject:       content.Subject,
		Body:          content.Body,
		SenderAddress: content.SenderAddress,
		SenderName:    content.SenderName,
	})
	if err != nil {
		return p.fail(ctx, msg, err)
	}

	resolution, err := p.resolver.Resolve(ctx, result.Entities.References, content.SenderAddress)
	if err != nil {
		return p.fail(ctx, msg, err)
	}

	proposals := p.engine.Propose(result, resolution)

	if err := p.persist(ctx, msg, content, result, resolution, proposals); err != nil {
		return p.fail(ctx, msg, err)
	}
	return nil
}

// persist writes the classification, entity links, proposals, their audit
// facts and the terminal completed status in one transaction, so a killed
// worker leaves the message still pending and fully resumable.
func (p *Processor) persist(
	ctx context.Context,
	msg message.Message,
	content Content,
	result classify.Result,
	resolution resolve.Resolution,
	proposals []policy.Proposal,
) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := p.results.Insert(ctx, tx, msg.ID, result)
	if err != nil {
		return err
	}
	if err := p.messages.MarkClassified(ctx, tx, msg.ID, stored.ID); err != nil {
		return err
	}
	if err := p.messages.AttachEntities(ctx, tx, msg.ID, resolution.ProjectID, resolution.CounterpartyID); err != nil {
		return err
	}

	if err := p.recorder.Append(ctx, tx, audit.Event{
		Type:      audit.EventClassification,
		MessageID: &msg.ID,
		Payload: map[string]any{
			"domain":     string(result.Domain),
			"category":   string(result.Category),
			"confidence": result.Confidence,
			"resolved":   resolution.Matched,
			"via":        resolution.Via,
		},
	}); err != nil {
		return err
	}

	if len(proposals) > 0 {
		params := make([]action.CreateParams, 0, len(proposals))
		for _, prop := range proposals {
			status := action.StatusPending
			if prop.AutoApproved {
				status = action.StatusApproved
			}
			params = append(params, action.CreateParams{
				MessageID:      msg.ID,
				Type:           prop.Type,
				ProjectID:      resolution.ProjectID,
				CounterpartyID: resolution.CounterpartyID,
				Risk:           prop.Risk,
				Tier:           prop.Tier,
				Status:         status,
				Description:    prop.Description,
				Payload: action.Payload{
					Summary:        result.Summary,
					MonetaryValues: result.Entities.MonetaryValues,
					Dates:          result.Entities.Dates,
					References:     result.Entities.References,
					SenderAddress:  content.SenderAddress,
				},
			})
		}

		created, err := p.actions.InsertBatch(ctx, tx, params)
		if err != nil {
			return err
		}
		for i := range created {
			a := created[i]
			if err := p.recorder.Append(ctx, tx, audit.Event{
				Type:      audit.EventActionProposed,
				MessageID: &msg.ID,
				ActionID:  &a.ID,
				Payload: map[string]any{
					"type":  a.Type,
					"risk":  string(a.Risk),
					"tier":  string(a.Tier),
					"rules": proposals[i].MatchedRules,
				},
			}); err != nil {
				return err
			}
		}
	}

	if err := p.messages.MarkCompleted(ctx, tx, msg.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pipeline: commit: %w", err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, msg message.Message, cause error) error {
	if err := p.messages.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
		return fmt.Errorf("pipeline: mark failed after %v: %w", cause, err)
	}
	p.recorder.Record(ctx, audit.Event{
		Type:      audit.EventFailed,
		MessageID: &msg.ID,
		Payload:   map[string]any{"error": cause.Error()},
	})
	return cause
}
