package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Handlers perform exactly one write each. They are idempotent at the data
// layer where a natural key exists: inserts carry the source message id, so a
// crash between handler success and status persistence cannot duplicate the
// row on a recovery re-run (ON CONFLICT DO NOTHING against the source key).

func handleCreateTask(ctx context.Context, tx pgx.Tx, a Action) (map[string]any, *Undo, error) {
	if a.ProjectID == nil {
		return nil, nil, fmt.Errorf("action: create_task requires a project")
	}

	title := a.Payload.Summary
	if title == "" {
		title = a.Description
	}

	const insertSQL = `
INSERT INTO tasks (project_id, title, status, source_message_id, source_action_id)
VALUES ($1, $2, 'open', $3, $4)
ON CONFLICT (source_action_id) DO UPDATE SET title = EXCLUDED.title
RETURNING id::text
`
	var taskID string
	if err := tx.QueryRow(ctx, insertSQL, *a.ProjectID, title, a.MessageID, a.ID).Scan(&taskID); err != nil {
		return nil, nil, fmt.Errorf("action: insert task: %w", err)
	}

	return map[string]any{"task_id": taskID},
		&Undo{Kind: UndoDeleteInsert, Table: "tasks", RowID: taskID},
		nil
}

func handleUpdateTaskDueDate(ctx context.Context, tx pgx.Tx, a Action) (map[string]any, *Undo, error) {
	if a.ProjectID == nil {
		return nil, nil, fmt.Errorf("action: update_task_due_date requires a project")
	}
	if len(a.Payload.Dates) == 0 {
		return nil, nil, fmt.Errorf("action: update_task_due_date requires an extracted date")
	}
	due, err := time.Parse("2006-01-02", a.Payload.Dates[0])
	if err != nil {
		return nil, nil, fmt.Errorf("action: parse due date %q: %w", a.Payload.Dates[0], err)
	}

	const lockSQL = `
SELECT id::text, due_date
FROM tasks
WHERE project_id = $1 AND status = 'open'
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE
`
	var (
		taskID string
		prior  *time.Time
	)
	if err := tx.QueryRow(ctx, lockSQL, *a.ProjectID).Scan(&taskID, &prior); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("action: no open task for project %s", *a.ProjectID)
		}
		return nil, nil, fmt.Errorf("action: lock task: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET due_date = $2 WHERE id = $1`, taskID, due); err != nil {
		return nil, nil, fmt.Errorf("action: update due date: %w", err)
	}

	var priorValue any
	if prior != nil {
		priorValue = prior.Format("2006-01-02")
	}
	return map[string]any{"task_id": taskID, "due_date": due.Format("2006-01-02")},
		&Undo{Kind: UndoRestoreUpdate, Table: "tasks", RowID: taskID, Prior: map[string]any{"due_date": priorValue}},
		nil
}

func handleRegisterInvoice(ctx context.Context, tx pgx.Tx, a Action) (map[string]any, *Undo, error) {
	if len(a.Payload.MonetaryValues) == 0 {
		return nil, nil, fmt.Errorf("action: register_invoice requires a monetary value")
	}
	amount := a.Payload.MonetaryValues[0]

	const insertSQL = `
INSERT INTO invoices (project_id, counterparty_id, amount, description, source_message_id, source_action_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_action_id) DO UPDATE SET amount = EXCLUDED.amount
RETURNING id::text
`
	var invoiceID string
	if err := tx.QueryRow(ctx, insertSQL, a.ProjectID, a.CounterpartyID, amount, a.Payload.Summary, a.MessageID, a.ID).Scan(&invoiceID); err != nil {
		return nil, nil, fmt.Errorf("action: insert invoice: %w", err)
	}

	return map[string]any{"invoice_id": invoiceID, "amount": amount},
		&Undo{Kind: UndoDeleteInsert, Table: "invoices", RowID: invoiceID},
		nil
}

func handleCreateIncident(ctx context.Context, tx pgx.Tx, a Action) (map[string]any, *Undo, error) {
	const insertSQL = `
INSERT INTO incidents (project_id, description, source_message_id, source_action_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_action_id) DO UPDATE SET description = EXCLUDED.description
RETURNING id::text
`
	var incidentID string
	if err := tx.QueryRow(ctx, insertSQL, a.ProjectID, a.Payload.Summary, a.MessageID, a.ID).Scan(&incidentID); err != nil {
		return nil, nil, fmt.Errorf("action: insert incident: %w", err)
	}

	return map[string]any{"incident_id": incidentID},
		&Undo{Kind: UndoDeleteInsert, Table: "incidents", RowID: incidentID},
		nil
}

func handleFlagContractReview(ctx context.Context, tx pgx.Tx, a Action) (map[string]any, *Undo, error) {
	const insertSQL = `
INSERT INTO contract_reviews (project_id, counterparty_id, reason, source_message_id, source_action_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_action_id) DO UPDATE SET reason = EXCLUDED.reason
RETURNING id::text
`
	var reviewID string
	if err := tx.QueryRow(ctx, insertSQL, a.ProjectID, a.CounterpartyID, a.Payload.Summary, a.MessageID, a.ID).Scan(&reviewID); err != nil {
		return nil, nil, fmt.Errorf("action: insert contract review: %w", err)
	}

	return map[string]any{"review_id": reviewID},
		&Undo{Kind: UndoDeleteInsert, Table: "contract_reviews", RowID: reviewID},
		nil
}

// insertNotification is the notify-only execution path: one notification row
// for the audience, keyed by the action id so re-runs cannot duplicate it.
func insertNotification(ctx context.Context, tx pgx.Tx, a Action, audience string) (map[string]any, error) {
	const insertSQL = `
INSERT INTO notifications (audience, project_id, body, source_message_id, source_action_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_action_id) DO UPDATE SET body = EXCLUDED.body
RETURNING id::text
`
	body := a.Payload.Summary
	if body == "" {
		body = a.Description
	}
	var notificationID string
	if err := tx.QueryRow(ctx, insertSQL, audience, a.ProjectID, body, a.MessageID, a.ID).Scan(&notificationID); err != nil {
		return nil, fmt.Errorf("action: insert notification: %w", err)
	}
	return map[string]any{"notification_id": notificationID, "audience": audience}, nil
}

// allowedUndoTables guards rollback SQL against descriptors naming tables the
// dispatcher never writes.
var allowedUndoTables = map[string]struct{}{
	"tasks":            {},
	"invoices":         {},
	"incidents":        {},
	"contract_reviews": {},
}

// applyUndo reverses one executed action using its stored descriptor.
func applyUndo(ctx context.Context, tx pgx.Tx, undo Undo) error {
	if _, ok := allowedUndoTables[undo.Table]; !ok {
		return fmt.Errorf("action: undo references unknown table %q", undo.Table)
	}
	ident := pgx.Identifier{undo.Table}.Sanitize()

	switch undo.Kind {
	case UndoDeleteInsert:
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ident), undo.RowID); err != nil {
			return fmt.Errorf("action: undo delete: %w", err)
		}
		return nil
	case UndoRestoreUpdate:
		for col, value := range undo.Prior {
			colIdent := pgx.Identifier{col}.Sanitize()
			query := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = $1`, ident, colIdent)
			if _, err := tx.Exec(ctx, query, undo.RowID, value); err != nil {
				return fmt.Errorf("action: undo restore %s: %w", col, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("action: unknown undo kind %q", undo.Kind)
	}
}
