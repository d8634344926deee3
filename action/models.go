// Package action owns proposed actions: the registry of executable action
// types, the approval/execution state machine, and rollback.
package action

import (
	"errors"
	"time"

	"commflow/policy"
)

// Status is the proposed-action lifecycle. Legal transitions:
// pending -> approved|rejected, approved -> executed|failed,
// executed -> rolled_back. Everything else is ErrInvalidTransition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

var (
	// ErrActionNotFound is returned when no action row exists for the id.
	ErrActionNotFound = errors.New("action: not found")
	// ErrInvalidTransition signals an illegal state-machine transition; the
	// action row is left unchanged.
	ErrInvalidTransition = errors.New("action: invalid transition")
	// ErrNotReversible signals a rollback request for an action type that
	// produces no undo descriptor.
	ErrNotReversible = errors.New("action: not reversible")
	// ErrNoHandler signals an action type absent from the registry. This is a
	// configuration gap and should alert operators.
	ErrNoHandler = errors.New("action: no handler registered")
)

// Undo is the minimal data needed to reverse one executed action: delete what
// was inserted, or restore the prior value of an update.
type Undo struct {
	Kind  string         `json:"kind"` // delete_insert | restore_update
	Table string         `json:"table"`
	RowID string         `json:"row_id"`
	Prior map[string]any `json:"prior,omitempty"`
}

const (
	UndoDeleteInsert  = "delete_insert"
	UndoRestoreUpdate = "restore_update"
)

// Action is one candidate state-changing operation derived from a
// classification. Rows are never physically deleted.
type Action struct {
	ID             string
	MessageID      string
	Type           string
	ProjectID      *string
	CounterpartyID *string
	Risk           policy.RiskLevel
	Tier           policy.Tier
	Status         Status
	Description    string
	Payload        Payload
	Result         map[string]any
	Undo           *Undo
	Error          *string
	ApprovedBy     *string
	RejectedBy     *string
	RejectReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payload carries the classification context handlers may need: the summary
// and the extracted entity values.
type Payload struct {
	Summary        string    `json:"summary"`
	MonetaryValues []float64 `json:"monetary_values,omitempty"`
	Dates          []string  `json:"dates,omitempty"`
	References     []string  `json:"references,omitempty"`
	SenderAddress  string    `json:"sender_address,omitempty"`
}

// CreateParams enumerates the fields persisted for a new proposal.
type CreateParams struct {
	MessageID      string
	Type           string
	ProjectID      *string
	CounterpartyID *string
	Risk           policy.RiskLevel
	Tier           policy.Tier
	Status         Status
	Description    string
	Payload        Payload
}

// Filters narrows action listings.
type Filters struct {
	Status   Status
	Tier     policy.Tier
	Page     int
	PageSize int
}
