package message

import "time"

// Status is the message lifecycle. Messages are never deleted; terminal
// states are completed and failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClassified Status = "classified"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Message is one inbound communication, keyed by the provider-native id.
type Message struct {
	ID               string
	ProviderID       string
	Resource         string
	Status           Status
	Error            *string
	ClassificationID *string
	ProjectID        *string
	CounterpartyID   *string
	SenderAddress    *string
	SenderName       *string
	ReceivedAt       time.Time
	UpdatedAt        time.Time
}

// Receipt is the intake outcome. Duplicate is a success-no-op, not an error.
type Receipt struct {
	MessageID string
	Duplicate bool
}

// Filters narrows message listings.
type Filters struct {
	Status   Status
	Page     int
	PageSize int
}
