package action

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Action type identifiers. The registry over these is closed: an unregistered
// type is a startup-time error, not a runtime surprise.
const (
	TypeCreateTask           = "create_task"
	TypeUpdateTaskDueDate    = "update_task_due_date"
	TypeRegisterInvoice      = "register_invoice"
	TypeCreateIncident       = "create_incident"
	TypeFlagContractReview   = "flag_contract_review"
	TypeNotifyProjectManager = "notify_project_manager"
	TypeNotifyFinance        = "notify_finance"
)

// Kind partitions action types into the two execution shapes.
type Kind int

const (
	// KindMutating runs a handler that performs one state-changing write and
	// may return an undo descriptor.
	KindMutating Kind = iota
	// KindNotifyOnly inserts a notification row for an audience; it carries
	// no handler and is never reversible.
	KindNotifyOnly
)

// Handler performs one state-changing operation inside the dispatcher's
// transaction and returns its result plus, for reversible types, the undo
// descriptor.
type Handler func(ctx context.Context, tx pgx.Tx, a Action) (map[string]any, *Undo, error)

// Entry is one registered action type.
type Entry struct {
	Kind       Kind
	Handler    Handler
	Audience   string // notify-only: who gets the notification
	Reversible bool
}

// Registry is the closed mapping from action type to execution entry.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds a registry from the given entries, validating the shape
// of each: mutating entries need a handler, notify-only entries an audience.
func NewRegistry(entries map[string]Entry) (*Registry, error) {
	for typ, entry := range entries {
		switch entry.Kind {
		case KindMutating:
			if entry.Handler == nil {
				return nil, fmt.Errorf("action: type %s registered without handler", typ)
			}
		case KindNotifyOnly:
			if entry.Audience == "" {
				return nil, fmt.Errorf("action: notify-only type %s registered without audience", typ)
			}
			if entry.Reversible {
				return nil, fmt.Errorf("action: notify-only type %s cannot be reversible", typ)
			}
		default:
			return nil, fmt.Errorf("action: type %s has unknown kind %d", typ, entry.Kind)
		}
	}
	return &Registry{entries: entries}, nil
}

// Lookup returns the entry for the type or ErrNoHandler.
func (r *Registry) Lookup(typ string) (Entry, error) {
	entry, ok := r.entries[typ]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNoHandler, typ)
	}
	return entry, nil
}

// EnsureRegistered verifies every catalog type has a registry entry. Called
// at startup so a policy/catalog drift fails fast.
func (r *Registry) EnsureRegistered(types []string) error {
	for _, typ := range types {
		if _, ok := r.entries[typ]; !ok {
			return fmt.Errorf("%w: catalog references %s", ErrNoHandler, typ)
		}
	}
	return nil
}

// DefaultRegistry wires the production action types to their handlers.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(map[string]Entry{
		TypeCreateTask:         {Kind: KindMutating, Handler: handleCreateTask, Reversible: true},
		TypeUpdateTaskDueDate:  {Kind: KindMutating, Handler: handleUpdateTaskDueDate, Reversible: true},
		TypeRegisterInvoice:    {Kind: KindMutating, Handler: handleRegisterInvoice, Reversible: true},
		TypeCreateIncident:     {Kind: KindMutating, Handler: handleCreateIncident, Reversible: true},
		TypeFlagContractReview: {Kind: KindMutating, Handler: handleFlagContractReview, Reversible: true},
		TypeNotifyProjectManager: {
			Kind:     KindNotifyOnly,
			Audience: "project_manager",
		},
		TypeNotifyFinance: {
			Kind:     KindNotifyOnly,
			Audience: "finance",
		},
	})
}
