package action

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"commflow/policy"
)

func TestNewRegistry_RejectsMutatingWithoutHandler(t *testing.T) {
	_, err := NewRegistry(map[string]Entry{
		"broken": {Kind: KindMutating},
	})
	if err == nil {
		t.Fatalf("expected construction to fail for handler-less mutating type")
	}
}

func TestNewRegistry_RejectsNotifyOnlyWithoutAudience(t *testing.T) {
	_, err := NewRegistry(map[string]Entry{
		"broken": {Kind: KindNotifyOnly},
	})
	if err == nil {
		t.Fatalf("expected construction to fail for audience-less notify type")
	}
}

func TestNewRegistry_RejectsReversibleNotifyOnly(t *testing.T) {
	_, err := NewRegistry(map[string]Entry{
		"broken": {Kind: KindNotifyOnly, Audience: "ops", Reversible: true},
	})
	if err == nil {
		t.Fatalf("expected construction to fail for reversible notify type")
	}
}

func TestLookup_UnknownType(t *testing.T) {
	reg, err := NewRegistry(map[string]Entry{
		"known": {Kind: KindMutating, Handler: func(context.Context, pgx.Tx, Action) (map[string]any, *Undo, error) {
			return nil, nil, nil
		}},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	if _, err := reg.Lookup("unknown"); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if _, err := reg.Lookup("known"); err != nil {
		t.Fatalf("expected known type to resolve, got %v", err)
	}
}

func TestDefaultRegistry_CoversCatalog(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("build default registry: %v", err)
	}
	if err := reg.EnsureRegistered(policy.DefaultConfig().ActionTypes()); err != nil {
		t.Fatalf("catalog references an unregistered type: %v", err)
	}
}

func TestEnsureRegistered_ReportsGap(t *testing.T) {
	reg, err := NewRegistry(map[string]Entry{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if err := reg.EnsureRegistered([]string{"create_task"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler for missing type, got %v", err)
	}
}
