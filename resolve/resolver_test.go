package resolve

import (
	"context"
	"testing"
)

type fakeLookup struct {
	projects      map[string]string
	workOrders    map[string][2]string
	domains       map[string]string
	senderHistory map[string]string
}

func (f *fakeLookup) ProjectByCode(ctx context.Context, code string) (string, error) {
	if id, ok := f.projects[code]; ok {
		return id, nil
	}
	return "", ErrNoMatch
}

func (f *fakeLookup) WorkOrderByCode(ctx context.Context, code string) (string, string, error) {
	if pair, ok := f.workOrders[code]; ok {
		return pair[0], pair[1], nil
	}
	return "", "", ErrNoMatch
}

func (f *fakeLookup) CounterpartyByDomain(ctx context.Context, domain string) (string, error) {
	if id, ok := f.domains[domain]; ok {
		return id, nil
	}
	return "", ErrNoMatch
}

func (f *fakeLookup) LastProjectBySender(ctx context.Context, sender string) (string, error) {
	if id, ok := f.senderHistory[sender]; ok {
		return id, nil
	}
	return "", ErrNoMatch
}

func TestResolve_StructuredCodeWins(t *testing.T) {
	lookup := &fakeLookup{
		projects: map[string]string{"OBR-12": "proj-12"},
		domains:  map[string]string{"acme.com": "cp-1"},
	}
	r := NewResolver(lookup)

	res, err := r.Resolve(context.Background(), []string{"ref obra OBR-12 urgente"}, "joao@acme.com")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !res.Matched || res.Via != ViaCode {
		t.Fatalf("expected structured code match, got %+v", res)
	}
	if res.ProjectID == nil || *res.ProjectID != "proj-12" {
		t.Errorf("expected project proj-12, got %v", res.ProjectID)
	}
}

func TestResolve_WorkOrderCode(t *testing.T) {
	lookup := &fakeLookup{
		workOrders: map[string][2]string{"OS-301": {"proj-3", "wo-301"}},
	}
	r := NewResolver(lookup)

	res, err := r.Resolve(context.Background(), []string{"medicao OS-301"}, "")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.WorkOrderID == nil || *res.WorkOrderID != "wo-301" {
		t.Fatalf("expected work order wo-301, got %+v", res)
	}
	if res.ProjectID == nil || *res.ProjectID != "proj-3" {
		t.Errorf("expected owning project proj-3, got %v", res.ProjectID)
	}
}

func TestResolve_SenderDomainFallback(t *testing.T) {
	lookup := &fakeLookup{
		domains: map[string]string{"fornecedor.com.br": "cp-9"},
	}
	r := NewResolver(lookup)

	res, err := r.Resolve(context.Background(), []string{"sem codigo"}, "Maria@Fornecedor.com.br")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Via != ViaDomain || res.CounterpartyID == nil || *res.CounterpartyID != "cp-9" {
		t.Fatalf("expected counterparty by domain, got %+v", res)
	}
}

func TestResolve_SenderHistoryFallback(t *testing.T) {
	lookup := &fakeLookup{
		senderHistory: map[string]string{"eng@obra.dev": "proj-7"},
	}
	r := NewResolver(lookup)

	res, err := r.Resolve(context.Background(), nil, "eng@obra.dev")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Via != ViaHistory || res.ProjectID == nil || *res.ProjectID != "proj-7" {
		t.Fatalf("expected sender history match, got %+v", res)
	}
}

func TestResolve_NoMatchIsNotAnError(t *testing.T) {
	r := NewResolver(&fakeLookup{})

	res, err := r.Resolve(context.Background(), []string{"nada"}, "x@y.z")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Matched {
		t.Fatalf("expected unmatched resolution, got %+v", res)
	}
}
