package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"commflow/action"
	"commflow/auth"
	"commflow/classify"
	"commflow/message"
	"commflow/policy"
)

type fakeIntake struct {
	seen       map[string]bool
	msgs       map[string]message.Message
	reprocess  []string
	reprocErr  error
	enqueueErr error
}

func newFakeIntake() *fakeIntake {
	return &fakeIntake{seen: make(map[string]bool), msgs: make(map[string]message.Message)}
}

func (f *fakeIntake) Enqueue(ctx context.Context, providerID, resource string) (message.Receipt, error) {
	if f.enqueueErr != nil {
		return message.Receipt{}, f.enqueueErr
	}
	if f.seen[providerID] {
		return message.Receipt{Duplicate: true}, nil
	}
	f.seen[providerID] = true
	return message.Receipt{MessageID: "msg-" + providerID}, nil
}

func (f *fakeIntake) Reprocess(ctx context.Context, id string) error {
	if f.reprocErr != nil {
		return f.reprocErr
	}
	f.reprocess = append(f.reprocess, id)
	return nil
}

func (f *fakeIntake) List(ctx context.Context, filters message.Filters) ([]message.Message, error) {
	return nil, nil
}

func (f *fakeIntake) Get(ctx context.Context, id string) (message.Message, error) {
	msg, ok := f.msgs[id]
	if !ok {
		return message.Message{}, message.ErrMessageNotFound
	}
	return msg, nil
}

type fakeAdmin struct {
	approved    map[string]string
	rejected    map[string]string
	listFilters action.Filters
	err         error
	sweepRuns   int
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{approved: make(map[string]string), rejected: make(map[string]string)}
}

func (f *fakeAdmin) Approve(ctx context.Context, id, actor string) error {
	if f.err != nil {
		return f.err
	}
	f.approved[id] = actor
	return nil
}

func (f *fakeAdmin) Reject(ctx context.Context, id, actor, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.rejected[id] = reason
	return nil
}

func (f *fakeAdmin) Execute(ctx context.Context, id, actor string) error  { return f.err }
func (f *fakeAdmin) Rollback(ctx context.Context, id, actor string) error { return f.err }

func (f *fakeAdmin) Sweep(ctx context.Context) (action.SweepReport, error) {
	f.sweepRuns++
	return action.SweepReport{Picked: 2, Executed: 2}, f.err
}

func (f *fakeAdmin) ListStuck(ctx context.Context, olderThan time.Duration) ([]action.Action, error) {
	return nil, nil
}

func (f *fakeAdmin) List(ctx context.Context, filters action.Filters) ([]action.Action, error) {
	f.listFilters = filters
	return nil, nil
}

func (f *fakeAdmin) Get(ctx context.Context, id string) (action.Action, error) {
	return action.Action{}, f.err
}

type fakeAuth struct {
	registered []auth.RegisterRequest
}

func (f *fakeAuth) Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if req.Password != "strongpassword" {
		return auth.LoginResult{}, auth.ErrInvalidCredentials
	}
	return auth.LoginResult{Token: "tok-1", Operator: auth.Operator{ID: "op-1", Role: auth.RoleOperator}}, nil
}

func (f *fakeAuth) VerifyToken(tokenString string) (string, auth.Role, error) {
	switch tokenString {
	case "tok-1":
		return "op-1", auth.RoleOperator, nil
	case "tok-super":
		return "op-9", auth.RoleSupervisor, nil
	}
	return "", "", auth.ErrInvalidCredentials
}

func (f *fakeAuth) Register(ctx context.Context, req auth.RegisterRequest) (*auth.Operator, error) {
	f.registered = append(f.registered, req)
	return &auth.Operator{ID: "op-new", Email: req.Email, FullName: req.FullName, Role: req.Role}, nil
}

func (f *fakeAuth) GetOperatorByID(ctx context.Context, operatorID string) (*auth.Operator, error) {
	if operatorID != "op-1" && operatorID != "op-9" {
		return nil, auth.ErrOperatorNotFound
	}
	return &auth.Operator{ID: operatorID, Email: "op@acme.com", Role: auth.RoleOperator}, nil
}

type fakeClassifications struct {
	results map[string]classify.Result
}

func (f *fakeClassifications) GetByID(ctx context.Context, id string) (classify.Result, error) {
	res, ok := f.results[id]
	if !ok {
		return classify.Result{}, classify.ErrResultNotFound
	}
	return res, nil
}

const (
	testActionID  = "4f0fbf3c-0d23-4ecb-8e4f-2f3a9a1b6c01"
	testMessageID = "9d2c6a6e-1f4b-4f7a-b7a2-5c0d8f3e9a10"
)

func newTestServer(intake *fakeIntake, admin *fakeAdmin) *Server {
	return NewServer(intake, admin, &fakeClassifications{}, &fakeAuth{})
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_ValidationHandshake(t *testing.T) {
	s := newTestServer(newFakeIntake(), newFakeAdmin())

	rec := do(t, s, http.MethodPost, "/webhook/messages?validationToken=abc123", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "abc123" {
		t.Fatalf("expected token echoed verbatim, got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain echo, got %q", ct)
	}
}

func TestWebhook_BatchAcceptedWithDuplicates(t *testing.T) {
	intake := newFakeIntake()
	s := newTestServer(intake, newFakeAdmin())

	body := `{"value":[{"id":"n-1","resource":"/mail/1"},{"id":"n-2","resource":"/mail/2"}]}`
	rec := do(t, s, http.MethodPost, "/webhook/messages", "", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	// Redelivery of the same batch is acknowledged without creating work.
	rec = do(t, s, http.MethodPost, "/webhook/messages", "", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on redelivery, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"duplicates":2`) {
		t.Fatalf("expected both notifications deduplicated, got %s", rec.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(newFakeIntake(), newFakeAdmin())

	for _, path := range []string{"/actions", "/messages", "/sweep"} {
		method := http.MethodGet
		if path == "/sweep" {
			method = http.MethodPost
		}
		rec := do(t, s, method, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}
}

func TestApprove_CarriesOperatorActor(t *testing.T) {
	admin := newFakeAdmin()
	s := newTestServer(newFakeIntake(), admin)

	rec := do(t, s, http.MethodPost, "/actions/"+testActionID+"/approve", "tok-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if admin.approved[testActionID] != "op-1" {
		t.Fatalf("expected actor from token, got %q", admin.approved[testActionID])
	}
}

func TestReject_RequiresReason(t *testing.T) {
	admin := newFakeAdmin()
	s := newTestServer(newFakeIntake(), admin)

	rec := do(t, s, http.MethodPost, "/actions/"+testActionID+"/reject", "tok-1", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/actions/"+testActionID+"/reject", "tok-1", `{"reason":"valor incorreto"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if admin.rejected[testActionID] != "valor incorreto" {
		t.Fatalf("expected reason recorded, got %q", admin.rejected[testActionID])
	}
}

func TestActionErrors_MapToStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		path string
		want int
	}{
		{"invalid transition", action.ErrInvalidTransition, "/actions/" + testActionID + "/approve", http.StatusConflict},
		{"not reversible", action.ErrNotReversible, "/actions/" + testActionID + "/rollback", http.StatusUnprocessableEntity},
		{"not found", action.ErrActionNotFound, "/actions/" + testActionID + "/approve", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			admin := newFakeAdmin()
			admin.err = tc.err
			s := newTestServer(newFakeIntake(), admin)

			rec := do(t, s, http.MethodPost, tc.path, "tok-1", "")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestMalformedID_IsNotFound(t *testing.T) {
	admin := newFakeAdmin()
	s := newTestServer(newFakeIntake(), admin)

	rec := do(t, s, http.MethodPost, "/actions/not-a-uuid/approve", "tok-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", rec.Code)
	}
	if len(admin.approved) != 0 {
		t.Fatalf("malformed id must not reach the service")
	}
}

func TestReprocess_NotFound(t *testing.T) {
	intake := newFakeIntake()
	intake.reprocErr = message.ErrMessageNotFound
	s := newTestServer(intake, newFakeAdmin())

	rec := do(t, s, http.MethodPost, "/messages/"+testMessageID+"/reprocess", "tok-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSweep_ReturnsReport(t *testing.T) {
	admin := newFakeAdmin()
	s := newTestServer(newFakeIntake(), admin)

	rec := do(t, s, http.MethodPost, "/sweep", "tok-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if admin.sweepRuns != 1 {
		t.Fatalf("expected one sweep run, got %d", admin.sweepRuns)
	}
	if !strings.Contains(rec.Body.String(), `"Picked":2`) {
		t.Fatalf("expected report body, got %s", rec.Body.String())
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(newFakeIntake(), newFakeAdmin())

	rec := do(t, s, http.MethodPost, "/auth/login", "", `{"email":"joana@obra.dev","password":"strongpassword"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "tok-1") {
		t.Fatalf("expected token in response, got %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/auth/login", "", `{"email":"joana@obra.dev","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetMessage_IncludesClassification(t *testing.T) {
	clsID := "c0ffee00-0d23-4ecb-8e4f-2f3a9a1b6c01"
	intake := newFakeIntake()
	intake.msgs[testMessageID] = message.Message{ID: testMessageID, Status: message.StatusCompleted, ClassificationID: &clsID}
	s := NewServer(intake, newFakeAdmin(), &fakeClassifications{results: map[string]classify.Result{
		clsID: {ID: clsID, Domain: classify.DomainObra, Category: classify.CategoryPrazo, Confidence: 0.95},
	}}, &fakeAuth{})

	rec := do(t, s, http.MethodGet, "/messages/"+testMessageID, "tok-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"classification"`) || !strings.Contains(body, `"prazo"`) {
		t.Errorf("expected classification embedded, got %s", body)
	}

	rec = do(t, s, http.MethodGet, "/messages/"+testActionID, "tok-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d", rec.Code)
	}
}

func TestListActions_TierFilter(t *testing.T) {
	admin := newFakeAdmin()
	s := newTestServer(newFakeIntake(), admin)

	rec := do(t, s, http.MethodGet, "/actions?status=pending&tier=review_required", "tok-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if admin.listFilters.Status != action.StatusPending {
		t.Errorf("status filter not forwarded, got %q", admin.listFilters.Status)
	}
	if admin.listFilters.Tier != policy.TierReviewRequired {
		t.Errorf("tier filter not forwarded, got %q", admin.listFilters.Tier)
	}
}

func TestCreateOperator_SupervisorOnly(t *testing.T) {
	authn := &fakeAuth{}
	s := NewServer(newFakeIntake(), newFakeAdmin(), &fakeClassifications{}, authn)

	body := `{"email":"novo@acme.com","password":"strongpassword","full_name":"Novo Operador"}`
	rec := do(t, s, http.MethodPost, "/operators", "tok-1", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator role, got %d", rec.Code)
	}
	if len(authn.registered) != 0 {
		t.Fatalf("registration must not reach the service without supervisor role")
	}

	rec = do(t, s, http.MethodPost, "/operators", "tok-super", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(authn.registered) != 1 || authn.registered[0].Email != "novo@acme.com" {
		t.Errorf("unexpected registration %v", authn.registered)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("response must not carry credential material: %s", rec.Body.String())
	}
}

func TestMe_ReturnsCurrentOperator(t *testing.T) {
	s := newTestServer(newFakeIntake(), newFakeAdmin())

	rec := do(t, s, http.MethodGet, "/operators/me", "tok-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"op-1"`) {
		t.Errorf("expected current operator id, got %s", rec.Body.String())
	}
}
