package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"commflow/action"
	"commflow/auth"
	"commflow/classify"
	"commflow/message"
	"commflow/policy"
)

const (
	ctxOperatorID = "operator_id"
	ctxRole       = "operator_role"
)

// notification mirrors the provider's change-notification payload: a batch of
// references to new mailbox items, not the items themselves.
type notification struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
}

type webhookBatch struct {
	Value []notification `json:"value"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts provider change notifications. A validationToken
// query parameter is the provider's subscription handshake and must be echoed
// back as plain text. Notification batches are acknowledged 202 once every
// item is durably recorded; classification happens asynchronously.
func (s *Server) handleWebhook(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	var batch webhookBatch
	if err := c.Bind(&batch); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed notification batch"))
	}

	accepted := 0
	duplicates := 0
	for _, n := range batch.Value {
		receipt, err := s.messages.Enqueue(c.Request().Context(), n.ID, n.Resource)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
		}
		if receipt.Duplicate {
			duplicates++
		} else {
			accepted++
		}
	}

	return c.JSON(http.StatusAccepted, map[string]int{
		"accepted":   accepted,
		"duplicates": duplicates,
	})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed login request"))
	}

	result, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.JSON(http.StatusUnauthorized, errBody("invalid credentials"))
		}
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]string{
		"token": result.Token,
		"role":  string(result.Operator.Role),
	})
}

// requireOperator authenticates the bearer token and stashes the operator
// identity in the request context so transitions carry a real actor id.
func (s *Server) requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			return c.JSON(http.StatusUnauthorized, errBody("missing bearer token"))
		}

		operatorID, role, err := s.auth.VerifyToken(tokenString)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errBody("invalid token"))
		}

		c.Set(ctxOperatorID, operatorID)
		c.Set(ctxRole, role)
		return next(c)
	}
}

func operatorID(c echo.Context) string {
	id, _ := c.Get(ctxOperatorID).(string)
	return id
}

// pathID validates the :id parameter before it reaches a uuid-typed SQL
// placeholder; a malformed id is a plain 404, not a database error.
func pathID(c echo.Context) (string, bool) {
	raw := c.Param("id")
	if _, err := uuid.Parse(raw); err != nil {
		return "", false
	}
	return raw, true
}

// handleCreateOperator provisions a back-office account. Only a supervisor
// can create operators; the first supervisor is seeded directly in the
// database.
func (s *Server) handleCreateOperator(c echo.Context) error {
	if role, _ := c.Get(ctxRole).(auth.Role); role != auth.RoleSupervisor {
		return c.JSON(http.StatusForbidden, errBody("supervisor role required"))
	}

	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed operator request"))
	}

	op, err := s.auth.Register(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			return c.JSON(http.StatusConflict, errBody("email already registered"))
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidOperator):
			return c.JSON(http.StatusBadRequest, errBody(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusCreated, operatorView(op))
}

func (s *Server) handleMe(c echo.Context) error {
	op, err := s.auth.GetOperatorByID(c.Request().Context(), operatorID(c))
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			return c.JSON(http.StatusNotFound, errBody("operator not found"))
		}
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, operatorView(op))
}

// operatorView shapes the account for responses; the hash never leaves the
// service.
func operatorView(op *auth.Operator) map[string]any {
	return map[string]any{
		"id":        op.ID,
		"email":     op.Email,
		"full_name": op.FullName,
		"role":      op.Role,
	}
}

func (s *Server) handleListMessages(c echo.Context) error {
	filters := message.Filters{Status: message.Status(c.QueryParam("status"))}
	msgs, err := s.messages.List(c.Request().Context(), filters)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// handleGetMessage returns one message with its stored classification, the
// detail view operators use to judge a proposal's provenance.
func (s *Server) handleGetMessage(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("message not found"))
	}

	msg, err := s.messages.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, message.ErrMessageNotFound) {
			return c.JSON(http.StatusNotFound, errBody("message not found"))
		}
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}

	body := map[string]any{"message": msg}
	if msg.ClassificationID != nil {
		res, err := s.results.GetByID(c.Request().Context(), *msg.ClassificationID)
		if err != nil && !errors.Is(err, classify.ErrResultNotFound) {
			return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
		}
		if err == nil {
			body["classification"] = res
		}
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleReprocess(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("message not found"))
	}

	err := s.messages.Reprocess(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrMessageNotFound):
			return c.JSON(http.StatusNotFound, errBody("message not found"))
		case errors.Is(err, message.ErrNotReprocessable):
			return c.JSON(http.StatusConflict, errBody(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleListActions(c echo.Context) error {
	filters := action.Filters{
		Status: action.Status(c.QueryParam("status")),
		Tier:   policy.Tier(c.QueryParam("tier")),
	}
	actions, err := s.actions.List(c.Request().Context(), filters)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleListStuck(c echo.Context) error {
	olderThan := 10 * time.Minute
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errBody("invalid older_than duration"))
		}
		olderThan = d
	}

	actions, err := s.actions.ListStuck(c.Request().Context(), olderThan)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleGetAction(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("action not found"))
	}

	a, err := s.actions.Get(c.Request().Context(), id)
	if err != nil {
		return actionError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleApprove(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("action not found"))
	}

	if err := s.actions.Approve(c.Request().Context(), id, operatorID(c)); err != nil {
		return actionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReject(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed reject request"))
	}
	if body.Reason == "" {
		return c.JSON(http.StatusBadRequest, errBody("reason is required"))
	}

	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("action not found"))
	}

	if err := s.actions.Reject(c.Request().Context(), id, operatorID(c), body.Reason); err != nil {
		return actionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleExecute(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("action not found"))
	}

	if err := s.actions.Execute(c.Request().Context(), id, operatorID(c)); err != nil {
		return actionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRollback(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("action not found"))
	}

	if err := s.actions.Rollback(c.Request().Context(), id, operatorID(c)); err != nil {
		return actionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSweep(c echo.Context) error {
	report, err := s.actions.Sweep(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, report)
}

func actionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, action.ErrActionNotFound):
		return c.JSON(http.StatusNotFound, errBody("action not found"))
	case errors.Is(err, action.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, errBody(err.Error()))
	case errors.Is(err, action.ErrNotReversible):
		return c.JSON(http.StatusUnprocessableEntity, errBody(err.Error()))
	case errors.Is(err, action.ErrNoHandler):
		return c.JSON(http.StatusUnprocessableEntity, errBody(err.Error()))
	}
	return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
