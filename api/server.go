package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"commflow/action"
	"commflow/auth"
	"commflow/classify"
	"commflow/message"
)

// MessageIntake is the slice of the message service the API consumes.
type MessageIntake interface {
	Enqueue(ctx context.Context, providerID, resource string) (message.Receipt, error)
	Reprocess(ctx context.Context, id string) error
	List(ctx context.Context, filters message.Filters) ([]message.Message, error)
	Get(ctx context.Context, id string) (message.Message, error)
}

// ActionAdmin is the slice of the action service the API consumes.
type ActionAdmin interface {
	Approve(ctx context.Context, id, actor string) error
	Reject(ctx context.Context, id, actor, reason string) error
	Execute(ctx context.Context, id, actor string) error
	Rollback(ctx context.Context, id, actor string) error
	Sweep(ctx context.Context) (action.SweepReport, error)
	ListStuck(ctx context.Context, olderThan time.Duration) ([]action.Action, error)
	List(ctx context.Context, filters action.Filters) ([]action.Action, error)
	Get(ctx context.Context, id string) (action.Action, error)
}

// ClassificationReader loads stored classification results for inspection.
type ClassificationReader interface {
	GetByID(ctx context.Context, id string) (classify.Result, error)
}

// Authenticator issues and verifies operator tokens and manages accounts.
type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Operator, error)
	GetOperatorByID(ctx context.Context, operatorID string) (*auth.Operator, error)
}

// Server wires the HTTP surface over the domain services.
type Server struct {
	messages MessageIntake
	actions  ActionAdmin
	results  ClassificationReader
	auth     Authenticator
}

func NewServer(messages MessageIntake, actions ActionAdmin, results ClassificationReader, authn Authenticator) *Server {
	return &Server{messages: messages, actions: actions, results: results, auth: authn}
}

// Router builds the echo instance with all routes mounted. The webhook and
// health endpoints are public; everything else requires an operator token.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealthz)
	e.POST("/webhook/messages", s.handleWebhook)
	e.POST("/auth/login", s.handleLogin)

	protected := e.Group("")
	protected.Use(s.requireOperator)

	protected.GET("/messages", s.handleListMessages)
	protected.GET("/messages/:id", s.handleGetMessage)
	protected.POST("/messages/:id/reprocess", s.handleReprocess)

	protected.POST("/operators", s.handleCreateOperator)
	protected.GET("/operators/me", s.handleMe)

	protected.GET("/actions", s.handleListActions)
	protected.GET("/actions/stuck", s.handleListStuck)
	protected.GET("/actions/:id", s.handleGetAction)
	protected.POST("/actions/:id/approve", s.handleApprove)
	protected.POST("/actions/:id/reject", s.handleReject)
	protected.POST("/actions/:id/execute", s.handleExecute)
	protected.POST("/actions/:id/rollback", s.handleRollback)
	protected.POST("/sweep", s.handleSweep)

	return e
}
