// Package api exposes the chatflow runtime over HTTP.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/pkg/schema"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-ID"

// Runtime is the session surface served by the API. Satisfied by
// *engine.Runtime.
type Runtime interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*engine.StartResult, error)
	Advance(ctx context.Context, req engine.AdvanceRequest) (*engine.AdvanceResult, error)
	GetSessionTrace(ctx context.Context, token string, who engine.Accessor) (*engine.SessionTrace, error)
	GetSessionHistory(ctx context.Context, token string) ([]schema.HistoryEntry, error)
	AbandonSession(ctx context.Context, token string) (*schema.Session, error)
}

// FlowStore imports and publishes flow definitions.
type FlowStore interface {
	SaveFlow(ctx context.Context, def *schema.FlowDefinition) error
	GetFlow(ctx context.Context, id string) (*schema.FlowDefinition, error)
	PublishFlow(ctx context.Context, id string, at time.Time) error
}

// FlowValidator checks a definition before it is stored or published.
type FlowValidator interface {
	ValidateFlow(def *schema.FlowDefinition) *schema.ValidationResult
	ValidateAnswer(field string, answer any, answerSchema map[string]any) error
}

// SubscriptionStore creates webhook subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error
}

// SecretStore keeps subscription signing secrets.
type SecretStore interface {
	Store(ctx context.Context, key string, value []byte) error
}

// Outbox exposes manual outbox operations.
type Outbox interface {
	ListFailed(ctx context.Context, limit int) ([]*schema.OutboxEvent, error)
	RetryEvent(ctx context.Context, id string) error
}

// Deps are the collaborators of the HTTP binding. Auth, Outbox,
// Subscriptions and Secrets are optional; their routes answer 404 or 403
// when unset.
type Deps struct {
	Runtime       Runtime
	Flows         FlowStore
	Validator     FlowValidator
	Subscriptions SubscriptionStore
	Secrets       SecretStore
	Outbox        Outbox
	Auth          *Auth
	Logger        *slog.Logger
}

// Server holds the handlers.
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = NewAuth("")
	}
	return &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   deps.Logger.With(slog.String("module", "api")),
		now:      time.Now,
	}
}

// App builds the fiber application with every route mounted.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "chatflow",
		ErrorHandler: s.errorHandler,
	})
	app.Use(s.requestContext)

	app.Get("/healthz", s.Health)

	v1 := app.Group("/v1")

	sessions := v1.Group("/sessions")
	sessions.Post("/", s.StartSession)
	sessions.Post("/:token/advance", s.Advance)
	sessions.Get("/:token/trace", s.deps.Auth.RequireScope(ScopeTraceRead), s.GetTrace)
	sessions.Get("/:token/history", s.GetHistory)
	sessions.Post("/:token/abandon", s.Abandon)

	flows := v1.Group("/flows")
	flows.Post("/", s.ImportFlow)
	flows.Get("/:id", s.GetFlow)
	flows.Get("/:id/diagram", s.FlowDiagram)
	flows.Post("/:id/publish", s.PublishFlow)

	v1.Post("/subscriptions", s.CreateSubscription)
	v1.Get("/outbox/failed", s.ListFailedEvents)
	v1.Post("/outbox/:id/retry", s.RetryEvent)

	return app
}

// Listen serves on addr until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	app := s.App()
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	s.logger.Info("http server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}

// requestContext tags the request context with a request id and logs the
// request once it completes.
func (s *Server) requestContext(c fiber.Ctx) error {
	id := c.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(HeaderRequestID, id)
	c.SetContext(logging.WithRequestID(c.Context(), id))

	start := time.Now()
	err := c.Next()
	s.logger.DebugContext(c.Context(), "http request",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", c.Response().StatusCode()),
		slog.Duration("duration", time.Since(start)))
	return err
}

// errorHandler renders errors that escape handlers, including fiber's own
// routing errors.
func (s *Server) errorHandler(c fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		code := schema.ErrCodeExecution
		switch fe.Code {
		case fiber.StatusNotFound:
			code = schema.ErrCodeNotFound
		case fiber.StatusMethodNotAllowed, fiber.StatusBadRequest:
			code = schema.ErrCodeValidation
		}
		if code == schema.ErrCodeValidation {
			return badRequest(c, fe.Message)
		}
		return problem(c, schema.NewError(code, fe.Message))
	}
	s.logger.ErrorContext(c.Context(), "unhandled request error", slog.String("error", err.Error()))
	return problem(c, err)
}
