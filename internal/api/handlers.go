package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/internal/secrets"
	"github.com/rendis/chatflow/pkg/schema"
)

// StartSessionRequest is the body of POST /v1/sessions.
type StartSessionRequest struct {
	FlowID       string         `json:"flow_id" validate:"required,max=128"`
	UserID       string         `json:"user_id,omitempty" validate:"omitempty,max=128"`
	InitialState map[string]any `json:"initial_state,omitempty"`
	SessionToken string         `json:"session_token,omitempty" validate:"omitempty,min=8,max=128"`
}

// AdvanceSessionRequest is the body of POST /v1/sessions/:token/advance.
type AdvanceSessionRequest struct {
	Input            any    `json:"input,omitempty"`
	InputType        string `json:"input_type,omitempty" validate:"omitempty,max=32"`
	ExpectedRevision int64  `json:"expected_revision,omitempty" validate:"gte=0"`
}

// CreateSubscriptionRequest is the body of POST /v1/subscriptions.
type CreateSubscriptionRequest struct {
	Name           string            `json:"name" validate:"required,max=128"`
	URL            string            `json:"url" validate:"required,http_url"`
	Secret         string            `json:"secret,omitempty" validate:"omitempty,min=8"`
	Method         string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"gte=0,lte=300"`
	MaxRetries     int               `json:"max_retries,omitempty" validate:"gte=0,lte=20"`
	EventTypes     []string          `json:"event_types,omitempty" validate:"dive,oneof=session_started node_changed session_status_changed session_deleted"`
	FlowID         string            `json:"flow_id,omitempty"`
}

type bodyError struct{ msg string }

func (e *bodyError) Error() string { return e.msg }

// bind decodes and validates a JSON body into req.
func (s *Server) bind(c fiber.Ctx, req any) error {
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(req); err != nil {
			return &bodyError{msg: "invalid JSON body"}
		}
	}
	if err := s.validate.Struct(req); err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	return nil
}

// reject renders a bind failure.
func reject(c fiber.Ctx, err error) error {
	var be *bodyError
	if errors.As(err, &be) {
		return badRequest(c, be.msg)
	}
	return problem(c, err)
}

// --- Sessions ---

func (s *Server) StartSession(c fiber.Ctx) error {
	var req StartSessionRequest
	if err := s.bind(c, &req); err != nil {
		return reject(c, err)
	}
	res, err := s.deps.Runtime.StartSession(c.Context(), engine.StartRequest{
		FlowID:       req.FlowID,
		UserID:       req.UserID,
		InitialState: req.InitialState,
		SessionToken: req.SessionToken,
	})
	if err != nil {
		return problem(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) Advance(c fiber.Ctx) error {
	var req AdvanceSessionRequest
	if err := s.bind(c, &req); err != nil {
		return reject(c, err)
	}
	res, err := s.deps.Runtime.Advance(c.Context(), engine.AdvanceRequest{
		SessionToken:     c.Params("token"),
		Input:            req.Input,
		InputType:        req.InputType,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(res)
}

func (s *Server) GetTrace(c fiber.Ctx) error {
	who := engine.Accessor{
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Reason:    c.Query("reason"),
	}
	if claims := claimsFrom(c); claims != nil {
		who.UserID = claims.Subject
	}
	tr, err := s.deps.Runtime.GetSessionTrace(c.Context(), c.Params("token"), who)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(tr)
}

func (s *Server) GetHistory(c fiber.Ctx) error {
	entries, err := s.deps.Runtime.GetSessionHistory(c.Context(), c.Params("token"))
	if err != nil {
		return problem(c, err)
	}
	if entries == nil {
		entries = []schema.HistoryEntry{}
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (s *Server) Abandon(c fiber.Ctx) error {
	sess, err := s.deps.Runtime.AbandonSession(c.Context(), c.Params("token"))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(fiber.Map{
		"session_id":     sess.ID,
		"session_status": sess.Status,
		"revision":       sess.Revision,
	})
}

// --- Flows ---

// ImportFlow stores a draft definition after structural validation.
func (s *Server) ImportFlow(c fiber.Ctx) error {
	def, err := flowgraph.DecodeDefinition(c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.check(def); err != nil {
		return problem(c, err)
	}
	if err := s.deps.Flows.SaveFlow(c.Context(), def); err != nil {
		return problem(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(def)
}

func (s *Server) GetFlow(c fiber.Ctx) error {
	def, err := s.deps.Flows.GetFlow(c.Context(), c.Params("id"))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(def)
}

// FlowDiagram renders a stored flow as a Mermaid flowchart.
func (s *Server) FlowDiagram(c fiber.Ctx) error {
	def, err := s.deps.Flows.GetFlow(c.Context(), c.Params("id"))
	if err != nil {
		return problem(c, err)
	}
	model, err := diagram.Build(def, diagram.Overlay{})
	if err != nil {
		return problem(c, schema.NewError(schema.ErrCodeValidation, err.Error()))
	}
	c.Set(fiber.HeaderContentType, "text/vnd.mermaid; charset=utf-8")
	return c.SendString(diagram.RenderMermaid(model))
}

// PublishFlow re-validates the stored draft and freezes it.
func (s *Server) PublishFlow(c fiber.Ctx) error {
	ctx := c.Context()
	def, err := s.deps.Flows.GetFlow(ctx, c.Params("id"))
	if err != nil {
		return problem(c, err)
	}
	if err := s.check(def); err != nil {
		return problem(c, err)
	}
	if err := s.deps.Flows.PublishFlow(ctx, def.ID, s.now().UTC()); err != nil {
		return problem(c, err)
	}
	def, err = s.deps.Flows.GetFlow(ctx, def.ID)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(def)
}

func (s *Server) check(def *schema.FlowDefinition) error {
	if s.deps.Validator == nil {
		return nil
	}
	res := flowgraph.New(def).Validate(s.deps.Validator)
	if res.Valid() {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "flow %s is invalid", def.ID).
		WithDetails(map[string]any{"errors": res.Errors, "warnings": res.Warnings})
}

// --- Subscriptions and outbox ---

// CreateSubscription registers a webhook subscriber. The signing secret goes
// to the vault and is never returned.
func (s *Server) CreateSubscription(c fiber.Ctx) error {
	if s.deps.Subscriptions == nil {
		return problem(c, schema.NewError(schema.ErrCodeNotFound, "subscriptions are not enabled"))
	}
	var req CreateSubscriptionRequest
	if err := s.bind(c, &req); err != nil {
		return reject(c, err)
	}
	if req.Secret != "" && s.deps.Secrets == nil {
		return problem(c, schema.NewError(schema.ErrCodeValidation, "secrets vault is not configured"))
	}
	sub := &schema.WebhookSubscription{
		Name:           req.Name,
		URL:            req.URL,
		Method:         req.Method,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
		EventTypes:     req.EventTypes,
		FlowID:         req.FlowID,
	}
	ctx := c.Context()
	if err := s.deps.Subscriptions.CreateSubscription(ctx, sub); err != nil {
		return problem(c, err)
	}
	if req.Secret != "" {
		if err := s.deps.Secrets.Store(ctx, secrets.SubscriptionKey(sub.ID), []byte(req.Secret)); err != nil {
			return problem(c, err)
		}
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

func (s *Server) ListFailedEvents(c fiber.Ctx) error {
	if s.deps.Outbox == nil {
		return problem(c, schema.NewError(schema.ErrCodeNotFound, "outbox is not enabled"))
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = n
	}
	events, err := s.deps.Outbox.ListFailed(c.Context(), limit)
	if err != nil {
		return problem(c, err)
	}
	if events == nil {
		events = []*schema.OutboxEvent{}
	}
	return c.JSON(fiber.Map{"events": events})
}

func (s *Server) RetryEvent(c fiber.Ctx) error {
	if s.deps.Outbox == nil {
		return problem(c, schema.NewError(schema.ErrCodeNotFound, "outbox is not enabled"))
	}
	id := c.Params("id")
	if err := s.deps.Outbox.RetryEvent(c.Context(), id); err != nil {
		return problem(c, err)
	}
	return c.JSON(fiber.Map{"id": id, "status": schema.EventStatusPending})
}

// Health reports liveness.
func (s *Server) Health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}
