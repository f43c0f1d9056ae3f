package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/rendis/chatflow/pkg/schema"
)

// problemMediaType is the RFC 7807 JSON content type.
const problemMediaType = "application/problem+json"

// Problem is an RFC 7807 body extended with the FlowError fields.
type Problem struct {
	*problems.Problem
	Code    string         `json:"code"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return fiber.StatusInternalServerError
	}
	if schema.IsNotFound(err) {
		return fiber.StatusNotFound
	}
	switch fe.Code {
	case schema.ErrCodeSessionConcurrency, schema.ErrCodeStepInProgress, schema.ErrCodeConflict:
		return fiber.StatusConflict
	case schema.ErrCodeSessionInactive:
		return fiber.StatusGone
	case schema.ErrCodeStateValidation, schema.ErrCodeConditionEvaluation,
		schema.ErrCodeValidation, schema.ErrCodeInvalidTransition:
		return fiber.StatusUnprocessableEntity
	case schema.ErrCodeWebhook:
		return fiber.StatusBadGateway
	case schema.ErrCodeUnauthorized:
		return fiber.StatusUnauthorized
	case schema.ErrCodeForbidden:
		return fiber.StatusForbidden
	}
	return fiber.StatusInternalServerError
}

// problem writes err as application/problem+json.
func problem(c fiber.Ctx, err error) error {
	status := StatusFor(err)
	p := &Problem{
		Problem: problems.NewStatusProblem(status).WithInstance(c.Path()),
		Code:    schema.ErrCodeExecution,
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		p.Code = fe.Code
		p.NodeID = fe.NodeID
		p.Details = fe.Details
		p.Problem = p.WithType(strings.ToLower(fe.Code)).WithDetail(fe.Message)
	} else {
		// Internal errors are not echoed to clients.
		p.Problem = p.WithType("internal_error").WithDetail("internal error")
	}
	return c.Status(status).JSON(p, problemMediaType)
}

// badRequest reports a body that could not be decoded.
func badRequest(c fiber.Ctx, detail string) error {
	p := &Problem{
		Problem: problems.NewStatusProblem(fiber.StatusBadRequest).
			WithInstance(c.Path()).
			WithType("bad_request").
			WithDetail(detail),
		Code: schema.ErrCodeValidation,
	}
	return c.Status(fiber.StatusBadRequest).JSON(p, problemMediaType)
}
