package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/procurenet/notify-engine/internal/domain"
)

// TemplateStore versions templates; the invalidator evicts compiled forms
// so the next render picks up the new version.
type TemplateStore interface {
	PutVersion(ctx context.Context, tmpl *domain.Template) (*domain.Template, error)
}

type TemplateInvalidator interface {
	Invalidate(name, language string)
}

type TemplateHandler struct {
	store       TemplateStore
	invalidator TemplateInvalidator
}

func NewTemplateHandler(store TemplateStore, invalidator TemplateInvalidator) (*TemplateHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("template store is required")
	}
	if invalidator == nil {
		return nil, fmt.Errorf("template invalidator is required")
	}
	return &TemplateHandler{store: store, invalidator: invalidator}, nil
}

func RegisterTemplateRoutes(router fiber.Router, store TemplateStore, invalidator TemplateInvalidator) error {
	h, err := NewTemplateHandler(store, invalidator)
	if err != nil {
		return err
	}

	router.Group("/v1").Put("/templates/:name", h.PutTemplate)
	return nil
}

type templateFragmentsDTO struct {
	EmailSubject string `json:"emailSubject"`
	EmailHTML    string `json:"emailHtml"`
	SMSText      string `json:"smsText"`
	PushTitle    string `json:"pushTitle"`
	PushBody     string `json:"pushBody"`
	InAppText    string `json:"inAppText"`
}

type putTemplateRequest struct {
	Language          string               `json:"language" validate:"required"`
	Fragments         templateFragmentsDTO `json:"fragments"`
	RequiredVariables []string             `json:"requiredVariables"`
}

type templateResponse struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Version  int    `json:"version"`
	Active   bool   `json:"active"`
}

func (h *TemplateHandler) PutTemplate(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))

	var req putTemplateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	tmpl := &domain.Template{
		Name:     name,
		Language: strings.ToLower(strings.TrimSpace(req.Language)),
		Fragments: domain.ChannelFragments{
			EmailSubject: req.Fragments.EmailSubject,
			EmailHTML:    req.Fragments.EmailHTML,
			SMSText:      req.Fragments.SMSText,
			PushTitle:    req.Fragments.PushTitle,
			PushBody:     req.Fragments.PushBody,
			InAppText:    req.Fragments.InAppText,
		},
		RequiredVariables: req.RequiredVariables,
	}
	if err := tmpl.Validate(); err != nil {
		return toHTTPError(err)
	}

	stored, err := h.store.PutVersion(c.Context(), tmpl)
	if err != nil {
		return toHTTPError(err)
	}

	h.invalidator.Invalidate(stored.Name, stored.Language)

	return c.Status(fiber.StatusOK).JSON(templateResponse{
		Name:     stored.Name,
		Language: stored.Language,
		Version:  stored.Version,
		Active:   stored.Active,
	})
}
