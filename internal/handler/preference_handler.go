package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/procurenet/notify-engine/internal/channel"
	"github.com/procurenet/notify-engine/internal/domain"
	"go.uber.org/zap"
)

// PreferenceService resolves and updates recipient delivery preferences.
type PreferenceService interface {
	Resolve(ctx context.Context, recipientID string) (*domain.Preferences, error)
	Update(ctx context.Context, prefs *domain.Preferences) error
}

type PreferenceHandler struct {
	service   PreferenceService
	publisher channel.EventPublisher
	logger    *zap.Logger
}

func NewPreferenceHandler(service PreferenceService, publisher channel.EventPublisher, logger *zap.Logger) (*PreferenceHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("preference service is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceHandler{service: service, publisher: publisher, logger: logger}, nil
}

func RegisterPreferenceRoutes(router fiber.Router, service PreferenceService, publisher channel.EventPublisher, logger *zap.Logger) error {
	h, err := NewPreferenceHandler(service, publisher, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/recipients/:id/preferences", h.GetPreferences)
	v1.Put("/recipients/:id/preferences", h.UpdatePreferences)

	return nil
}

type quietHoursDTO struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

type preferencesRequest struct {
	Channels   map[string]bool     `json:"channels"`
	Categories map[string][]string `json:"categories"`
	Language   string              `json:"language"`
	QuietHours *quietHoursDTO      `json:"quietHours"`
}

type preferencesResponse struct {
	RecipientID string              `json:"recipientId"`
	Channels    map[string]bool     `json:"channels"`
	Categories  map[string][]string `json:"categories,omitempty"`
	Language    string              `json:"language"`
	QuietHours  *quietHoursDTO      `json:"quietHours,omitempty"`
}

func (h *PreferenceHandler) GetPreferences(c *fiber.Ctx) error {
	recipientID := strings.TrimSpace(c.Params("id"))
	prefs, err := h.service.Resolve(c.Context(), recipientID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toPreferencesResponse(prefs))
}

func (h *PreferenceHandler) UpdatePreferences(c *fiber.Ctx) error {
	recipientID := strings.TrimSpace(c.Params("id"))
	if recipientID == "" {
		return toHTTPError(fmt.Errorf("%w: recipient id is required", domain.ErrValidation))
	}

	var req preferencesRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	prefs, err := requestToPreferences(recipientID, req)
	if err != nil {
		return toHTTPError(err)
	}

	if err := h.service.Update(c.Context(), prefs); err != nil {
		return toHTTPError(err)
	}

	// The recipient's open tabs pick the change up immediately; a publish
	// failure does not undo the persisted update.
	event := domain.Event{
		Type:        domain.EventPreferencesUpdated,
		RecipientID: recipientID,
	}
	if err := h.publisher.Publish(c.Context(), event); err != nil {
		h.logger.Warn("failed to publish preferences update",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
	}

	return c.Status(fiber.StatusOK).JSON(toPreferencesResponse(prefs))
}

func requestToPreferences(recipientID string, req preferencesRequest) (*domain.Preferences, error) {
	channels := make(map[domain.Channel]bool, len(req.Channels))
	for raw, enabled := range req.Channels {
		parsed, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		channels[parsed] = enabled
	}

	categories := make(map[domain.Channel][]string, len(req.Categories))
	for raw, tags := range req.Categories {
		parsed, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		categories[parsed] = tags
	}

	prefs := &domain.Preferences{
		RecipientID: recipientID,
		Channels:    channels,
		Categories:  categories,
		Language:    strings.TrimSpace(req.Language),
	}
	if req.QuietHours != nil {
		prefs.QuietHours = &domain.QuietHours{
			Start:    strings.TrimSpace(req.QuietHours.Start),
			End:      strings.TrimSpace(req.QuietHours.End),
			Timezone: strings.TrimSpace(req.QuietHours.Timezone),
		}
	}
	return prefs, nil
}

func toPreferencesResponse(prefs *domain.Preferences) preferencesResponse {
	if prefs == nil {
		return preferencesResponse{}
	}

	channels := make(map[string]bool, len(prefs.Channels))
	for channelKey, enabled := range prefs.Channels {
		channels[strings.ToLower(channelKey.String())] = enabled
	}
	categories := make(map[string][]string, len(prefs.Categories))
	for channelKey, tags := range prefs.Categories {
		categories[strings.ToLower(channelKey.String())] = tags
	}

	resp := preferencesResponse{
		RecipientID: prefs.RecipientID,
		Channels:    channels,
		Categories:  categories,
		Language:    prefs.Language,
	}
	if prefs.QuietHours != nil {
		resp.QuietHours = &quietHoursDTO{
			Start:    prefs.QuietHours.Start,
			End:      prefs.QuietHours.End,
			Timezone: prefs.QuietHours.Timezone,
		}
	}
	return resp
}
