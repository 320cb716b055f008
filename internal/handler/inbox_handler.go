package handler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/procurenet/notify-engine/internal/channel"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultInboxLimit = 50

type InboxHandler struct {
	inbox     repository.InboxRepository
	publisher channel.EventPublisher
	logger    *zap.Logger
}

func NewInboxHandler(inbox repository.InboxRepository, publisher channel.EventPublisher, logger *zap.Logger) (*InboxHandler, error) {
	if inbox == nil {
		return nil, fmt.Errorf("inbox repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxHandler{inbox: inbox, publisher: publisher, logger: logger}, nil
}

func RegisterInboxRoutes(router fiber.Router, inbox repository.InboxRepository, publisher channel.EventPublisher, logger *zap.Logger) error {
	h, err := NewInboxHandler(inbox, publisher, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/recipients/:id/inbox", h.ListUnread)
	v1.Post("/recipients/:id/inbox/:messageId/read", h.MarkRead)

	return nil
}

type inboxMessageResponse struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId,omitempty"`
	Category  string    `json:"category"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type inboxListResponse struct {
	Data        []inboxMessageResponse `json:"data"`
	UnreadCount int64                  `json:"unreadCount"`
}

func (h *InboxHandler) ListUnread(c *fiber.Ctx) error {
	recipientID := strings.TrimSpace(c.Params("id"))
	limit := c.QueryInt("limit", defaultInboxLimit)
	if limit < 1 || limit > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	messages, err := h.inbox.ListUnread(c.Context(), recipientID, limit)
	if err != nil {
		return toHTTPError(err)
	}
	unread, err := h.inbox.CountUnread(c.Context(), recipientID)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]inboxMessageResponse, 0, len(messages))
	for _, msg := range messages {
		data = append(data, inboxMessageResponse{
			ID:        msg.ID,
			RequestID: msg.RequestID,
			Category:  msg.Category,
			Body:      msg.Body,
			Read:      msg.Read,
			CreatedAt: msg.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(inboxListResponse{
		Data:        data,
		UnreadCount: unread,
	})
}

func (h *InboxHandler) MarkRead(c *fiber.Ctx) error {
	recipientID := strings.TrimSpace(c.Params("id"))
	messageID := strings.TrimSpace(c.Params("messageId"))

	if err := h.inbox.MarkRead(c.Context(), recipientID, messageID); err != nil {
		return toHTTPError(err)
	}

	unread, err := h.inbox.CountUnread(c.Context(), recipientID)
	if err != nil {
		return toHTTPError(err)
	}

	// Other open tabs drop the badge without polling.
	events := []domain.Event{
		{
			Type:        domain.EventNotificationRead,
			RecipientID: recipientID,
			Payload:     map[string]string{"messageId": messageID},
		},
		{
			Type:        domain.EventUnreadCount,
			RecipientID: recipientID,
			Payload:     map[string]string{"unreadCount": strconv.FormatInt(unread, 10)},
		},
	}
	for _, event := range events {
		if err := h.publisher.Publish(c.Context(), event); err != nil {
			h.logger.Warn("failed to publish inbox event",
				zap.String("recipientId", recipientID),
				zap.String("eventType", event.Type.String()),
				zap.Error(err),
			)
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId":   messageID,
		"read":        true,
		"unreadCount": unread,
	})
}
