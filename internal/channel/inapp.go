package channel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

// EventPublisher pushes realtime events toward connected recipients.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// InAppAdapter delivers by writing a durable inbox row and announcing it
// over the realtime hub. There is no external provider: the inbox write is
// the delivery, and a failed realtime publish only delays visibility until
// the next inbox fetch.
type InAppAdapter struct {
	inbox     repository.InboxRepository
	publisher EventPublisher
	logger    *zap.Logger
	nowFn     func() time.Time
}

func NewInAppAdapter(inbox repository.InboxRepository, publisher EventPublisher, logger *zap.Logger) (*InAppAdapter, error) {
	if inbox == nil {
		return nil, fmt.Errorf("inbox repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &InAppAdapter{
		inbox:     inbox,
		publisher: publisher,
		logger:    logger,
		nowFn:     time.Now,
	}, nil
}

func (a *InAppAdapter) Channel() domain.Channel { return domain.ChannelInApp }

func (a *InAppAdapter) Send(ctx context.Context, contact *repository.Contact, content *domain.RenderedContent, opts SendOptions) (*Outcome, error) {
	recipientID := opts.RecipientID
	if recipientID == "" {
		recipientID = contact.Address(domain.ChannelInApp)
	}
	if recipientID == "" {
		return nil, &AdapterError{
			Message:   "recipient id is missing",
			Retryable: false,
		}
	}

	msg := &domain.InboxMessage{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		RequestID:   opts.RequestID,
		Category:    opts.Category,
		Body:        content.Body,
		CreatedAt:   a.nowFn().UTC(),
	}
	if err := a.inbox.Create(ctx, msg); err != nil {
		return nil, &AdapterError{
			Message:   "inbox write failed",
			Retryable: true,
			Cause:     err,
		}
	}

	unread, err := a.inbox.CountUnread(ctx, recipientID)
	if err != nil {
		unread = -1
	}

	event := domain.Event{
		Type:        domain.EventNotificationNew,
		RecipientID: recipientID,
		Payload: map[string]string{
			"messageId": msg.ID,
			"requestId": opts.RequestID,
			"category":  opts.Category,
			"body":      content.Body,
		},
	}
	if unread >= 0 {
		event.Payload["unreadCount"] = strconv.FormatInt(unread, 10)
	}

	if err := a.publisher.Publish(ctx, event); err != nil {
		observability.Degraded(a.logger).Warn("realtime publish failed after inbox write",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}

	return &Outcome{ProviderMessageID: msg.ID}, nil
}
