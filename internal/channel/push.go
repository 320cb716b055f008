package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
)

type pushRequest struct {
	Token     string `json:"token"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Priority  string `json:"priority,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// PushAdapter delivers rendered push content through the push gateway.
// Provider rejections for dead tokens (404/410) are terminal for that
// recipient; transport failures stay retryable.
type PushAdapter struct {
	gateway *Gateway
}

func NewPushAdapter(gateway *Gateway) (*PushAdapter, error) {
	if gateway == nil {
		return nil, fmt.Errorf("push gateway is required")
	}
	return &PushAdapter{gateway: gateway}, nil
}

func (a *PushAdapter) Channel() domain.Channel { return domain.ChannelPush }

func (a *PushAdapter) Send(ctx context.Context, contact *repository.Contact, content *domain.RenderedContent, opts SendOptions) (*Outcome, error) {
	token := strings.TrimSpace(contact.Address(domain.ChannelPush))
	if token == "" {
		return nil, &AdapterError{
			Message:   "device token is missing",
			Retryable: false,
		}
	}

	outcome, err := a.gateway.Post(ctx, pushRequest{
		Token:     token,
		Title:     content.Subject,
		Body:      content.Body,
		Priority:  strings.ToLower(opts.Priority.String()),
		RequestID: opts.RequestID,
	})
	if err != nil {
		return nil, classifyPushError(err)
	}
	return outcome, nil
}

// SendMulticast pushes to every contact independently, so one dead token
// cannot fail the batch.
func (a *PushAdapter) SendMulticast(ctx context.Context, contacts []*repository.Contact, content *domain.RenderedContent, opts SendOptions) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(contacts))
	for _, contact := range contacts {
		memberOpts := opts
		memberOpts.RecipientID = contact.RecipientID
		outcome, err := a.Send(ctx, contact, content, memberOpts)
		outcomes = append(outcomes, BatchOutcome{
			RecipientID: contact.RecipientID,
			Outcome:     outcome,
			Err:         err,
		})
	}
	return outcomes
}

// classifyPushError downgrades dead-token statuses to terminal. Push
// providers answer 404/410 for unregistered or expired tokens.
func classifyPushError(err error) error {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.StatusCode == http.StatusNotFound || adapterErr.StatusCode == http.StatusGone {
			return &AdapterError{
				StatusCode: adapterErr.StatusCode,
				Message:    "device token is no longer registered",
				Retryable:  false,
				Cause:      adapterErr.Cause,
			}
		}
	}
	return err
}
