package channel

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
)

type emailRequest struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// EmailAdapter delivers rendered email content through the email gateway.
type EmailAdapter struct {
	gateway *Gateway
}

func NewEmailAdapter(gateway *Gateway) (*EmailAdapter, error) {
	if gateway == nil {
		return nil, fmt.Errorf("email gateway is required")
	}
	return &EmailAdapter{gateway: gateway}, nil
}

func (a *EmailAdapter) Channel() domain.Channel { return domain.ChannelEmail }

func (a *EmailAdapter) Send(ctx context.Context, contact *repository.Contact, content *domain.RenderedContent, opts SendOptions) (*Outcome, error) {
	address, err := normalizeEmail(contact.Address(domain.ChannelEmail))
	if err != nil {
		return nil, err
	}

	return a.gateway.Post(ctx, emailRequest{
		To:        address,
		Subject:   content.Subject,
		HTML:      content.Body,
		Text:      content.PlainText,
		RequestID: opts.RequestID,
	})
}

// BatchOutcome pairs one batch member with its independent result.
type BatchOutcome struct {
	RecipientID string
	Outcome     *Outcome
	Err         error
}

// SendBatch delivers to each contact independently; one bad address never
// blocks the rest of the batch.
func (a *EmailAdapter) SendBatch(ctx context.Context, contacts []*repository.Contact, content *domain.RenderedContent, opts SendOptions) []BatchOutcome {
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

// normalizeEmail lowercases and validates the address. A malformed address
// is terminal: retrying never fixes it.
func normalizeEmail(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return "", &AdapterError{
			Message:   "email address is missing",
			Retryable: false,
		}
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", &AdapterError{
			Message:   fmt.Sprintf("invalid email address %q", address),
			Retryable: false,
			Cause:     err,
		}
	}
	return parsed.Address, nil
}
