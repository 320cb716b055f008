package channel

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
)

type smsRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	RequestID string `json:"requestId,omitempty"`
}

// SMSAdapter delivers rendered SMS content through the SMS gateway.
// Digits-only numbers are assumed local and get the configured country
// code prefix.
type SMSAdapter struct {
	gateway            *Gateway
	defaultCountryCode string
}

func NewSMSAdapter(gateway *Gateway, defaultCountryCode string) (*SMSAdapter, error) {
	if gateway == nil {
		return nil, fmt.Errorf("sms gateway is required")
	}
	defaultCountryCode = strings.TrimSpace(defaultCountryCode)
	if !strings.HasPrefix(defaultCountryCode, "+") {
		return nil, fmt.Errorf("default country code must start with +, got %q", defaultCountryCode)
	}
	return &SMSAdapter{
		gateway:            gateway,
		defaultCountryCode: defaultCountryCode,
	}, nil
}

func (a *SMSAdapter) Channel() domain.Channel { return domain.ChannelSMS }

func (a *SMSAdapter) Send(ctx context.Context, contact *repository.Contact, content *domain.RenderedContent, opts SendOptions) (*Outcome, error) {
	number, err := a.normalizePhone(contact.Address(domain.ChannelSMS))
	if err != nil {
		return nil, err
	}

	return a.gateway.Post(ctx, smsRequest{
		To:        number,
		Text:      content.Body,
		RequestID: opts.RequestID,
	})
}

// normalizePhone strips formatting characters and returns an E.164-shaped
// number. Invalid numbers are terminal.
func (a *SMSAdapter) normalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r):
			return r
		case r == '+':
			return r
		case r == ' ', r == '-', r == '(', r == ')', r == '.':
			return -1
		}
		return 'x'
	}, strings.TrimSpace(raw))

	if cleaned == "" {
		return "", &AdapterError{
			Message:   "phone number is missing",
			Retryable: false,
		}
	}
	if strings.ContainsRune(cleaned, 'x') {
		return "", &AdapterError{
			Message:   fmt.Sprintf("invalid phone number %q", raw),
			Retryable: false,
		}
	}

	if !strings.HasPrefix(cleaned, "+") {
		cleaned = a.defaultCountryCode + cleaned
	}

	digits := cleaned[1:]
	if strings.ContainsRune(digits, '+') || len(digits) < 8 || len(digits) > 15 {
		return "", &AdapterError{
			Message:   fmt.Sprintf("invalid phone number %q", raw),
			Retryable: false,
		}
	}
	return cleaned, nil
}
