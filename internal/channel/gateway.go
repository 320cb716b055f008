package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
)

const defaultGatewayTimeout = 10 * time.Second

// Gateway is the shared HTTP path to one provider endpoint: a resty client
// behind a circuit breaker. Breaker state is per provider, so an email
// outage never opens the SMS circuit.
type Gateway struct {
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker[*resty.Response]
	endpoint string
}

func NewGateway(name, endpoint string) (*Gateway, error) {
	client := resty.New()
	client.SetTimeout(defaultGatewayTimeout)
	client.SetRetryCount(0)

	return NewGatewayWithClient(name, endpoint, client)
}

func NewGatewayWithClient(name, endpoint string, client *resty.Client) (*Gateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("%s gateway endpoint is required", name)
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid %s gateway endpoint: %w", name, err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultGatewayTimeout)
	}
	client.SetRetryCount(0)

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Gateway{
		client:   client,
		breaker:  breaker,
		endpoint: trimmedEndpoint,
	}, nil
}

// Post sends one JSON payload to the provider and maps the response to an
// Outcome or a classified AdapterError.
func (g *Gateway) Post(ctx context.Context, body any) (*Outcome, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}

	response, err := g.breaker.Execute(func() (*resty.Response, error) {
		return g.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(g.endpoint)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &AdapterError{
			Message:   "provider circuit open",
			Retryable: true,
			Cause:     err,
		}
	}
	if err != nil {
		return nil, &AdapterError{
			Message:   "provider request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &AdapterError{
			Message:   "provider returned empty response",
			Retryable: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Outcome{
			StatusCode:        statusCode,
			ProviderMessageID: providerMessageID(response),
		}, nil
	}

	return nil, &AdapterError{
		StatusCode: statusCode,
		Message:    gatewayErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Retryable:  isRetryableHTTPStatus(statusCode),
	}
}

func isRetryableHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func gatewayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
