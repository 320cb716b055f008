package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
)

// Digest periods. The template name is derived from the period, so
// digest-daily and digest-weekly are managed like any other template.
const (
	DigestDaily  = "daily"
	DigestWeekly = "weekly"
)

// ScheduleDigest enqueues a deferred digest request firing at the next
// period boundary (midnight UTC; Monday for weekly). The scheduler
// re-enters the normal send pipeline at fire time.
func (o *Orchestrator) ScheduleDigest(ctx context.Context, period string, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
	period = strings.ToLower(strings.TrimSpace(period))

	fireAt, err := nextDigestBoundary(period, o.now())
	if err != nil {
		return nil, err
	}

	digestReq := *req
	digestReq.TemplateName = "digest-" + period
	digestReq.ScheduledAt = &fireAt
	if digestReq.Priority == "" {
		digestReq.Priority = domain.PriorityLow
	}
	if len(digestReq.Channels) == 0 {
		digestReq.Channels = []domain.Channel{domain.ChannelEmail, domain.ChannelInApp}
	}

	return o.SendNotification(ctx, &digestReq)
}

func nextDigestBoundary(period string, now time.Time) (time.Time, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch period {
	case DigestDaily:
		return midnight.AddDate(0, 0, 1), nil
	case DigestWeekly:
		daysUntilMonday := (int(time.Monday) - int(now.Weekday()) + 7) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return midnight.AddDate(0, 0, daysUntilMonday), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown digest period %q", domain.ErrValidation, period)
	}
}
