package preference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

// Resolver answers "may this recipient be contacted on this channel" and
// materializes default preference records on first access.
type Resolver struct {
	repo   repository.PreferenceRepository
	logger *zap.Logger
	nowFn  func() time.Time
}

func NewResolver(repo repository.PreferenceRepository, logger *zap.Logger) (*Resolver, error) {
	if repo == nil {
		return nil, errors.New("preference repository is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	return &Resolver{
		repo:   repo,
		logger: logger,
		nowFn:  time.Now,
	}, nil
}

// Resolve returns the recipient's preferences, creating the default record
// on first access. Concurrent first lookups converge on one stored record.
func (r *Resolver) Resolve(ctx context.Context, recipientID string) (*domain.Preferences, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, fmt.Errorf("%w: recipient id is required", domain.ErrValidation)
	}

	prefs, err := r.repo.Get(ctx, recipientID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.repo.EnsureDefaults(ctx, recipientID)
	}
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// ResolveOrDefault is the fail-open form used on the delivery path: a
// preference store outage must not suppress notifications, so store errors
// fall back to fully permissive preferences with a degraded log. The
// first-access defaults (which disable SMS) apply only to recipients whose
// record is readable and genuinely absent.
func (r *Resolver) ResolveOrDefault(ctx context.Context, recipientID string) *domain.Preferences {
	prefs, err := r.Resolve(ctx, recipientID)
	if err != nil {
		observability.Degraded(r.logger).Warn("preference lookup failed, allowing delivery",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		return domain.PermissivePreferences(recipientID)
	}
	return prefs
}

// ShouldNotify reports whether the channel+category pair is enabled for the
// recipient. Fail-open: a store error yields the permissive policy rather
// than suppressing delivery.
func (r *Resolver) ShouldNotify(ctx context.Context, recipientID string, channel domain.Channel, category string) bool {
	prefs := r.ResolveOrDefault(ctx, recipientID)
	return prefs.CategoryEnabled(channel, category)
}

// Update stores the recipient's preferences after validation.
func (r *Resolver) Update(ctx context.Context, prefs *domain.Preferences) error {
	if prefs == nil || strings.TrimSpace(prefs.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", domain.ErrValidation)
	}
	if err := prefs.QuietHours.Validate(); err != nil {
		return err
	}
	for channel := range prefs.Channels {
		if !channel.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
		}
	}
	return r.repo.Put(ctx, prefs)
}

// QuietHoursState describes the deferral decision for one recipient at one
// instant.
type QuietHoursState struct {
	Active bool
	// ResumeAt is the first instant delivery may resume; zero when the
	// window is inactive.
	ResumeAt time.Time
}

// QuietHoursFor evaluates the recipient's quiet window against the current
// time. Only deferrable channels consult this; urgent traffic bypasses it
// at the orchestrator.
func (r *Resolver) QuietHoursFor(prefs *domain.Preferences) QuietHoursState {
	if prefs == nil || prefs.QuietHours == nil {
		return QuietHoursState{}
	}
	now := r.nowFn()
	if !prefs.QuietHours.Contains(now) {
		return QuietHoursState{}
	}
	return QuietHoursState{Active: true, ResumeAt: prefs.QuietHours.NextEnd(now)}
}
