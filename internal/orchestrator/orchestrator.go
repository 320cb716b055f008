package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/dispatch"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/preference"
	"github.com/procurenet/notify-engine/internal/repository"
	"github.com/procurenet/notify-engine/internal/template"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator accepts notification requests, resolves recipients and
// preferences, renders content, and fans deliveries out across channels.
// One channel's failure never blocks another: every channel runs in its
// own goroutine and reports its own outcome.
type Orchestrator struct {
	contacts  repository.ContactRepository
	groups    repository.GroupRepository
	prefs     *preference.Resolver
	templates *template.Engine
	jobs      repository.JobRepository
	audits    repository.AuditRepository
	scheduled repository.ScheduledRequestRepository
	executor  *dispatch.Executor
	logger    *zap.Logger

	groupBatchSize        int
	groupFailureThreshold float64
	now                   func() time.Time
}

func New(
	contacts repository.ContactRepository,
	groups repository.GroupRepository,
	prefs *preference.Resolver,
	templates *template.Engine,
	jobs repository.JobRepository,
	audits repository.AuditRepository,
	scheduled repository.ScheduledRequestRepository,
	executor *dispatch.Executor,
	groupBatchSize int,
	groupFailureThreshold float64,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if contacts == nil || groups == nil || jobs == nil || audits == nil || scheduled == nil {
		return nil, fmt.Errorf("all repositories are required")
	}
	if prefs == nil {
		return nil, fmt.Errorf("preference resolver is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("template engine is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("dispatch executor is required")
	}
	if groupBatchSize < 1 {
		groupBatchSize = 25
	}
	if groupFailureThreshold <= 0 || groupFailureThreshold > 1 {
		groupFailureThreshold = 1.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		contacts:              contacts,
		groups:                groups,
		prefs:                 prefs,
		templates:             templates,
		jobs:                  jobs,
		audits:                audits,
		scheduled:             scheduled,
		executor:              executor,
		logger:                logger,
		groupBatchSize:        groupBatchSize,
		groupFailureThreshold: groupFailureThreshold,
		now:                   time.Now,
	}, nil
}

// dispatchUnit is one (recipient, channel) delivery decided by preference
// resolution, before rendering and job creation.
type dispatchUnit struct {
	recipientID string
	channel     domain.Channel
	language    string
	// deferUntil is set for quiet-hours holds; the job is created scheduled
	// and no inline attempt runs.
	deferUntil *time.Time
}

// SendNotification runs the full pipeline for one request and returns the
// aggregate result. Delivery failures are reported inside the result;
// a non-nil error means the request never made it into the pipeline.
func (o *Orchestrator) SendNotification(ctx context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		req.CorrelationID = uuid.NewString()
	}
	logger := o.logger.With(
		zap.String("requestId", req.ID),
		zap.String("correlationId", req.CorrelationID),
	)

	now := o.now()
	if req.Expired(now) {
		logger.Warn("request expired before dispatch")
		return o.finishWithoutDispatch(ctx, req, domain.ResultFailed, domain.ReasonExpired)
	}

	recipients, err := o.expandRecipients(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		logger.Warn("request resolved to no recipients")
		return o.finishWithoutDispatch(ctx, req, domain.ResultFailed, domain.ReasonNoRecipients)
	}

	if req.Deferred(now) {
		if err := o.scheduled.Create(ctx, uuid.NewString(), req, *req.ScheduledAt); err != nil {
			return nil, fmt.Errorf("failed to persist scheduled request: %w", err)
		}
		logger.Info("request scheduled for later dispatch",
			zap.Time("scheduledAt", *req.ScheduledAt),
		)
		return o.finishWithoutDispatch(ctx, req, domain.ResultScheduled, "")
	}

	units := o.resolveDispatchUnits(ctx, req, recipients)
	if len(units) == 0 {
		logger.Info("all requested channels disabled by preferences")
		return o.finishWithoutDispatch(ctx, req, domain.ResultFailed, domain.ReasonNoEnabledChannels)
	}

	outcomes := o.dispatch(ctx, req, units, logger)

	result := &domain.NotificationResult{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Status:    domain.AggregateStatus(outcomes),
		Channels:  outcomes,
		CreatedAt: o.now().UTC(),
	}
	o.appendAudit(ctx, req, result)

	logger.Info("request dispatched",
		zap.String("status", result.Status.String()),
		zap.Int("channels", len(outcomes)),
		zap.Int("recipients", len(recipients)),
	)
	return result, nil
}

// expandRecipients merges explicit recipient ids with group members,
// deduplicated in input order. A missing group counts as empty, not as a
// caller error: the request itself was well-formed.
func (o *Orchestrator) expandRecipients(ctx context.Context, req *domain.NotificationRequest) ([]string, error) {
	ids := make([]string, 0, len(req.Recipients))
	seen := make(map[string]struct{})

	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, id := range req.Recipients {
		add(id)
	}

	if strings.TrimSpace(req.GroupID) != "" {
		group, err := o.groups.GetGroup(ctx, req.GroupID)
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("group not found during expansion",
				zap.String("groupId", req.GroupID),
			)
		} else if err != nil {
			return nil, fmt.Errorf("failed to expand group %s: %w", req.GroupID, err)
		} else {
			for _, id := range group.ActiveMembers() {
				add(id)
			}
		}
	}

	return ids, nil
}

// resolveDispatchUnits intersects the requested channels with each
// recipient's preferences and applies quiet-hours deferral to deferrable,
// non-urgent channels.
func (o *Orchestrator) resolveDispatchUnits(ctx context.Context, req *domain.NotificationRequest, recipients []string) []dispatchUnit {
	channels := dedupeChannels(req.Channels)

	units := make([]dispatchUnit, 0, len(recipients)*len(channels))
	for _, recipientID := range recipients {
		prefs := o.prefs.ResolveOrDefault(ctx, recipientID)

		language := prefs.ResolvedLanguage()
		if strings.TrimSpace(req.Language) != "" {
			language = strings.ToLower(strings.TrimSpace(req.Language))
		}

		quiet := o.prefs.QuietHoursFor(prefs)

		for _, ch := range channels {
			if !prefs.CategoryEnabled(ch, req.Category) {
				continue
			}

			unit := dispatchUnit{
				recipientID: recipientID,
				channel:     ch,
				language:    language,
			}
			if quiet.Active && ch.Deferrable() && req.Priority != domain.PriorityUrgent {
				resumeAt := quiet.ResumeAt
				unit.deferUntil = &resumeAt
			}
			units = append(units, unit)
		}
	}
	return units
}

// unitOutcome is the per-(recipient, channel) delivery result folded into
// the channel outcome map afterwards.
type unitOutcome struct {
	channel           domain.Channel
	success           bool
	deferred          bool
	providerMessageID string
	err               string
}

// renderKey identifies one rendered variant of the request. Recipients
// sharing a channel and language share the render.
type renderKey struct {
	channel  domain.Channel
	language string
}

type renderOutcome struct {
	content *domain.RenderedContent
	err     string
}

// renderForUnits renders the request once per distinct (channel, language)
// pair. A render error is terminal for every unit of that pair: a retry
// renders the same missing template.
func (o *Orchestrator) renderForUnits(ctx context.Context, req *domain.NotificationRequest, units []dispatchUnit, logger *zap.Logger) map[renderKey]renderOutcome {
	rendered := make(map[renderKey]renderOutcome)
	for _, unit := range units {
		key := renderKey{channel: unit.channel, language: unit.language}
		if _, ok := rendered[key]; ok {
			continue
		}

		content, err := o.templates.Render(ctx, req.TemplateName, unit.language, unit.channel, req.Data)
		if err != nil {
			logger.Warn("template render failed",
				zap.String("template", req.TemplateName),
				zap.String("channel", unit.channel.String()),
				zap.String("language", unit.language),
				zap.Error(err),
			)
			rendered[key] = renderOutcome{err: fmt.Sprintf("render failed: %v", err)}
			continue
		}
		rendered[key] = renderOutcome{content: content}
	}
	return rendered
}

// dispatch renders once per (channel, language), persists one job per unit,
// and runs the first attempt inline. Channels run concurrently; units of
// the same channel run in order on one goroutine.
func (o *Orchestrator) dispatch(ctx context.Context, req *domain.NotificationRequest, units []dispatchUnit, logger *zap.Logger) map[domain.Channel]domain.ChannelOutcome {
	rendered := o.renderForUnits(ctx, req, units, logger)

	byChannel := make(map[domain.Channel][]dispatchUnit)
	for _, unit := range units {
		byChannel[unit.channel] = append(byChannel[unit.channel], unit)
	}

	var mu sync.Mutex
	results := make([]unitOutcome, 0, len(units))

	var wg sync.WaitGroup
	for ch, channelUnits := range byChannel {
		wg.Add(1)
		go func(ch domain.Channel, channelUnits []dispatchUnit) {
			defer wg.Done()
			for _, unit := range channelUnits {
				render := rendered[renderKey{channel: unit.channel, language: unit.language}]
				var outcome unitOutcome
				if render.err != "" {
					outcome = unitOutcome{channel: unit.channel, err: render.err}
				} else {
					outcome = o.dispatchUnit(ctx, req, unit, render.content, logger)
				}
				mu.Lock()
				results = append(results, outcome)
				mu.Unlock()
			}
		}(ch, channelUnits)
	}
	wg.Wait()

	return foldOutcomes(results)
}

func (o *Orchestrator) dispatchUnit(ctx context.Context, req *domain.NotificationRequest, unit dispatchUnit, content *domain.RenderedContent, logger *zap.Logger) unitOutcome {
	outcome := unitOutcome{channel: unit.channel}

	address, err := o.contactAddress(ctx, unit.recipientID, unit.channel)
	if err != nil {
		outcome.err = err.Error()
		return outcome
	}

	job := &domain.DeliveryJob{
		ID:            uuid.NewString(),
		DedupKey:      domain.DeliveryDedupKey(req.ID, unit.channel, unit.recipientID),
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		Channel:       unit.channel,
		Priority:      req.Priority,
		Category:      req.Category,
		RecipientID:   unit.recipientID,
		Contact:       address,
		Subject:       content.Subject,
		Body:          content.Body,
		PlainText:     content.PlainText,
		Status:        domain.JobQueued,
		MaxAttempts:   domain.DefaultMaxAttempts,
		ScheduledAt:   unit.deferUntil,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		outcome.err = fmt.Sprintf("failed to persist delivery job: %v", err)
		logger.Error("failed to persist delivery job",
			zap.String("channel", unit.channel.String()),
			zap.String("recipientId", unit.recipientID),
			zap.Error(err),
		)
		return outcome
	}

	if unit.deferUntil != nil {
		outcome.deferred = true
		logger.Info("delivery held for quiet hours",
			zap.String("jobId", job.ID),
			zap.String("recipientId", unit.recipientID),
			zap.String("channel", unit.channel.String()),
			zap.Time("resumeAt", *unit.deferUntil),
		)
		return outcome
	}

	result, err := o.executor.Execute(ctx, job.ID)
	if err != nil {
		// Infrastructure trouble during the inline attempt. The job row is
		// persisted, so the retry scanner will pick it up.
		outcome.err = fmt.Sprintf("inline attempt failed: %v", err)
		logger.Warn("inline delivery attempt failed, left for retry scanner",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		return outcome
	}

	switch result.Status {
	case domain.JobSent:
		outcome.success = true
		outcome.providerMessageID = result.ProviderMessageID
	case domain.JobQueued:
		// Retry scheduled; first attempt failed but delivery is still live.
		outcome.err = errString(result.Err, "retry scheduled")
	default:
		outcome.err = errString(result.Err, "delivery failed")
	}
	return outcome
}

func (o *Orchestrator) contactAddress(ctx context.Context, recipientID string, ch domain.Channel) (string, error) {
	// In-app delivery is addressed by recipient id; a contact record is
	// not required.
	if ch == domain.ChannelInApp {
		return recipientID, nil
	}

	contact, err := o.contacts.GetContact(ctx, recipientID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("no contact record for recipient %s", recipientID)
	}
	if err != nil {
		return "", fmt.Errorf("contact lookup failed: %v", err)
	}

	address := strings.TrimSpace(contact.Address(ch))
	if address == "" {
		return "", fmt.Errorf("recipient %s has no %s address", recipientID, strings.ToLower(ch.String()))
	}
	return address, nil
}

// foldOutcomes reduces per-(recipient, channel) results to one outcome per
// channel: success when nothing failed and at least one send went out,
// deferred when every unit was held.
func foldOutcomes(results []unitOutcome) map[domain.Channel]domain.ChannelOutcome {
	type tally struct {
		total, succeeded, deferred int
		providerMessageID          string
		firstErr                   string
	}

	tallies := make(map[domain.Channel]*tally)
	for _, r := range results {
		t, ok := tallies[r.channel]
		if !ok {
			t = &tally{}
			tallies[r.channel] = t
		}
		t.total++
		switch {
		case r.deferred:
			t.deferred++
		case r.success:
			t.succeeded++
			if t.providerMessageID == "" {
				t.providerMessageID = r.providerMessageID
			}
		default:
			if t.firstErr == "" {
				t.firstErr = r.err
			}
		}
	}

	outcomes := make(map[domain.Channel]domain.ChannelOutcome, len(tallies))
	for ch, t := range tallies {
		failed := t.total - t.succeeded - t.deferred
		outcome := domain.ChannelOutcome{
			Success:           failed == 0 && t.succeeded > 0,
			Deferred:          t.deferred == t.total,
			ProviderMessageID: t.providerMessageID,
		}
		if failed > 0 {
			outcome.Error = t.firstErr
			if t.total > 1 {
				outcome.Error = fmt.Sprintf("%d/%d recipients failed: %s", failed, t.total, t.firstErr)
			}
		}
		outcomes[ch] = outcome
	}
	return outcomes
}

// finishWithoutDispatch builds and audits a result for requests that never
// reached an adapter (expired, no recipients, nothing enabled, scheduled).
func (o *Orchestrator) finishWithoutDispatch(ctx context.Context, req *domain.NotificationRequest, status domain.ResultStatus, reason string) (*domain.NotificationResult, error) {
	result := &domain.NotificationResult{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Status:    status,
		Reason:    reason,
		Channels:  map[domain.Channel]domain.ChannelOutcome{},
		CreatedAt: o.now().UTC(),
	}
	o.appendAudit(ctx, req, result)
	return result, nil
}

// appendAudit persists the audit record. Audit is mandatory but an audit
// store outage must not turn a delivered notification into a caller error.
func (o *Orchestrator) appendAudit(ctx context.Context, req *domain.NotificationRequest, result *domain.NotificationResult) {
	record := &domain.AuditRecord{
		ID:            result.ID,
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		GroupID:       req.GroupID,
		Recipients:    req.Recipients,
		TemplateName:  req.TemplateName,
		Category:      req.Category,
		Priority:      req.Priority,
		Status:        result.Status,
		Reason:        result.Reason,
		Channels:      result.Channels,
		CreatedAt:     result.CreatedAt,
	}
	if err := o.audits.Append(ctx, record); err != nil {
		observability.Degraded(o.logger).Error("failed to append audit record",
			zap.String("requestId", req.ID),
			zap.Error(err),
		)
	}
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func dedupeChannels(channels []domain.Channel) []domain.Channel {
	seen := make(map[domain.Channel]struct{}, len(channels))
	out := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// SendToGroup expands the group and fans out one request per member with
// bounded concurrency. Member failures are collected, never raised: the
// batch always runs to completion.
func (o *Orchestrator) SendToGroup(ctx context.Context, groupID string, req *domain.NotificationRequest) (*domain.GroupResult, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("%w: group id is required", domain.ErrValidation)
	}

	group, err := o.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	members := group.ActiveMembers()
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: group %s has no members", domain.ErrValidation, groupID)
	}

	memberResults := make([]domain.GroupMemberResult, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.groupBatchSize)
	for i, memberID := range members {
		g.Go(func() error {
			memberReq := *req
			memberReq.ID = ""
			memberReq.GroupID = ""
			memberReq.Recipients = []string{memberID}
			if strings.TrimSpace(req.CorrelationID) != "" {
				memberReq.CorrelationID = req.CorrelationID
			}

			result, sendErr := o.SendNotification(gctx, &memberReq)
			memberResult := domain.GroupMemberResult{RecipientID: memberID, Result: result}
			if sendErr != nil {
				memberResult.Error = sendErr.Error()
			}
			memberResults[i] = memberResult
			return nil
		})
	}
	// Member goroutines never return errors; Wait only orders completion.
	_ = g.Wait()

	failed := 0
	for _, member := range memberResults {
		if member.Error != "" || (member.Result != nil && member.Result.Status == domain.ResultFailed) {
			failed++
		}
	}

	status, err := domain.AggregateGroupStatus(len(members), failed, o.groupFailureThreshold)
	if err != nil {
		return nil, err
	}

	o.logger.Info("group send finished",
		zap.String("groupId", groupID),
		zap.Int("members", len(members)),
		zap.Int("failed", failed),
		zap.String("status", status.String()),
	)

	return &domain.GroupResult{
		ID:           uuid.NewString(),
		GroupID:      groupID,
		Status:       status,
		TotalCount:   len(members),
		SuccessCount: len(members) - failed,
		FailureCount: failed,
		Members:      memberResults,
		CreatedAt:    o.now().UTC(),
	}, nil
}
