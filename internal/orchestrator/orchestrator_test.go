package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/procurenet/notify-engine/internal/channel"
	"github.com/procurenet/notify-engine/internal/dispatch"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/preference"
	"github.com/procurenet/notify-engine/internal/repository"
	"github.com/procurenet/notify-engine/internal/template"
	"go.uber.org/zap"
)

type fakeContactRepo struct {
	contacts map[string]*repository.Contact
}

func (f *fakeContactRepo) GetContact(_ context.Context, recipientID string) (*repository.Contact, error) {
	contact, ok := f.contacts[recipientID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return contact, nil
}

func (f *fakeContactRepo) PutContact(_ context.Context, contact *repository.Contact) error {
	f.contacts[contact.RecipientID] = contact
	return nil
}

type fakeGroupRepo struct {
	groups map[string]*domain.Group
}

func (f *fakeGroupRepo) GetGroup(_ context.Context, id string) (*domain.Group, error) {
	group, ok := f.groups[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return group, nil
}

func (f *fakeGroupRepo) PutGroup(_ context.Context, group *domain.Group) error {
	f.groups[group.ID] = group
	return nil
}

type fakePrefRepo struct {
	records map[string]*domain.Preferences
}

func (f *fakePrefRepo) Get(_ context.Context, recipientID string) (*domain.Preferences, error) {
	prefs, ok := f.records[recipientID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return prefs, nil
}

func (f *fakePrefRepo) Put(_ context.Context, prefs *domain.Preferences) error {
	f.records[prefs.RecipientID] = prefs
	return nil
}

func (f *fakePrefRepo) EnsureDefaults(_ context.Context, recipientID string) (*domain.Preferences, error) {
	if _, ok := f.records[recipientID]; !ok {
		f.records[recipientID] = domain.DefaultPreferences(recipientID)
	}
	return f.records[recipientID], nil
}

type fakeTemplateRepo struct {
	templates map[string]*domain.Template
}

func (f *fakeTemplateRepo) GetActive(_ context.Context, name, language string) (*domain.Template, error) {
	tmpl, ok := f.templates[name+"|"+language]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return tmpl, nil
}

func (f *fakeTemplateRepo) PutVersion(_ context.Context, tmpl *domain.Template) (*domain.Template, error) {
	f.templates[tmpl.Name+"|"+tmpl.Language] = tmpl
	return tmpl, nil
}

type fakeJobRepo struct {
	jobs map[string]*domain.DeliveryJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*domain.DeliveryJob)}
}

func (f *fakeJobRepo) Create(_ context.Context, job *domain.DeliveryJob) error {
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, id string) (*domain.DeliveryJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobRepo) LockForProcessing(_ context.Context, id string) (*domain.DeliveryJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status.Terminal() || job.Status == domain.JobProcessing {
		return nil, nil
	}
	job.Status = domain.JobProcessing
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepo) MarkSent(_ context.Context, id string, providerMessageID string) error {
	f.jobs[id].Status = domain.JobSent
	f.jobs[id].ProviderMessageID = providerMessageID
	return nil
}

func (f *fakeJobRepo) MarkRetry(_ context.Context, id string, nextRetryAt time.Time, lastError string) error {
	job := f.jobs[id]
	job.Status = domain.JobQueued
	job.AttemptCount++
	job.NextRetryAt = &nextRetryAt
	job.LastError = lastError
	return nil
}

func (f *fakeJobRepo) MarkFailed(_ context.Context, id string, lastError string) error {
	f.jobs[id].Status = domain.JobFailed
	f.jobs[id].LastError = lastError
	return nil
}

func (f *fakeJobRepo) MarkDeadLetter(_ context.Context, id string, lastError string) error {
	f.jobs[id].Status = domain.JobDeadLetter
	f.jobs[id].LastError = lastError
	return nil
}

func (f *fakeJobRepo) ReleaseToQueued(_ context.Context, id string, nextRetryAt time.Time) error {
	f.jobs[id].Status = domain.JobQueued
	f.jobs[id].NextRetryAt = &nextRetryAt
	return nil
}

func (f *fakeJobRepo) MarkEnqueued(_ context.Context, id string) error {
	job := f.jobs[id]
	job.NextRetryAt = nil
	job.ScheduledAt = nil
	return nil
}

func (f *fakeJobRepo) GetDueForRetry(context.Context, int) ([]domain.DeliveryJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) GetDueScheduled(context.Context, int) ([]domain.DeliveryJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) GetStaleProcessing(context.Context, int) ([]domain.DeliveryJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) CountQueuedByChannel(context.Context) (map[domain.Channel]int64, error) {
	return nil, nil
}

func (f *fakeJobRepo) ListDeadLetters(context.Context, int) ([]domain.DeliveryJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) byChannel(ch domain.Channel) []*domain.DeliveryJob {
	var out []*domain.DeliveryJob
	for _, job := range f.jobs {
		if job.Channel == ch {
			out = append(out, job)
		}
	}
	return out
}

type fakeAttemptRepo struct{}

func (f *fakeAttemptRepo) Create(context.Context, *domain.DeliveryAttempt) error { return nil }

func (f *fakeAttemptRepo) GetByJobID(context.Context, string) ([]domain.DeliveryAttempt, error) {
	return nil, nil
}

type fakeAuditRepo struct {
	records []*domain.AuditRecord
}

func (f *fakeAuditRepo) Append(_ context.Context, record *domain.AuditRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeAuditRepo) GetByID(context.Context, string) (*domain.AuditRecord, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeAuditRepo) GetByRequestID(context.Context, string) (*domain.AuditRecord, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeAuditRepo) List(context.Context, repository.AuditListParams) ([]domain.AuditRecord, int64, error) {
	return nil, 0, nil
}

type fakeScheduledRepo struct {
	created int
}

func (f *fakeScheduledRepo) Create(context.Context, string, *domain.NotificationRequest, time.Time) error {
	f.created++
	return nil
}

func (f *fakeScheduledRepo) ClaimDue(context.Context, int) ([]domain.NotificationRequest, error) {
	return nil, nil
}

// scriptedAdapter fails for addresses listed in failWith; everything else
// succeeds.
type scriptedAdapter struct {
	ch       domain.Channel
	failWith map[string]error
	sends    int
}

func (a *scriptedAdapter) Channel() domain.Channel { return a.ch }

func (a *scriptedAdapter) Send(_ context.Context, contact *repository.Contact, _ *domain.RenderedContent, _ channel.SendOptions) (*channel.Outcome, error) {
	a.sends++
	if err, ok := a.failWith[contact.Address(a.ch)]; ok {
		return nil, err
	}
	return &channel.Outcome{StatusCode: 200, ProviderMessageID: fmt.Sprintf("%s-msg-%d", strings.ToLower(a.ch.String()), a.sends)}, nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, string, domain.Channel) (bool, error) {
	return true, nil
}

type alwaysReserveDeduper struct{}

func (alwaysReserveDeduper) Reserve(context.Context, string) (bool, error) { return true, nil }
func (alwaysReserveDeduper) Release(context.Context, string) error         { return nil }

type fixture struct {
	orch      *Orchestrator
	jobs      *fakeJobRepo
	audits    *fakeAuditRepo
	scheduled *fakeScheduledRepo
	contacts  *fakeContactRepo
	groups    *fakeGroupRepo
	prefs     *fakePrefRepo
	adapters  map[domain.Channel]*scriptedAdapter
}

func welcomeTemplate() *domain.Template {
	return &domain.Template{
		Name:     "welcome",
		Language: "en",
		Version:  1,
		Active:   true,
		Fragments: domain.ChannelFragments{
			EmailSubject: "Welcome {{name}}",
			EmailHTML:    "<p>Hello {{name}}</p>",
			SMSText:      "Hello {{name}}",
			PushTitle:    "Welcome",
			PushBody:     "Hello {{name}}",
			InAppText:    "Hello {{name}}",
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()

	contacts := &fakeContactRepo{contacts: map[string]*repository.Contact{
		"u1": {RecipientID: "u1", Email: "u1@example.com", Phone: "+14165550101", DeviceToken: "tok-u1"},
		"u2": {RecipientID: "u2", Email: "u2@example.com", Phone: "+14165550102", DeviceToken: "tok-u2"},
	}}
	groups := &fakeGroupRepo{groups: make(map[string]*domain.Group)}
	prefRepo := &fakePrefRepo{records: make(map[string]*domain.Preferences)}

	resolver, err := preference.NewResolver(prefRepo, logger)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	tmplRepo := &fakeTemplateRepo{templates: make(map[string]*domain.Template)}
	tmpl := welcomeTemplate()
	tmplRepo.templates[tmpl.Name+"|"+tmpl.Language] = tmpl

	engine, err := template.NewEngine(tmplRepo, logger)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	jobs := newFakeJobRepo()
	adapters := map[domain.Channel]*scriptedAdapter{
		domain.ChannelEmail: {ch: domain.ChannelEmail, failWith: map[string]error{}},
		domain.ChannelSMS:   {ch: domain.ChannelSMS, failWith: map[string]error{}},
		domain.ChannelPush:  {ch: domain.ChannelPush, failWith: map[string]error{}},
		domain.ChannelInApp: {ch: domain.ChannelInApp, failWith: map[string]error{}},
	}
	adapterList := make([]channel.Adapter, 0, len(adapters))
	for _, adapter := range adapters {
		adapterList = append(adapterList, adapter)
	}

	executor, err := dispatch.NewExecutor(jobs, &fakeAttemptRepo{}, adapterList, allowAllLimiter{}, alwaysReserveDeduper{}, time.Second, 3, logger)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	audits := &fakeAuditRepo{}
	scheduled := &fakeScheduledRepo{}

	orch, err := New(contacts, groups, resolver, engine, jobs, audits, scheduled, executor, 4, 1.0, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &fixture{
		orch:      orch,
		jobs:      jobs,
		audits:    audits,
		scheduled: scheduled,
		contacts:  contacts,
		groups:    groups,
		prefs:     prefRepo,
		adapters:  adapters,
	}
}

func baseRequest(channels ...domain.Channel) *domain.NotificationRequest {
	return &domain.NotificationRequest{
		Recipients:   []string{"u1"},
		Channels:     channels,
		TemplateName: "welcome",
		Data:         map[string]string{"name": "Dana"},
		Priority:     domain.PriorityNormal,
	}
}

func TestSendNotificationAllChannelsSucceed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	result, err := f.orch.SendNotification(context.Background(), baseRequest(domain.ChannelEmail, domain.ChannelInApp))
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	if result.Status != domain.ResultSent {
		t.Errorf("status = %s, want SENT", result.Status)
	}
	if len(result.Channels) != 2 {
		t.Fatalf("outcome channels = %d, want 2", len(result.Channels))
	}
	for _, ch := range []domain.Channel{domain.ChannelEmail, domain.ChannelInApp} {
		outcome, ok := result.Channels[ch]
		if !ok {
			t.Fatalf("missing outcome for %s", ch)
		}
		if !outcome.Success || outcome.Error != "" {
			t.Errorf("%s outcome = %+v, want success", ch, outcome)
		}
	}
	if len(f.jobs.jobs) != 2 {
		t.Errorf("persisted jobs = %d, want 2", len(f.jobs.jobs))
	}
	if len(f.audits.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(f.audits.records))
	}
	if f.audits.records[0].Status != domain.ResultSent {
		t.Errorf("audit status = %s, want SENT", f.audits.records[0].Status)
	}
}

func TestSendNotificationChannelIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs.records["u1"] = &domain.Preferences{
		RecipientID: "u1",
		Channels: map[domain.Channel]bool{
			domain.ChannelEmail: true,
			domain.ChannelSMS:   true,
		},
	}
	f.adapters[domain.ChannelSMS].failWith["+14165550101"] = &channel.AdapterError{
		StatusCode: 400,
		Message:    "rejected",
		Retryable:  false,
	}

	result, err := f.orch.SendNotification(context.Background(), baseRequest(domain.ChannelEmail, domain.ChannelSMS))
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	if result.Status != domain.ResultPartial {
		t.Errorf("status = %s, want PARTIAL", result.Status)
	}
	if !result.Channels[domain.ChannelEmail].Success {
		t.Error("email should succeed despite sms failure")
	}
	smsOutcome := result.Channels[domain.ChannelSMS]
	if smsOutcome.Success || smsOutcome.Error == "" {
		t.Errorf("sms outcome = %+v, want failure with error", smsOutcome)
	}
	if failed := result.FailedChannels(); len(failed) != 1 {
		t.Errorf("failed channels = %v, want sms only", failed)
	}
}

func TestSendNotificationInvalidRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := baseRequest(domain.ChannelEmail)
	req.TemplateName = " "

	_, err := f.orch.SendNotification(context.Background(), req)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if len(f.jobs.jobs) != 0 {
		t.Error("invalid request must not persist jobs")
	}
	if len(f.audits.records) != 0 {
		t.Error("invalid request must not be audited")
	}
}

func TestSendNotificationDisabledChannelFilteredBeforeDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// Defaults disable SMS; no explicit preference record needed.

	result, err := f.orch.SendNotification(context.Background(), baseRequest(domain.ChannelEmail, domain.ChannelSMS))
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	if result.Status != domain.ResultSent {
		t.Errorf("status = %s, want SENT", result.Status)
	}
	if _, ok := result.Channels[domain.ChannelSMS]; ok {
		t.Error("filtered sms channel must not appear in the outcome map")
	}
	if f.adapters[domain.ChannelSMS].sends != 0 {
		t.Error("sms adapter must not be contacted")
	}
	if jobs := f.jobs.byChannel(domain.ChannelSMS); len(jobs) != 0 {
		t.Error("no sms job should be persisted")
	}
}

func TestSendNotificationNoEnabledChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	result, err := f.orch.SendNotification(context.Background(), baseRequest(domain.ChannelSMS))
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	if result.Status != domain.ResultFailed {
		t.Errorf("status = %s, want FAILED", result.Status)
	}
	if result.Reason != domain.ReasonNoEnabledChannels {
		t.Errorf("reason = %q, want %q", result.Reason, domain.ReasonNoEnabledChannels)
	}
	if len(result.Channels) != 0 {
		t.Errorf("outcome map = %v, want empty", result.Channels)
	}
	if len(f.jobs.jobs) != 0 {
		t.Error("no jobs should be persisted")
	}
	if len(f.audits.records) != 1 {
		t.Error("fully filtered request is still audited")
	}
}

func TestSendNotificationExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	expired := time.Now().Add(-time.Minute)
	req := baseRequest(domain.ChannelEmail)
	req.ExpiresAt = &expired

	result, err := f.orch.SendNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if result.Status != domain.ResultFailed || result.Reason != domain.ReasonExpired {
		t.Errorf("result = %s/%s, want FAILED/expired", result.Status, result.Reason)
	}
	if f.adapters[domain.ChannelEmail].sends != 0 {
		t.Error("expired request must not reach an adapter")
	}
}

func TestSendNotificationEmptyGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.groups.groups["g1"] = &domain.Group{ID: "g1", Name: "empty", MemberIDs: []string{" "}}

	req := baseRequest(domain.ChannelEmail)
	req.Recipients = nil
	req.GroupID = "g1"

	result, err := f.orch.SendNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if result.Status != domain.ResultFailed || result.Reason != domain.ReasonNoRecipients {
		t.Errorf("result = %s/%s, want FAILED/no_recipients", result.Status, result.Reason)
	}
}

func TestSendNotificationScheduledForLater(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	future := time.Now().Add(time.Hour)
	req := baseRequest(domain.ChannelEmail)
	req.ScheduledAt = &future

	result, err := f.orch.SendNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if result.Status != domain.ResultScheduled {
		t.Errorf("status = %s, want SCHEDULED", result.Status)
	}
	if f.scheduled.created != 1 {
		t.Errorf("scheduled requests = %d, want 1", f.scheduled.created)
	}
	if len(f.jobs.jobs) != 0 {
		t.Error("no delivery jobs before fire time")
	}
	if f.adapters[domain.ChannelEmail].sends != 0 {
		t.Error("no adapter contact before fire time")
	}
}

func quietWindowAround(now time.Time) *domain.QuietHours {
	start := now.UTC().Add(-time.Hour)
	end := now.UTC().Add(time.Hour)
	return &domain.QuietHours{
		Start:    fmt.Sprintf("%02d:%02d", start.Hour(), start.Minute()),
		End:      fmt.Sprintf("%02d:%02d", end.Hour(), end.Minute()),
		Timezone: "UTC",
	}
}

func TestSendNotificationQuietHoursDefersPush(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs.records["u1"] = &domain.Preferences{
		RecipientID: "u1",
		Channels:    map[domain.Channel]bool{domain.ChannelPush: true},
		QuietHours:  quietWindowAround(time.Now()),
	}

	result, err := f.orch.SendNotification(context.Background(), baseRequest(domain.ChannelPush))
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	if result.Status != domain.ResultScheduled {
		t.Errorf("status = %s, want SCHEDULED", result.Status)
	}
	outcome := result.Channels[domain.ChannelPush]
	if !outcome.Deferred {
		t.Errorf("push outcome = %+v, want deferred", outcome)
	}
	if f.adapters[domain.ChannelPush].sends != 0 {
		t.Error("deferred delivery must not reach the adapter")
	}

	pushJobs := f.jobs.byChannel(domain.ChannelPush)
	if len(pushJobs) != 1 {
		t.Fatalf("push jobs = %d, want 1", len(pushJobs))
	}
	if pushJobs[0].ScheduledAt == nil || !pushJobs[0].ScheduledAt.After(time.Now()) {
		t.Error("deferred job should be scheduled at the window end")
	}
}

func TestSendNotificationUrgentBypassesQuietHours(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs.records["u1"] = &domain.Preferences{
		RecipientID: "u1",
		Channels:    map[domain.Channel]bool{domain.ChannelPush: true},
		QuietHours:  quietWindowAround(time.Now()),
	}

	req := baseRequest(domain.ChannelPush)
	req.Priority = domain.PriorityUrgent

	result, err := f.orch.SendNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if result.Status != domain.ResultSent {
		t.Errorf("status = %s, want SENT", result.Status)
	}
	if f.adapters[domain.ChannelPush].sends != 1 {
		t.Error("urgent delivery should bypass the quiet window")
	}
}

func TestSendNotificationMissingContactFailsChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := baseRequest(domain.ChannelEmail, domain.ChannelInApp)
	req.Recipients = []string{"u-unknown"}

	result, err := f.orch.SendNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	// In-app needs no contact record, so it still delivers.
	if result.Status != domain.ResultPartial {
		t.Errorf("status = %s, want PARTIAL", result.Status)
	}
	emailOutcome := result.Channels[domain.ChannelEmail]
	if emailOutcome.Success || emailOutcome.Error == "" {
		t.Errorf("email outcome = %+v, want contact failure", emailOutcome)
	}
	if !result.Channels[domain.ChannelInApp].Success {
		t.Error("in-app should deliver without a contact record")
	}
}

func TestRenderForUnitsSharedAcrossRecipients(t *testing.T) {
	t.Parallel()

	// A group blast renders once per (channel, language) pair, not once
	// per recipient: three email recipients share one render.
	f := newFixture(t)

	units := []dispatchUnit{
		{recipientID: "u1", channel: domain.ChannelEmail, language: "en"},
		{recipientID: "u2", channel: domain.ChannelEmail, language: "en"},
		{recipientID: "u3", channel: domain.ChannelEmail, language: "en"},
		{recipientID: "u1", channel: domain.ChannelInApp, language: "en"},
	}

	rendered := f.orch.renderForUnits(context.Background(), baseRequest(domain.ChannelEmail, domain.ChannelInApp), units, zap.NewNop())

	if len(rendered) != 2 {
		t.Fatalf("rendered variants = %d, want 2 (email/en, inapp/en)", len(rendered))
	}
	for _, ch := range []domain.Channel{domain.ChannelEmail, domain.ChannelInApp} {
		render, ok := rendered[renderKey{channel: ch, language: "en"}]
		if !ok {
			t.Fatalf("missing render for %s/en", ch)
		}
		if render.err != "" || render.content == nil {
			t.Errorf("%s/en render = %+v, want content", ch, render)
		}
	}
}

func TestRenderFailureFailsEveryUnitOfThePair(t *testing.T) {
	t.Parallel()

	// A render error is terminal for all recipients sharing the pair, and
	// no delivery jobs are created for them.
	f := newFixture(t)

	req := baseRequest(domain.ChannelEmail)
	req.TemplateName = "no-such-template"
	req.Recipients = []string{"u1", "u2"}

	result, err := f.orch.SendNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if result.Status != domain.ResultFailed {
		t.Errorf("status = %s, want FAILED", result.Status)
	}
	outcome := result.Channels[domain.ChannelEmail]
	if outcome.Success || !strings.Contains(outcome.Error, "render failed") {
		t.Errorf("email outcome = %+v, want render failure", outcome)
	}
	if len(f.jobs.jobs) != 0 {
		t.Errorf("persisted jobs = %d, want 0 on render failure", len(f.jobs.jobs))
	}
}

func TestSendToGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.groups.groups["g1"] = &domain.Group{ID: "g1", Name: "team", MemberIDs: []string{"u1", "u2", "u-unknown"}}

	result, err := f.orch.SendToGroup(context.Background(), "g1", baseRequest(domain.ChannelEmail))
	if err != nil {
		t.Fatalf("SendToGroup() error = %v", err)
	}

	if result.TotalCount != 3 {
		t.Errorf("total = %d, want 3", result.TotalCount)
	}
	// u-unknown has no contact record: its single channel fails, so the
	// member result is FAILED while the other two members deliver.
	if result.FailureCount != 1 || result.SuccessCount != 2 {
		t.Errorf("success/failure = %d/%d, want 2/1", result.SuccessCount, result.FailureCount)
	}
	if result.Status != domain.ResultPartial {
		t.Errorf("status = %s, want PARTIAL", result.Status)
	}
	if len(result.Members) != 3 {
		t.Fatalf("member results = %d, want 3", len(result.Members))
	}
	for _, member := range result.Members {
		if member.Result == nil {
			t.Errorf("member %s missing result", member.RecipientID)
		}
	}
}

func TestSendToGroupAllSucceed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.groups.groups["g1"] = &domain.Group{ID: "g1", Name: "team", MemberIDs: []string{"u1", "u2"}}

	result, err := f.orch.SendToGroup(context.Background(), "g1", baseRequest(domain.ChannelEmail))
	if err != nil {
		t.Fatalf("SendToGroup() error = %v", err)
	}
	if result.Status != domain.ResultSent {
		t.Errorf("status = %s, want SENT", result.Status)
	}
}

func TestSendToGroupUnknownGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if _, err := f.orch.SendToGroup(context.Background(), "missing", baseRequest(domain.ChannelEmail)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestScheduleDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := &domain.NotificationRequest{
		Recipients: []string{"u1"},
		Priority:   domain.PriorityLow,
	}

	result, err := f.orch.ScheduleDigest(context.Background(), "daily", req)
	if err != nil {
		t.Fatalf("ScheduleDigest() error = %v", err)
	}
	if result.Status != domain.ResultScheduled {
		t.Errorf("status = %s, want SCHEDULED", result.Status)
	}
	if f.scheduled.created != 1 {
		t.Errorf("scheduled requests = %d, want 1", f.scheduled.created)
	}
}

func TestScheduleDigestUnknownPeriod(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.orch.ScheduleDigest(context.Background(), "hourly", baseRequest(domain.ChannelEmail))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestNextDigestBoundary(t *testing.T) {
	t.Parallel()

	// Wednesday 2026-03-11 15:04 UTC.
	now := time.Date(2026, 3, 11, 15, 4, 0, 0, time.UTC)

	daily, err := nextDigestBoundary(DigestDaily, now)
	if err != nil {
		t.Fatalf("daily error = %v", err)
	}
	if want := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC); !daily.Equal(want) {
		t.Errorf("daily boundary = %v, want %v", daily, want)
	}

	weekly, err := nextDigestBoundary(DigestWeekly, now)
	if err != nil {
		t.Fatalf("weekly error = %v", err)
	}
	if want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC); !weekly.Equal(want) {
		t.Errorf("weekly boundary = %v, want %v", weekly, want)
	}
}
