package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
	"github.com/procurenet/notify-engine/internal/transport"
	"go.uber.org/zap"
)

type stubOrchestrator struct {
	sendFn   func(ctx context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error)
	groupFn  func(ctx context.Context, groupID string, req *domain.NotificationRequest) (*domain.GroupResult, error)
	digestFn func(ctx context.Context, period string, req *domain.NotificationRequest) (*domain.NotificationResult, error)
}

func (s *stubOrchestrator) SendNotification(ctx context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
	return s.sendFn(ctx, req)
}

func (s *stubOrchestrator) SendToGroup(ctx context.Context, groupID string, req *domain.NotificationRequest) (*domain.GroupResult, error) {
	return s.groupFn(ctx, groupID, req)
}

func (s *stubOrchestrator) ScheduleDigest(ctx context.Context, period string, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
	return s.digestFn(ctx, period, req)
}

type stubAuditStore struct {
	records map[string]*domain.AuditRecord
	listed  []domain.AuditRecord
	params  repository.AuditListParams
}

func (s *stubAuditStore) GetByRequestID(_ context.Context, requestID string) (*domain.AuditRecord, error) {
	record, ok := s.records[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (s *stubAuditStore) List(_ context.Context, params repository.AuditListParams) ([]domain.AuditRecord, int64, error) {
	s.params = params
	return s.listed, int64(len(s.listed)), nil
}

type stubDeadLetterStore struct {
	jobs    []domain.DeliveryJob
	listErr error
	limit   int
}

func (s *stubDeadLetterStore) ListDeadLetters(_ context.Context, limit int) ([]domain.DeliveryJob, error) {
	s.limit = limit
	return s.jobs, s.listErr
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturingPublisher) Publish(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	return fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func TestNotificationIntegration_SendNotification(t *testing.T) {
	t.Parallel()

	svc := &stubOrchestrator{
		sendFn: func(_ context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
			if len(req.Recipients) != 1 || req.Recipients[0] != "u1" {
				t.Fatalf("recipients = %v, want [u1]", req.Recipients)
			}
			if req.Priority != domain.PriorityUrgent {
				t.Fatalf("priority = %v, want URGENT", req.Priority)
			}
			return &domain.NotificationResult{
				RequestID: "req-1",
				Status:    domain.ResultSent,
				Channels: map[domain.Channel]domain.ChannelOutcome{
					domain.ChannelEmail: {Success: true, ProviderMessageID: "pm-1"},
				},
			}, nil
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, svc, &stubAuditStore{}, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	body := `{"recipients":["u1"],"channels":["EMAIL"],"templateName":"welcome","category":"transactional","priority":"URGENT","data":{"name":"Ada"}}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/notifications", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["requestId"] != "req-1" || parsed["status"] != "SENT" {
		t.Fatalf("response = %v", parsed)
	}
	channels, _ := parsed["channels"].(map[string]any)
	if _, ok := channels["email"]; !ok {
		t.Fatalf("channels = %v, want email key", channels)
	}
}

func TestNotificationIntegration_SendNotificationValidation(t *testing.T) {
	t.Parallel()

	svc := &stubOrchestrator{
		sendFn: func(_ context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
			t.Fatal("service must not be called for invalid payloads")
			return nil, nil
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, svc, &stubAuditStore{}, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	cases := []struct {
		name string
		body string
	}{
		{name: "missing template", body: `{"recipients":["u1"],"category":"transactional"}`},
		{name: "bad channel", body: `{"recipients":["u1"],"templateName":"welcome","category":"t","channels":["FAX"]}`},
		{name: "bad priority", body: `{"recipients":["u1"],"templateName":"welcome","category":"t","priority":"WHENEVER"}`},
		{name: "not json", body: `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications", tc.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestNotificationIntegration_SendNotificationUncategorized(t *testing.T) {
	t.Parallel()

	called := false
	svc := &stubOrchestrator{
		sendFn: func(_ context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
			called = true
			if req.Category != "" {
				t.Fatalf("category = %q, want blank", req.Category)
			}
			return &domain.NotificationResult{RequestID: "req-2", Status: domain.ResultSent}, nil
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, svc, &stubAuditStore{}, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	// Category is an optional tag; an uncategorized send is accepted.
	body := `{"recipients":["u1"],"channels":["INAPP"],"templateName":"welcome"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/notifications", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}
	if !called {
		t.Fatal("service was not called")
	}
}

func TestNotificationIntegration_SendToGroup(t *testing.T) {
	t.Parallel()

	svc := &stubOrchestrator{
		groupFn: func(_ context.Context, groupID string, _ *domain.NotificationRequest) (*domain.GroupResult, error) {
			if groupID != "oncall" {
				t.Fatalf("groupID = %q, want oncall", groupID)
			}
			return &domain.GroupResult{
				GroupID:      "oncall",
				Status:       domain.ResultPartial,
				TotalCount:   2,
				SuccessCount: 1,
				FailureCount: 1,
				Members: []domain.GroupMemberResult{
					{RecipientID: "u1", Result: &domain.NotificationResult{RequestID: "r1", Status: domain.ResultSent}},
					{RecipientID: "u2", Error: "no contact on file"},
				},
			}, nil
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, svc, &stubAuditStore{}, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	body := `{"templateName":"incident","category":"alerts"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/groups/oncall/notifications", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed groupResultResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Status != "PARTIAL" || parsed.FailureCount != 1 || len(parsed.Members) != 2 {
		t.Fatalf("response = %+v", parsed)
	}
}

func TestNotificationIntegration_ScheduleDigest(t *testing.T) {
	t.Parallel()

	svc := &stubOrchestrator{
		digestFn: func(_ context.Context, period string, req *domain.NotificationRequest) (*domain.NotificationResult, error) {
			if period != "daily" {
				t.Fatalf("period = %q, want daily", period)
			}
			if len(req.Recipients) != 1 || req.Recipients[0] != "u1" {
				t.Fatalf("recipients = %v, want [u1]", req.Recipients)
			}
			return &domain.NotificationResult{
				RequestID: "req-digest",
				Status:    domain.ResultScheduled,
			}, nil
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, svc, &stubAuditStore{}, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	body := `{"recipients":["u1"],"templateName":"digest","category":"digest"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/digests/daily", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["requestId"] != "req-digest" || parsed["status"] != "SCHEDULED" {
		t.Fatalf("response = %v", parsed)
	}
}

func TestNotificationIntegration_GetNotification(t *testing.T) {
	t.Parallel()

	audits := &stubAuditStore{
		records: map[string]*domain.AuditRecord{
			"req-1": {
				RequestID:    "req-1",
				Recipients:   []string{"u1"},
				TemplateName: "welcome",
				Category:     "transactional",
				Priority:     domain.PriorityNormal,
				Status:       domain.ResultSent,
				Channels: map[domain.Channel]domain.ChannelOutcome{
					domain.ChannelEmail: {Success: true},
				},
				CreatedAt: time.Now().UTC(),
			},
		},
	}
	svc := &stubOrchestrator{}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, svc, audits, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	resp, respBody := performRequest(t, app, http.MethodGet, "/v1/notifications/req-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	var parsed auditRecordResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.RequestID != "req-1" || parsed.Status != "SENT" {
		t.Fatalf("response = %+v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationIntegration_ListNotifications(t *testing.T) {
	t.Parallel()

	audits := &stubAuditStore{
		listed: []domain.AuditRecord{
			{RequestID: "req-1", Status: domain.ResultSent},
			{RequestID: "req-2", Status: domain.ResultFailed},
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, &stubOrchestrator{}, audits, &stubDeadLetterStore{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	resp, respBody := performRequest(t, app, http.MethodGet, "/v1/notifications?status=sent&groupId=oncall&page=2&pageSize=10", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if audits.params.Status == nil || *audits.params.Status != domain.ResultSent {
		t.Fatalf("status filter = %v, want SENT", audits.params.Status)
	}
	if audits.params.GroupID == nil || *audits.params.GroupID != "oncall" {
		t.Fatalf("group filter = %v, want oncall", audits.params.GroupID)
	}
	if audits.params.Page != 2 || audits.params.PageSize != 10 {
		t.Fatalf("pagination = %d/%d, want 2/10", audits.params.Page, audits.params.PageSize)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications?status=bogus", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad status filter", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodGet, fmt.Sprintf("/v1/notifications?pageSize=%d", maxPageSize+1), "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized page", resp.StatusCode)
	}
}

func TestNotificationIntegration_ListDeadLetters(t *testing.T) {
	t.Parallel()

	deadLetters := &stubDeadLetterStore{
		jobs: []domain.DeliveryJob{
			{
				ID:           "job-1",
				RequestID:    "req-1",
				Channel:      domain.ChannelSMS,
				RecipientID:  "u1",
				Priority:     domain.PriorityNormal,
				Status:       domain.JobDeadLetter,
				AttemptCount: 3,
				LastError:    "provider timeout",
			},
		},
	}
	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, &stubOrchestrator{}, &stubAuditStore{}, deadLetters); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	resp, respBody := performRequest(t, app, http.MethodGet, "/v1/dead-letters?limit=25", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if deadLetters.limit != 25 {
		t.Fatalf("limit = %d, want 25", deadLetters.limit)
	}
	var parsed listDeadLettersResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Data) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(parsed.Data))
	}
	got := parsed.Data[0]
	if got.JobID != "job-1" || got.Channel != "sms" || got.AttemptCount != 3 {
		t.Fatalf("dead letter = %+v", got)
	}
	if got.LastError != "provider timeout" {
		t.Fatalf("lastError = %q, want provider timeout", got.LastError)
	}

	resp, _ = performRequest(t, app, http.MethodGet, fmt.Sprintf("/v1/dead-letters?limit=%d", maxPageSize+1), "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized limit", resp.StatusCode)
	}
}

type stubPreferenceService struct {
	stored map[string]*domain.Preferences
}

func (s *stubPreferenceService) Resolve(_ context.Context, recipientID string) (*domain.Preferences, error) {
	if prefs, ok := s.stored[recipientID]; ok {
		return prefs, nil
	}
	return domain.DefaultPreferences(recipientID), nil
}

func (s *stubPreferenceService) Update(_ context.Context, prefs *domain.Preferences) error {
	if err := prefs.QuietHours.Validate(); err != nil {
		return err
	}
	s.stored[prefs.RecipientID] = prefs
	return nil
}

func TestPreferenceIntegration_UpdatePublishesEvent(t *testing.T) {
	t.Parallel()

	svc := &stubPreferenceService{stored: map[string]*domain.Preferences{}}
	publisher := &capturingPublisher{}
	app := newTestApp(t)
	if err := RegisterPreferenceRoutes(app, svc, publisher, zap.NewNop()); err != nil {
		t.Fatalf("RegisterPreferenceRoutes() error = %v", err)
	}

	body := `{"channels":{"EMAIL":true,"SMS":false},"language":"fr","quietHours":{"start":"22:00","end":"07:00","timezone":"UTC"}}`
	resp, respBody := performRequest(t, app, http.MethodPut, "/v1/recipients/u1/preferences", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}

	if len(publisher.events) != 1 || publisher.events[0].Type != domain.EventPreferencesUpdated {
		t.Fatalf("published events = %+v, want one preferences:updated", publisher.events)
	}
	if publisher.events[0].RecipientID != "u1" {
		t.Fatalf("event recipient = %q, want u1", publisher.events[0].RecipientID)
	}

	resp, respBody = performRequest(t, app, http.MethodGet, "/v1/recipients/u1/preferences", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var prefs preferencesResponse
	if err := json.Unmarshal(respBody, &prefs); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if prefs.Language != "fr" || prefs.Channels["sms"] {
		t.Fatalf("preferences = %+v", prefs)
	}

	badWindow := `{"quietHours":{"start":"25:00","end":"07:00","timezone":"UTC"}}`
	resp, _ = performRequest(t, app, http.MethodPut, "/v1/recipients/u1/preferences", badWindow)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid quiet hours", resp.StatusCode)
	}
}

type stubTemplateStore struct {
	stored *domain.Template
}

func (s *stubTemplateStore) PutVersion(_ context.Context, tmpl *domain.Template) (*domain.Template, error) {
	copied := *tmpl
	copied.Version = 2
	copied.Active = true
	s.stored = &copied
	return &copied, nil
}

type recordingInvalidator struct {
	name     string
	language string
	calls    int
}

func (r *recordingInvalidator) Invalidate(name, language string) {
	r.name = name
	r.language = language
	r.calls++
}

func TestTemplateIntegration_PutTemplate(t *testing.T) {
	t.Parallel()

	store := &stubTemplateStore{}
	invalidator := &recordingInvalidator{}
	app := newTestApp(t)
	if err := RegisterTemplateRoutes(app, store, invalidator); err != nil {
		t.Fatalf("RegisterTemplateRoutes() error = %v", err)
	}

	body := `{"language":"EN","fragments":{"emailSubject":"Hi {{name}}","emailHtml":"<p>Hello</p>"}}`
	resp, respBody := performRequest(t, app, http.MethodPut, "/v1/templates/welcome", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}

	if store.stored == nil || store.stored.Name != "welcome" || store.stored.Language != "en" {
		t.Fatalf("stored template = %+v", store.stored)
	}
	if invalidator.calls != 1 || invalidator.name != "welcome" || invalidator.language != "en" {
		t.Fatalf("invalidator = %+v, want one call for (welcome, en)", invalidator)
	}

	var parsed templateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Version != 2 || !parsed.Active {
		t.Fatalf("response = %+v", parsed)
	}

	emptyFragments := `{"language":"en","fragments":{}}`
	resp, _ = performRequest(t, app, http.MethodPut, "/v1/templates/welcome", emptyFragments)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty fragments", resp.StatusCode)
	}
	if invalidator.calls != 1 {
		t.Fatal("cache invalidated for a rejected template")
	}
}

type stubInboxRepo struct {
	messages []domain.InboxMessage
	read     []string
}

func (s *stubInboxRepo) Create(context.Context, *domain.InboxMessage) error { return nil }

func (s *stubInboxRepo) ListUnread(_ context.Context, recipientID string, _ int) ([]domain.InboxMessage, error) {
	unread := make([]domain.InboxMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if msg.RecipientID == recipientID && !msg.Read {
			unread = append(unread, msg)
		}
	}
	return unread, nil
}

func (s *stubInboxRepo) MarkRead(_ context.Context, recipientID, messageID string) error {
	for i := range s.messages {
		if s.messages[i].ID == messageID && s.messages[i].RecipientID == recipientID {
			s.messages[i].Read = true
			s.read = append(s.read, messageID)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *stubInboxRepo) CountUnread(_ context.Context, recipientID string) (int64, error) {
	var n int64
	for _, msg := range s.messages {
		if msg.RecipientID == recipientID && !msg.Read {
			n++
		}
	}
	return n, nil
}

func TestInboxIntegration_MarkReadPublishesEvents(t *testing.T) {
	t.Parallel()

	inbox := &stubInboxRepo{
		messages: []domain.InboxMessage{
			{ID: "m-1", RecipientID: "u1", Category: "transactional", Body: "order shipped"},
			{ID: "m-2", RecipientID: "u1", Category: "transactional", Body: "order delivered"},
		},
	}
	publisher := &capturingPublisher{}
	app := newTestApp(t)
	if err := RegisterInboxRoutes(app, inbox, publisher, zap.NewNop()); err != nil {
		t.Fatalf("RegisterInboxRoutes() error = %v", err)
	}

	resp, respBody := performRequest(t, app, http.MethodGet, "/v1/recipients/u1/inbox", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	var listed inboxListResponse
	if err := json.Unmarshal(respBody, &listed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(listed.Data) != 2 || listed.UnreadCount != 2 {
		t.Fatalf("list response = %+v", listed)
	}

	resp, respBody = performRequest(t, app, http.MethodPost, "/v1/recipients/u1/inbox/m-1/read", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}

	if len(publisher.events) != 2 {
		t.Fatalf("published %d events, want notification:read + unread-count", len(publisher.events))
	}
	if publisher.events[0].Type != domain.EventNotificationRead || publisher.events[0].Payload["messageId"] != "m-1" {
		t.Fatalf("first event = %+v", publisher.events[0])
	}
	if publisher.events[1].Type != domain.EventUnreadCount || publisher.events[1].Payload["unreadCount"] != "1" {
		t.Fatalf("second event = %+v", publisher.events[1])
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/recipients/u1/inbox/missing/read", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
