package domain

import (
	"errors"
	"testing"
	"time"
)

func validRequest() *NotificationRequest {
	return &NotificationRequest{
		ID:           "req-1",
		Recipients:   []string{"u1"},
		Channels:     []Channel{ChannelEmail},
		TemplateName: "welcome",
		Priority:     PriorityNormal,
	}
}

func TestNotificationRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*NotificationRequest)
		wantErr bool
	}{
		{"valid", func(r *NotificationRequest) {}, false},
		{"group instead of recipients", func(r *NotificationRequest) {
			r.Recipients = nil
			r.GroupID = "g1"
		}, false},
		{"no recipient selector", func(r *NotificationRequest) {
			r.Recipients = nil
			r.GroupID = ""
		}, true},
		{"blank recipient", func(r *NotificationRequest) {
			r.Recipients = []string{" "}
		}, true},
		{"no channels", func(r *NotificationRequest) {
			r.Channels = nil
		}, true},
		{"invalid channel", func(r *NotificationRequest) {
			r.Channels = []Channel{"FAX"}
		}, true},
		{"blank template", func(r *NotificationRequest) {
			r.TemplateName = "  "
		}, true},
		{"invalid priority", func(r *NotificationRequest) {
			r.Priority = "WHENEVER"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestNotificationRequestExpiredAndDeferred(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	req := validRequest()
	if req.Expired(now) || req.Deferred(now) {
		t.Fatal("request without timestamps is neither expired nor deferred")
	}

	req.ExpiresAt = &past
	if !req.Expired(now) {
		t.Fatal("past expiry should report expired")
	}

	req.ExpiresAt = nil
	req.ScheduledAt = &future
	if !req.Deferred(now) {
		t.Fatal("future schedule should report deferred")
	}
	req.ScheduledAt = &past
	if req.Deferred(now) {
		t.Fatal("past schedule is due, not deferred")
	}
}

func TestDeliveryDedupKey(t *testing.T) {
	t.Parallel()

	key := DeliveryDedupKey("req-1", ChannelEmail, "u1")
	if key != "req-1:email:u1" {
		t.Fatalf("dedup key = %q, want req-1:email:u1", key)
	}
}

func TestDeliveryJobValidate(t *testing.T) {
	t.Parallel()

	job := &DeliveryJob{
		RequestID:   "req-1",
		RecipientID: "u1",
		Contact:     "aki@example.com",
		Channel:     ChannelEmail,
		Priority:    PriorityNormal,
		Body:        "hello",
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	job.Contact = ""
	if err := job.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing contact error = %v, want ErrValidation", err)
	}
}
