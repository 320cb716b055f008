package domain

import (
	"fmt"
	"strings"
	"time"
)

// ResultStatus is the aggregate outcome of one notification request.
type ResultStatus string

const (
	ResultSent      ResultStatus = "SENT"
	ResultPartial   ResultStatus = "PARTIAL"
	ResultFailed    ResultStatus = "FAILED"
	ResultScheduled ResultStatus = "SCHEDULED"
)

func (s ResultStatus) String() string { return string(s) }

func (s ResultStatus) IsValid() bool {
	switch s {
	case ResultSent, ResultPartial, ResultFailed, ResultScheduled:
		return true
	}
	return false
}

// Failure reasons surfaced on a FAILED result that never reached an adapter.
const (
	ReasonNoRecipients      = "no_recipients"
	ReasonNoEnabledChannels = "no_enabled_channels"
	ReasonExpired           = "expired"
)

// ChannelOutcome is the per-channel entry of a result. Deferred marks a
// quiet-hours hold: the channel was neither attempted nor failed.
type ChannelOutcome struct {
	Success           bool
	Deferred          bool
	ProviderMessageID string
	Error             string
}

// NotificationResult is the aggregate of one request. Once persisted it is
// immutable; corrections are new records, never in-place edits.
type NotificationResult struct {
	ID        string
	RequestID string
	Status    ResultStatus
	Reason    string
	Channels  map[Channel]ChannelOutcome
	CreatedAt time.Time
}

// AggregateStatus derives the result status from per-channel outcomes:
// SENT iff all succeeded, FAILED iff all failed, SCHEDULED iff all were
// deferred, PARTIAL otherwise. Deferred outcomes count as neither success
// nor failure.
func AggregateStatus(outcomes map[Channel]ChannelOutcome) ResultStatus {
	if len(outcomes) == 0 {
		return ResultFailed
	}

	var succeeded, failed, deferred int
	for _, outcome := range outcomes {
		switch {
		case outcome.Deferred:
			deferred++
		case outcome.Success:
			succeeded++
		default:
			failed++
		}
	}

	switch {
	case deferred == len(outcomes):
		return ResultScheduled
	case failed == 0 && succeeded > 0:
		return ResultSent
	case succeeded == 0 && deferred == 0:
		return ResultFailed
	default:
		return ResultPartial
	}
}

// FailedChannels lists channels that failed, with their errors, so a caller
// can retry exactly the failed subset.
func (r *NotificationResult) FailedChannels() map[Channel]string {
	failed := make(map[Channel]string)
	for channel, outcome := range r.Channels {
		if !outcome.Success && !outcome.Deferred {
			failed[channel] = outcome.Error
		}
	}
	return failed
}

// GroupResult aggregates per-member outcomes of a group send.
type GroupResult struct {
	ID           string
	GroupID      string
	Status       ResultStatus
	TotalCount   int
	SuccessCount int
	FailureCount int
	Members      []GroupMemberResult
	CreatedAt    time.Time
}

// GroupMemberResult is one member's slice of a group send. Errors are
// collected here, never raised out of the batch.
type GroupMemberResult struct {
	RecipientID string
	Result      *NotificationResult
	Error       string
}

// AggregateGroupStatus applies the deployment failure threshold: the group
// is FAILED only when the failed fraction reaches the threshold, SENT when
// nothing failed, PARTIAL otherwise.
func AggregateGroupStatus(total, failed int, failureThreshold float64) (ResultStatus, error) {
	if total <= 0 {
		return "", fmt.Errorf("%w: group result needs at least one member", ErrValidation)
	}
	if failureThreshold <= 0 || failureThreshold > 1 {
		return "", fmt.Errorf("%w: failure threshold must be in (0, 1]", ErrValidation)
	}

	switch {
	case failed == 0:
		return ResultSent, nil
	case float64(failed)/float64(total) >= failureThreshold:
		return ResultFailed, nil
	default:
		return ResultPartial, nil
	}
}

// AuditRecord is the durable summary persisted for every request, including
// fully failed ones.
type AuditRecord struct {
	ID            string
	RequestID     string
	CorrelationID string
	GroupID       string
	Recipients    []string
	TemplateName  string
	Category      string
	Priority      Priority
	Status        ResultStatus
	Reason        string
	Channels      map[Channel]ChannelOutcome
	CreatedAt     time.Time
}

// Group is a named recipient set addressable by one request.
type Group struct {
	ID        string
	Name      string
	MemberIDs []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveMembers filters out blank ids; group expansion works on this set.
func (g *Group) ActiveMembers() []string {
	if g == nil {
		return nil
	}
	members := make([]string, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		if strings.TrimSpace(id) != "" {
			members = append(members, id)
		}
	}
	return members
}
