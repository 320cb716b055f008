package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLanguage is the platform fallback for recipients without an
// explicit language and for template lookup.
const DefaultLanguage = "en"

// Preferences is the per-recipient opt-in state. Records are created lazily
// with defaults on first lookup and are never deleted, only reset.
type Preferences struct {
	RecipientID string
	Channels    map[Channel]bool
	// Categories maps a channel to its enabled category tags. A missing or
	// empty set means every category is enabled for that channel.
	Categories map[Channel][]string
	Language   string
	QuietHours *QuietHours
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DefaultPreferences materializes the platform defaults: every channel
// enabled except SMS, all categories, platform language, no quiet hours.
func DefaultPreferences(recipientID string) *Preferences {
	channels := make(map[Channel]bool, len(AllChannels()))
	for _, channel := range AllChannels() {
		channels[channel] = channel != ChannelSMS
	}
	return &Preferences{
		RecipientID: recipientID,
		Channels:    channels,
		Categories:  make(map[Channel][]string),
		Language:    DefaultLanguage,
	}
}

// PermissivePreferences enables every channel with no category or quiet
// restrictions. The delivery path falls back to it when the preference
// store is unreachable: fail open means assume the notification is
// allowed, trading possible over-delivery for no silent loss.
func PermissivePreferences(recipientID string) *Preferences {
	channels := make(map[Channel]bool, len(AllChannels()))
	for _, channel := range AllChannels() {
		channels[channel] = true
	}
	return &Preferences{
		RecipientID: recipientID,
		Channels:    channels,
		Categories:  make(map[Channel][]string),
		Language:    DefaultLanguage,
	}
}

// ChannelEnabled reports whether the recipient accepts the channel at all.
func (p *Preferences) ChannelEnabled(channel Channel) bool {
	if p == nil || p.Channels == nil {
		return false
	}
	return p.Channels[channel]
}

// CategoryEnabled reports whether the category is accepted on the channel.
// A blank category is treated as uncategorized and always accepted on an
// enabled channel.
func (p *Preferences) CategoryEnabled(channel Channel, category string) bool {
	if !p.ChannelEnabled(channel) {
		return false
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return true
	}
	enabled := p.Categories[channel]
	if len(enabled) == 0 {
		return true
	}
	for _, tag := range enabled {
		if strings.EqualFold(tag, category) {
			return true
		}
	}
	return false
}

// ResolvedLanguage returns the recipient language or the platform default.
func (p *Preferences) ResolvedLanguage() string {
	if p == nil || strings.TrimSpace(p.Language) == "" {
		return DefaultLanguage
	}
	return strings.ToLower(strings.TrimSpace(p.Language))
}

// QuietHours is a recipient-local time-of-day window. Start after End means
// the window wraps midnight.
type QuietHours struct {
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string // IANA name, e.g. "America/Toronto"
}

func (q *QuietHours) Validate() error {
	if q == nil {
		return nil
	}
	if _, err := parseClock(q.Start); err != nil {
		return fmt.Errorf("%w: quiet hours start: %v", ErrValidation, err)
	}
	if _, err := parseClock(q.End); err != nil {
		return fmt.Errorf("%w: quiet hours end: %v", ErrValidation, err)
	}
	if _, err := time.LoadLocation(q.Timezone); err != nil {
		return fmt.Errorf("%w: quiet hours timezone %q: %v", ErrValidation, q.Timezone, err)
	}
	return nil
}

// Contains reports whether now falls inside the quiet window in the
// recipient's timezone. An unparseable window is treated as inactive so a
// bad record cannot silently hold messages.
func (q *QuietHours) Contains(now time.Time) bool {
	if q == nil {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return false
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Window spans midnight, e.g. 22:00-08:00.
	return minute >= start || minute < end
}

// NextEnd returns the first instant at or after now when the quiet window
// closes; callers schedule deferred deliveries at this time. Returns now
// unchanged when the window is inactive.
func (q *QuietHours) NextEnd(now time.Time) time.Time {
	if !q.Contains(now) {
		return now
	}
	end, err := parseClock(q.End)
	if err != nil {
		return now
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return now
	}

	local := now.In(loc)
	endToday := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)
	if !endToday.After(local) {
		endToday = endToday.AddDate(0, 0, 1)
	}
	return endToday
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}
