package domain

import (
	"fmt"
	"strings"
	"time"
)

// Template is a named, versioned message definition keyed by
// (name, language). Edits create a new active version; compiled forms are
// evicted from the render cache by the same key.
type Template struct {
	Name      string
	Language  string
	Version   int
	Active    bool
	Fragments ChannelFragments
	// RequiredVariables lists placeholder names the payload must provide.
	RequiredVariables []string
	CreatedAt         time.Time
}

// ChannelFragments holds the per-channel subject/body sources, each
// containing {{variable}} placeholders.
type ChannelFragments struct {
	EmailSubject string
	EmailHTML    string
	SMSText      string
	PushTitle    string
	PushBody     string
	InAppText    string
}

func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: template name is required", ErrValidation)
	}
	if strings.TrimSpace(t.Language) == "" {
		return fmt.Errorf("%w: template language is required", ErrValidation)
	}
	empty := ChannelFragments{}
	if t.Fragments == empty {
		return fmt.Errorf("%w: template %q has no channel fragments", ErrValidation, t.Name)
	}
	return nil
}

// Source returns the raw fragment pair for one channel. For single-body
// channels the subject is empty.
func (f ChannelFragments) Source(channel Channel) (subject, body string) {
	switch channel {
	case ChannelEmail:
		return f.EmailSubject, f.EmailHTML
	case ChannelSMS:
		return "", f.SMSText
	case ChannelPush:
		return f.PushTitle, f.PushBody
	case ChannelInApp:
		return "", f.InAppText
	}
	return "", ""
}

// RenderedContent is the channel-ready output of a template render.
type RenderedContent struct {
	Channel Channel
	Subject string
	Body    string
	// PlainText is the derived text form for email clients that reject HTML.
	PlainText string
	// UnresolvedVariables lists placeholders left verbatim because the data
	// payload had no value for them.
	UnresolvedVariables []string
}
