package template

import (
	"strings"
	"unicode/utf8"

	"github.com/procurenet/notify-engine/internal/domain"
)

const ellipsis = "…"

// postProcess shapes rendered output to the channel's constraints: SMS is
// truncated to its segment limit, push bodies are capped, and email gets a
// derived plain-text form for clients that reject HTML.
func postProcess(content *domain.RenderedContent) {
	switch content.Channel {
	case domain.ChannelEmail:
		content.PlainText = stripHTML(content.Body)
	case domain.ChannelSMS:
		content.Body = truncateRunes(collapseWhitespace(content.Body), domain.MaxSMSContent)
	case domain.ChannelPush:
		content.Body = truncateRunes(content.Body, domain.MaxPushContent)
	}
}

// truncateRunes caps s at limit runes, replacing the final rune with an
// ellipsis when truncation happens. Limits are counted in runes, not
// bytes, so multibyte alphabets are not over-cut.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + ellipsis
}

// stripHTML derives a readable plain-text body from rendered HTML. Block
// boundaries become newlines and the usual entities are decoded; this is
// tag stripping, not an HTML renderer.
func stripHTML(html string) string {
	var b strings.Builder
	inTag := false
	tagStart := 0
	for i, r := range html {
		switch {
		case r == '<':
			inTag = true
			tagStart = i
		case r == '>' && inTag:
			inTag = false
			if isBlockTag(html[tagStart+1 : i]) {
				b.WriteByte('\n')
			}
		case !inTag:
			b.WriteRune(r)
		}
	}

	text := b.String()
	for entity, repl := range htmlEntities {
		text = strings.ReplaceAll(text, entity, repl)
	}

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = collapseWhitespace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var htmlEntities = map[string]string{
	"&nbsp;": " ",
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": `"`,
	"&#39;":  "'",
}

func isBlockTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(tag), "/"))
	if name, _, found := strings.Cut(tag, " "); found {
		tag = name
	}
	tag = strings.TrimPrefix(tag, "/")
	switch tag {
	case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
