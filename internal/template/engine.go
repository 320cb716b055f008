package template

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
	"go.uber.org/zap"
)

// Engine renders channel content from stored templates. Compiled token
// lists are cached by (name, language) and evicted only through
// Invalidate; template versions are immutable so there is no time-based
// expiry.
type Engine struct {
	repo   repository.TemplateRepository
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*compiledTemplate
}

type cacheKey struct {
	name     string
	language string
}

func NewEngine(repo repository.TemplateRepository, logger *zap.Logger) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("template repository is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	return &Engine{
		repo:   repo,
		logger: logger,
		cache:  make(map[cacheKey]*compiledTemplate),
	}, nil
}

// Render produces the channel-ready content for one (template, language,
// channel) combination. Lookup falls back to the default language before
// returning domain.ErrTemplateNotFound. Placeholders without a value in
// data render verbatim and are reported in UnresolvedVariables.
func (e *Engine) Render(ctx context.Context, name, language string, channel domain.Channel, data map[string]string) (*domain.RenderedContent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: template name is required", domain.ErrValidation)
	}
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	if strings.TrimSpace(language) == "" {
		language = domain.DefaultLanguage
	}

	compiled, err := e.lookup(ctx, name, language)
	if err != nil {
		return nil, err
	}

	fragment, ok := compiled.fragments[channel]
	if !ok {
		return nil, fmt.Errorf("%w: template %q has no %s fragment", domain.ErrTemplateNotFound, name, channel)
	}

	unresolved := make(map[string]struct{})
	subject := fragment.subject.render(data, unresolved)
	body := fragment.body.render(data, unresolved)

	content := &domain.RenderedContent{
		Channel:             channel,
		Subject:             subject,
		Body:                body,
		UnresolvedVariables: sortedKeys(unresolved),
	}
	postProcess(content)
	return content, nil
}

// Invalidate evicts the compiled form for exactly (name, language). It is
// a no-op when the key was never rendered.
func (e *Engine) Invalidate(name, language string) {
	e.mu.Lock()
	delete(e.cache, cacheKey{name: name, language: language})
	e.mu.Unlock()
}

func (e *Engine) lookup(ctx context.Context, name, language string) (*compiledTemplate, error) {
	if compiled := e.cached(name, language); compiled != nil {
		return compiled, nil
	}

	tmpl, err := e.repo.GetActive(ctx, name, language)
	if errors.Is(err, domain.ErrTemplateNotFound) && language != domain.DefaultLanguage {
		e.logger.Debug("template language fallback",
			zap.String("template", name),
			zap.String("requested_language", language),
			zap.String("fallback_language", domain.DefaultLanguage),
		)
		if compiled := e.cached(name, domain.DefaultLanguage); compiled != nil {
			return compiled, nil
		}
		tmpl, err = e.repo.GetActive(ctx, name, domain.DefaultLanguage)
	}
	if err != nil {
		return nil, err
	}

	compiled := compile(tmpl)

	// Keyed by the language the store actually served, so a fallback
	// render shares the default-language entry and its invalidation.
	e.mu.Lock()
	e.cache[cacheKey{name: tmpl.Name, language: tmpl.Language}] = compiled
	e.mu.Unlock()

	return compiled, nil
}

func (e *Engine) cached(name, language string) *compiledTemplate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache[cacheKey{name: name, language: language}]
}

type compiledTemplate struct {
	fragments map[domain.Channel]compiledFragment
}

type compiledFragment struct {
	subject tokenList
	body    tokenList
}

func compile(tmpl *domain.Template) *compiledTemplate {
	compiled := &compiledTemplate{fragments: make(map[domain.Channel]compiledFragment)}
	for _, channel := range domain.AllChannels() {
		subject, body := tmpl.Fragments.Source(channel)
		if subject == "" && body == "" {
			continue
		}
		compiled.fragments[channel] = compiledFragment{
			subject: tokenize(subject),
			body:    tokenize(body),
		}
	}
	return compiled
}

// tokenList is a pre-parsed fragment: literals interleaved with
// placeholder references, so a render is a single pass with no scanning.
type tokenList []token

type token struct {
	// raw is the source text, kept so unresolved placeholders render
	// verbatim including their braces.
	raw      string
	variable string
}

func tokenize(source string) tokenList {
	var tokens tokenList
	rest := source
	for rest != "" {
		open := strings.Index(rest, "{{")
		if open < 0 {
			tokens = append(tokens, token{raw: rest})
			break
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			tokens = append(tokens, token{raw: rest})
			break
		}
		close += open
		if open > 0 {
			tokens = append(tokens, token{raw: rest[:open]})
		}
		raw := rest[open : close+2]
		name := strings.TrimSpace(rest[open+2 : close])
		if name == "" {
			tokens = append(tokens, token{raw: raw})
		} else {
			tokens = append(tokens, token{raw: raw, variable: name})
		}
		rest = rest[close+2:]
	}
	return tokens
}

func (l tokenList) render(data map[string]string, unresolved map[string]struct{}) string {
	var b strings.Builder
	for _, tok := range l {
		if tok.variable == "" {
			b.WriteString(tok.raw)
			continue
		}
		value, ok := data[tok.variable]
		if !ok {
			unresolved[tok.variable] = struct{}{}
			b.WriteString(tok.raw)
			continue
		}
		b.WriteString(value)
	}
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
