// Package title renders channel titles containing $_name variables and
// implements the manual title/game change path.
package title

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// NotAvailable is the translation key substituted for unknown variables.
const NotAvailable = "webpanel.not-available"

var variableRE = regexp.MustCompile(`\$_[A-Za-z0-9_]+`)

// Variables looks up a custom variable by name (without the "$_" prefix).
type Variables interface {
	Variable(ctx context.Context, name string) (string, bool, error)
}

// Translator returns the localized text of key.
type Translator interface {
	Translate(key string) string
}

// Cache holds the raw (unrendered) title and the last game.
type Cache interface {
	RawStatus(ctx context.Context) (string, error)
	SetRawStatus(ctx context.Context, raw string) error
	Game(ctx context.Context) (string, error)
	SetGame(ctx context.Context, game string) error
}

// Engine expands $_name tokens.
type Engine struct {
	Vars  Variables
	T     Translator
	Cache Cache
}

// Render replaces every occurrence of each $_name token with its value.
func (e *Engine) Render(ctx context.Context, raw string) string {
	tokens := variableRE.FindAllString(raw, -1)
	if len(tokens) == 0 {
		return raw
	}
	values := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		if _, done := values[tok]; done {
			continue
		}
		values[tok] = e.lookup(ctx, strings.TrimPrefix(tok, "$_"))
	}
	return variableRE.ReplaceAllStringFunc(raw, func(tok string) string { return values[tok] })
}

func (e *Engine) lookup(ctx context.Context, name string) string {
	if e.Vars != nil {
		v, ok, err := e.Vars.Variable(ctx, name)
		if err != nil {
			slog.Warn("title variable lookup", slog.String("variable", name), slog.Any("err", err), slog.String("component", "title"))
		} else if ok {
			return v
		}
	}
	return e.translate(NotAvailable)
}

func (e *Engine) translate(key string) string {
	if e.T == nil {
		return key
	}
	return e.T.Translate(key)
}

// RenderCurrent renders the cached raw title.
func (e *Engine) RenderCurrent(ctx context.Context) (string, error) {
	raw, err := e.Cache.RawStatus(ctx)
	if err != nil {
		return "", err
	}
	return e.Render(ctx, raw), nil
}
