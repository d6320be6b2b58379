package title

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memVars struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *memVars) Variable(_ context.Context, name string) (string, bool, error) {
	m.calls++
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.vals[name]
	return v, ok, nil
}

type memCache struct {
	mu   sync.Mutex
	raw  string
	game string
}

func (c *memCache) RawStatus(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw, nil
}

func (c *memCache) SetRawStatus(_ context.Context, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = raw
	return nil
}

func (c *memCache) Game(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game, nil
}

func (c *memCache) SetGame(_ context.Context, game string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.game = game
	return nil
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		raw  string
		want string
	}{
		{"no tokens", nil, "Just chatting", "Just chatting"},
		{"every occurrence replaced", map[string]string{"game": "Chess"}, "Playing $_game today, $_game!", "Playing Chess today, Chess!"},
		{"unknown fills both", nil, "Playing $_game today, $_game!", "Playing n/a today, n/a!"},
		{"mixed known and unknown", map[string]string{"day": "5"}, "Day $_day of $_challenge", "Day 5 of n/a"},
		{"prefix tokens stay distinct", map[string]string{"a": "1", "ab": "2"}, "$_a $_ab", "1 2"},
		{"dollar without underscore", map[string]string{"game": "Chess"}, "$game costs $5", "$game costs $5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Engine{Vars: &memVars{vals: tt.vars}, T: NewCatalog("en")}
			if got := e.Render(context.Background(), tt.raw); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRender_LooksUpEachKeyOnce(t *testing.T) {
	vars := &memVars{vals: map[string]string{"game": "Chess"}}
	e := &Engine{Vars: vars, T: NewCatalog("en")}
	e.Render(context.Background(), "$_game $_game $_game")
	if vars.calls != 1 {
		t.Errorf("lookups = %d, want 1", vars.calls)
	}
}

func TestRender_LookupErrorUsesPlaceholder(t *testing.T) {
	e := &Engine{Vars: &memVars{err: errors.New("db down")}, T: NewCatalog("en")}
	if got := e.Render(context.Background(), "Hi $_x"); got != "Hi n/a" {
		t.Errorf("Render() = %q, want %q", got, "Hi n/a")
	}
}

func TestRenderCurrent(t *testing.T) {
	e := &Engine{
		Vars:  &memVars{vals: map[string]string{"game": "Chess"}},
		T:     NewCatalog("en"),
		Cache: &memCache{raw: "Playing $_game"},
	}
	got, err := e.RenderCurrent(context.Background())
	if err != nil || got != "Playing Chess" {
		t.Errorf("RenderCurrent() = %q, %v", got, err)
	}
}

func TestCatalog_Fallback(t *testing.T) {
	c := NewCatalog("cs")
	if got := c.Translate("game.change.success"); got == "" || got == "game.change.success" {
		t.Errorf("cs translation missing: %q", got)
	}
	c = NewCatalog("de")
	if got := c.Translate(NotAvailable); got != "n/a" {
		t.Errorf("fallback to en = %q", got)
	}
	if got := c.Translate("no.such.key"); got != "no.such.key" {
		t.Errorf("unknown key = %q", got)
	}
}
