// Package games memoizes Helix game ids and names. Entries are created lazily
// and never evicted.
package games

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/streamsync/twitchapi"
)

// Lookup is the Helix games endpoint.
type Lookup interface {
	GetGame(ctx context.Context, id, name string) (*twitchapi.Game, error)
}

// Store persists resolved names.
type Store interface {
	GameName(ctx context.Context, id string) (string, bool, error)
	SaveGameName(ctx context.Context, id, name string) error
}

// Cache resolves game ids to names, falling back to the current game when the platform cannot.
type Cache struct {
	api      Lookup
	store    Store
	fallback func() string

	mu    sync.RWMutex
	names map[string]string // id -> name
	ids   map[string]string // lower(name) -> id
}

// NewCache builds a cache. store may be nil; fallback returns the current game.
func NewCache(api Lookup, store Store, fallback func() string) *Cache {
	if fallback == nil {
		fallback = func() string { return "" }
	}
	return &Cache{
		api:      api,
		store:    store,
		fallback: fallback,
		names:    map[string]string{},
		ids:      map[string]string{},
	}
}

func (c *Cache) remember(id, name string) {
	c.mu.Lock()
	c.names[id] = name
	c.ids[strings.ToLower(name)] = id
	c.mu.Unlock()
}

func (c *Cache) cached(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

// Resolve returns the name of game id. An empty id resolves to "" without any call.
func (c *Cache) Resolve(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if name, ok := c.cached(id); ok {
		return name
	}
	logger := slog.Default().With(slog.String("component", "games"), slog.String("game_id", id))
	if c.store != nil {
		name, ok, err := c.store.GameName(ctx, id)
		if err != nil {
			logger.Warn("load cached game name", slog.Any("err", err))
		} else if ok {
			c.remember(id, name)
			return name
		}
	}

	g, err := c.api.GetGame(ctx, id, "")
	if err != nil || g == nil || g.Name == "" {
		current := c.fallback()
		logger.Warn("game name lookup failed, using current game", slog.String("fallback", current), slog.Any("err", err))
		return current
	}
	c.remember(id, g.Name)
	if c.store != nil {
		if err := c.store.SaveGameName(ctx, id, g.Name); err != nil {
			logger.Warn("store game name", slog.Any("err", err))
		}
	}
	return g.Name
}

// ResolveID returns the id of the game called name. An empty name yields "".
func (c *Cache) ResolveID(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	c.mu.RLock()
	id, ok := c.ids[strings.ToLower(name)]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	g, err := c.api.GetGame(ctx, "", name)
	if err != nil {
		return "", fmt.Errorf("look up game %q: %w", name, err)
	}
	if g == nil {
		return "", fmt.Errorf("game %q not found", name)
	}
	c.remember(g.ID, g.Name)
	if c.store != nil {
		if err := c.store.SaveGameName(ctx, g.ID, g.Name); err != nil {
			slog.Warn("store game name", slog.String("game_id", g.ID), slog.Any("err", err), slog.String("component", "games"))
		}
	}
	return g.ID, nil
}
