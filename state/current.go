// Package state holds the published snapshot of the channel as last seen by
// the pollers, plus the API connectivity flag.
package state

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/onnwee/streamsync/telemetry"
)

// Field names a persisted stats field. Keys in the store are "api.current.<field>".
type Field string

const (
	FieldViewers     Field = "viewers"
	FieldViews       Field = "views"
	FieldFollowers   Field = "followers"
	FieldHosts       Field = "hosts"
	FieldSubscribers Field = "subscribers"
	FieldBits        Field = "bits"
	FieldTips        Field = "tips"
	FieldStatus      Field = "status"
	FieldGame        Field = "game"
)

// Key returns the store key of f.
func (f Field) Key() string { return "api.current." + string(f) }

// Stats is a copy of the current channel numbers.
type Stats struct {
	Viewers     uint    `json:"viewers"`
	Views       uint    `json:"views"`
	Followers   uint    `json:"followers"`
	Hosts       uint    `json:"hosts"`
	Subscribers uint    `json:"subscribers"`
	Bits        uint    `json:"bits"`
	Tips        float64 `json:"tips"`
	RawStatus   string  `json:"rawStatus"`
	Status      string  `json:"status"`
	Game        string  `json:"game"`
	MaxViewers  uint    `json:"maxViewers"`
	NewChatters uint    `json:"newChatters"`
}

func (s Stats) value(f Field) string {
	switch f {
	case FieldViewers:
		return strconv.FormatUint(uint64(s.Viewers), 10)
	case FieldViews:
		return strconv.FormatUint(uint64(s.Views), 10)
	case FieldFollowers:
		return strconv.FormatUint(uint64(s.Followers), 10)
	case FieldHosts:
		return strconv.FormatUint(uint64(s.Hosts), 10)
	case FieldSubscribers:
		return strconv.FormatUint(uint64(s.Subscribers), 10)
	case FieldBits:
		return strconv.FormatUint(uint64(s.Bits), 10)
	case FieldTips:
		return strconv.FormatFloat(s.Tips, 'f', -1, 64)
	case FieldStatus:
		return s.Status
	case FieldGame:
		return s.Game
	}
	return ""
}

// Persister writes one stats field.
type Persister interface {
	SetValue(ctx context.Context, key, value string) error
}

// Current is the shared snapshot. Each field has one writing poller; anyone may read.
type Current struct {
	mu        sync.RWMutex
	stats     Stats
	connected atomic.Bool
	store     Persister
}

// New returns an empty snapshot. store may be nil.
func New(store Persister) *Current {
	return &Current{store: store}
}

// Restore seeds the snapshot from the persisted cache at startup.
func (c *Current) Restore(rawStatus, game string) {
	c.mu.Lock()
	c.stats.RawStatus = rawStatus
	c.stats.Game = game
	c.mu.Unlock()
}

// Snapshot returns a copy of the current stats.
func (c *Current) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Update mutates the stats under the write lock, then persists the named fields.
func (c *Current) Update(ctx context.Context, fn func(*Stats), persist ...Field) {
	c.mu.Lock()
	fn(&c.stats)
	snap := c.stats
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	for _, f := range persist {
		if err := c.store.SetValue(ctx, f.Key(), snap.value(f)); err != nil {
			slog.Warn("persist stats field", slog.String("field", string(f)), slog.Any("err", err), slog.String("component", "state"))
		}
	}
}

// Connected reports whether the last stream, follower or mutation call returned 200.
func (c *Current) Connected() bool { return c.connected.Load() }

// SetConnected records connectivity from an HTTP status. Zero means no response.
func (c *Current) SetConnected(status int) {
	ok := status == 200
	c.connected.Store(ok)
	telemetry.SetAPIConnected(ok)
}
