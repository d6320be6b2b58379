package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/telemetry"
)

// DriftThreshold is the number of consecutive title mismatches after which the
// platform's title is accepted as the new raw title.
const DriftThreshold = 15

// Drift counts consecutive disagreements between the platform title and the
// locally rendered one. Each polling call kind owns its own counter.
type Drift struct {
	mu    sync.Mutex
	count int
}

// Mismatch records one disagreement and reports whether it must now be accepted.
func (d *Drift) Mismatch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if d.count >= DriftThreshold {
		d.count = 0
		return true
	}
	return false
}

// Match resets the counter.
func (d *Drift) Match() {
	d.mu.Lock()
	d.count = 0
	d.mu.Unlock()
}

// Count returns the current number of consecutive mismatches.
func (d *Drift) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// TitleCache is the persisted raw title and game.
type TitleCache interface {
	RawStatus(ctx context.Context) (string, error)
	SetRawStatus(ctx context.Context, raw string) error
	SetGame(ctx context.Context, game string) error
}

// Renderer expands title variables.
type Renderer interface {
	Render(ctx context.Context, raw string) string
}

// GameResolver maps a game id to its name.
type GameResolver interface {
	Resolve(ctx context.Context, id string) string
}

// Observation is the title and game the platform currently reports.
type Observation struct {
	Title  string
	GameID string
	// GameName is used as is when set; otherwise GameID is resolved.
	GameName string
}

// TitleSync reconciles the platform title with the cached raw title.
type TitleSync struct {
	Current *state.Current
	Titles  TitleCache
	Render  Renderer
	Games   GameResolver
	// Manual suppresses exactly one comparison after a change made through the bot.
	Manual *state.Flag
}

// Apply compares obs against the rendered raw title. It returns false when the
// mismatch is still within the drift tolerance; the caller must then not act on obs.
func (t *TitleSync) Apply(ctx context.Context, drift *Drift, obs Observation) bool {
	if t.Manual != nil && t.Manual.Consume() {
		return true
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "stream"))

	raw, err := t.Titles.RawStatus(ctx)
	if err != nil {
		logger.Warn("load raw title", slog.Any("err", err))
		raw = t.Current.Snapshot().RawStatus
	}
	expected := t.Render.Render(ctx, raw)
	game := obs.GameName
	if game == "" {
		game = t.Games.Resolve(ctx, obs.GameID)
	}

	if obs.Title != expected {
		if !drift.Mismatch() {
			logger.Debug("title differs from rendered raw title", slog.String("platform", obs.Title), slog.String("expected", expected), slog.Int("retries", drift.Count()))
			return false
		}
		logger.Info("accepting title changed outside of the bot", slog.String("title", obs.Title))
		raw = obs.Title
	} else {
		drift.Match()
	}

	t.Current.Update(ctx, func(s *state.Stats) {
		s.RawStatus = raw
		s.Status = obs.Title
		s.Game = game
	}, state.FieldStatus, state.FieldGame)
	if err := t.Titles.SetRawStatus(ctx, raw); err != nil {
		logger.Warn("store raw title", slog.Any("err", err))
	}
	if err := t.Titles.SetGame(ctx, game); err != nil {
		logger.Warn("store game", slog.Any("err", err))
	}
	return true
}
