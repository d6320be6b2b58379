package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamsync/events"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/twitchapi"
)

type memCache struct {
	mu     sync.Mutex
	online bool
	when   Times
	raw    string
	game   string
}

func (c *memCache) IsOnline(context.Context) (bool, error) { return c.online, nil }
func (c *memCache) SetOnline(_ context.Context, v bool) error {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
	return nil
}
func (c *memCache) When(context.Context) (Times, error)      { return c.when, nil }
func (c *memCache) SetWhen(_ context.Context, t Times) error { c.when = t; return nil }
func (c *memCache) RawStatus(context.Context) (string, error) {
	return c.raw, nil
}
func (c *memCache) SetRawStatus(_ context.Context, raw string) error { c.raw = raw; return nil }
func (c *memCache) SetGame(_ context.Context, g string) error        { c.game = g; return nil }

type chessRenderer struct{}

// Render expands $_game to Chess so tests can tell raw and rendered titles apart.
func (chessRenderer) Render(_ context.Context, raw string) string {
	return strings.ReplaceAll(raw, "$_game", "Chess")
}

type staticGames map[string]string

func (g staticGames) Resolve(_ context.Context, id string) string { return g[id] }

type memSink struct{ rows []Snapshot }

func (s *memSink) SaveStats(_ context.Context, row Snapshot) error {
	s.rows = append(s.rows, row)
	return nil
}

type memHosts struct{ cleared int }

func (h *memHosts) ClearHosts(context.Context) error { h.cleared++; return nil }

type fixture struct {
	m     *Machine
	cache *memCache
	rec   *events.Recorder
	sink  *memSink
	hosts *memHosts
	cur   *state.Current
	lines uint64
}

func newFixture(raw string) *fixture {
	f := &fixture{
		cache: &memCache{raw: raw},
		rec:   &events.Recorder{},
		sink:  &memSink{},
		hosts: &memHosts{},
		cur:   state.New(nil),
	}
	f.m = &Machine{
		Current: f.cur,
		Events:  f.rec,
		Cache:   f.cache,
		Titles: &TitleSync{
			Current: f.cur,
			Titles:  f.cache,
			Render:  chessRenderer{},
			Games:   staticGames{"743": "Chess"},
			Manual:  &state.Flag{},
		},
		Stats:     f.sink,
		Hosts:     f.hosts,
		ChatLines: func() uint64 { return f.lines },
		now:       func() time.Time { return time.Date(2024, 10, 15, 20, 0, 0, 0, time.UTC) },
	}
	return f
}

var startedAt = time.Date(2024, 10, 15, 18, 0, 0, 0, time.UTC)

func live(title string, viewers uint) []twitchapi.Stream {
	return []twitchapi.Stream{{ID: "1", Type: "live", Title: title, GameID: "743", ViewerCount: viewers, StartedAt: startedAt}}
}

func TestMachine_OnlineOnFirstActiveResponse(t *testing.T) {
	f := newFixture("Playing $_game")
	f.lines = 100
	f.m.Observe(context.Background(), live("Playing Chess", 12))

	if f.m.State() != Online {
		t.Fatalf("state = %v, want online", f.m.State())
	}
	want := []string{
		events.StreamStarted, events.CommandSendXTimes, events.EveryXMinutesOfStream,
		events.ViewersAtLeastX, events.StreamIsRunningXMinutes, events.EveryXMinutesOfStream,
	}
	got := f.rec.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if ev := f.rec.Events()[1]; ev.Payload["reset"] != true {
		t.Errorf("command-send-x-times payload = %v, want reset", ev.Payload)
	}
	if !f.cache.online || !f.cache.when.Online.Equal(startedAt) {
		t.Errorf("cache = %+v", f.cache)
	}
	if f.hosts.cleared != 1 {
		t.Errorf("hosts cleared %d times", f.hosts.cleared)
	}
	snap := f.cur.Snapshot()
	if snap.Viewers != 12 || snap.MaxViewers != 12 || snap.Status != "Playing Chess" || snap.Game != "Chess" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(f.sink.rows) != 1 || !f.sink.rows[0].WhenOnline.Equal(startedAt) {
		t.Errorf("stats rows = %+v", f.sink.rows)
	}

	f.lines = 130
	f.m.Observe(context.Background(), live("Playing Chess", 8))
	if f.rec.Count(events.StreamStarted) != 1 {
		t.Error("stream-started fired twice for one stream")
	}
	last := f.sink.rows[len(f.sink.rows)-1]
	if last.ChatMessages != 30 || last.MaxViewers != 12 || last.Viewers != 8 {
		t.Errorf("second row = %+v", last)
	}
}

func TestMachine_OfflineAfterThreeEmpties(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()
	f.m.Observe(ctx, live("Playing Chess", 1))

	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	if f.m.State() != Online {
		t.Fatal("went offline before the third empty response")
	}
	f.m.Observe(ctx, nil)
	if f.m.State() != Offline {
		t.Fatal("still online after three empty responses")
	}
	if f.rec.Count(events.StreamStopped) != 1 {
		t.Errorf("stream-stopped fired %d times", f.rec.Count(events.StreamStopped))
	}
	if f.cache.online || f.cache.when.Offline.IsZero() {
		t.Errorf("cache = %+v", f.cache)
	}

	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	if f.rec.Count(events.StreamStopped) != 1 {
		t.Error("stream-stopped fired again while already offline")
	}
}

func TestMachine_ActiveResponseResetsOfflineCounter(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()
	f.m.Observe(ctx, live("Playing Chess", 1))
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, live("Playing Chess", 1))
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	if f.m.State() != Online {
		t.Error("offline counter was not reset by the active response")
	}
	if f.rec.Count(events.StreamStarted) != 1 {
		t.Errorf("stream-started = %d, want 1", f.rec.Count(events.StreamStarted))
	}
}

func TestMachine_DriftingActiveResponseResetsOfflineCounter(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()
	f.m.Observe(ctx, live("Playing Chess", 1))
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, live("Something else", 1))
	f.m.Observe(ctx, nil)
	if f.m.State() != Online {
		t.Fatalf("state = %v, want online after an intervening active response", f.m.State())
	}
	if f.rec.Count(events.StreamStopped) != 0 {
		t.Errorf("stream-stopped = %d, want 0", f.rec.Count(events.StreamStopped))
	}
	f.m.Observe(ctx, nil)
	f.m.Observe(ctx, nil)
	if f.m.State() != Offline {
		t.Error("three empties after the active response did not confirm offline")
	}
}

func TestMachine_OfflineAtStartupFiresNothing(t *testing.T) {
	f := newFixture("")
	f.m.Observe(context.Background(), nil)
	if n := len(f.rec.Events()); n != 0 {
		t.Errorf("events = %v", f.rec.Names())
	}
}

func TestMachine_DriftToleranceThenForceAccept(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()

	for i := 1; i < DriftThreshold; i++ {
		f.m.Observe(ctx, live("Changed on the website", 5))
		if f.m.State() != Offline {
			t.Fatalf("mismatch %d caused a transition", i)
		}
		if f.cache.raw != "Playing $_game" {
			t.Fatalf("mismatch %d replaced raw title", i)
		}
	}
	if len(f.rec.Events()) != 0 {
		t.Fatalf("events during drift tolerance: %v", f.rec.Names())
	}

	f.m.Observe(ctx, live("Changed on the website", 5))
	if f.cache.raw != "Changed on the website" {
		t.Errorf("raw = %q, want force-accepted title", f.cache.raw)
	}
	if f.m.State() != Online {
		t.Error("force-accepted observation did not transition")
	}
	if f.m.drift.Count() != 0 {
		t.Errorf("drift counter = %d after accept, want 0", f.m.drift.Count())
	}
}

func TestMachine_MatchResetsDrift(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.m.Observe(ctx, live("other", 1))
	}
	f.m.Observe(ctx, live("Playing Chess", 1))
	if f.m.drift.Count() != 0 {
		t.Errorf("drift = %d, want reset on match", f.m.drift.Count())
	}
}

func TestMachine_ManualChangeSkipsOneComparison(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()
	f.m.Titles.Manual.Set()

	f.m.Observe(ctx, live("stale title", 3))
	if f.m.State() != Online {
		t.Fatal("manual flag did not bypass the comparison")
	}
	if f.m.drift.Count() != 0 {
		t.Error("drift counted while manual flag was set")
	}
	f.m.Observe(ctx, live("stale title", 3))
	if f.m.drift.Count() != 1 {
		t.Errorf("drift = %d, want 1 once the flag was consumed", f.m.drift.Count())
	}
}

func TestMachine_WebhooksSuppressStartEvents(t *testing.T) {
	f := newFixture("Playing $_game")
	f.m.Webhooks = true
	f.m.Observe(context.Background(), live("Playing Chess", 1))
	if f.rec.Count(events.StreamStarted) != 0 || f.rec.Count(events.CommandSendXTimes) != 0 {
		t.Errorf("start events fired with webhooks enabled: %v", f.rec.Names())
	}
	if f.rec.Count(events.ViewersAtLeastX) != 1 {
		t.Error("periodic events must still fire")
	}
}

func TestMachine_StreamTypeChangeRestarts(t *testing.T) {
	f := newFixture("Playing $_game")
	ctx := context.Background()
	f.m.Observe(ctx, live("Playing Chess", 1))
	rerun := live("Playing Chess", 1)
	rerun[0].Type = "rerun"
	f.m.Observe(ctx, rerun)
	if f.rec.Count(events.StreamStarted) != 2 {
		t.Errorf("stream-started = %d, want 2 after type change", f.rec.Count(events.StreamStarted))
	}
}

func TestMachine_RestoreKeepsOnline(t *testing.T) {
	f := newFixture("Playing $_game")
	f.cache.online = true
	f.cache.when = Times{Online: startedAt}
	if err := f.m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.m.Observe(context.Background(), live("Playing Chess", 1))
	if f.rec.Count(events.StreamStarted) != 0 {
		t.Error("stream-started fired for a stream already live before restart")
	}
}
