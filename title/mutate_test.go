package title

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamsync/events"
	"github.com/onnwee/streamsync/scheduler"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/twitchapi"
)

type fakeChannel struct {
	mu      sync.Mutex
	updates []twitchapi.ChannelUpdate
	// echo fields override what the platform reports back; nil stores the update as sent.
	echoTitle *string
	echoGame  *string
	err       error
}

func (f *fakeChannel) ModifyChannel(_ context.Context, bid string, upd twitchapi.ChannelUpdate) (*twitchapi.Channel, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
	if f.err != nil {
		return nil, 0, f.err
	}
	ch := &twitchapi.Channel{BroadcasterID: bid, Title: upd.Title, GameID: upd.GameID, GameName: gameNames[upd.GameID]}
	if f.echoTitle != nil {
		ch.Title = *f.echoTitle
	}
	if f.echoGame != nil {
		ch.GameName = *f.echoGame
	}
	return ch, 200, nil
}

var gameNames = map[string]string{"743": "Chess", "509658": "Just Chatting"}

type fakeGames struct{}

func (fakeGames) ResolveID(_ context.Context, name string) (string, error) {
	for id, n := range gameNames {
		if n == name {
			return id, nil
		}
	}
	if name == "" {
		return "", nil
	}
	return "", errors.New("game not found")
}

type reply struct{ sender, text string }

type fakeMessenger struct {
	mu      sync.Mutex
	replies []reply
}

func (m *fakeMessenger) Reply(_ context.Context, sender, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply{sender, text})
	return nil
}

type fixture struct {
	m     *Mutator
	api   *fakeChannel
	cache *memCache
	msgs  *fakeMessenger
	rec   *events.Recorder
	cur   *state.Current
}

func newFixture() *fixture {
	ready := scheduler.NewReady[string]()
	ready.Set("1234")
	f := &fixture{
		api:   &fakeChannel{},
		cache: &memCache{raw: "Old title", game: "Just Chatting"},
		msgs:  &fakeMessenger{},
		rec:   &events.Recorder{},
		cur:   state.New(nil),
	}
	f.cur.Update(context.Background(), func(s *state.Stats) {
		s.RawStatus = "Old title"
		s.Status = "Old title"
		s.Game = "Just Chatting"
	})
	f.m = &Mutator{
		ChannelID: ready,
		API:       f.api,
		Games:     fakeGames{},
		Engine:    &Engine{Vars: &memVars{vals: map[string]string{"game": "Chess"}}, T: NewCatalog("en"), Cache: f.cache},
		Current:   f.cur,
		Messenger: f.msgs,
		Events:    f.rec,
		Manual:    &state.Flag{},
	}
	return f
}

func ptr(s string) *string { return &s }

func TestSetTitleAndGame_Success(t *testing.T) {
	f := newFixture()
	res, err := f.m.SetTitleAndGame(context.Background(), "alice", ptr("Playing $_game"), ptr("Chess"))
	if err != nil {
		t.Fatalf("SetTitleAndGame() error = %v", err)
	}
	if !res.TitleOK || !res.GameOK {
		t.Errorf("result = %+v", res)
	}
	if len(f.api.updates) != 1 {
		t.Fatalf("updates = %d, want one combined update", len(f.api.updates))
	}
	if upd := f.api.updates[0]; upd.Title != "Playing Chess" || upd.GameID != "743" {
		t.Errorf("update = %+v", upd)
	}
	if f.cache.raw != "Playing $_game" {
		t.Errorf("raw title not stored: %q", f.cache.raw)
	}
	if f.cache.game != "Chess" {
		t.Errorf("game not stored: %q", f.cache.game)
	}
	want := []string{"Game was changed to Chess", "Title was changed to: Playing Chess"}
	if len(f.msgs.replies) != 2 || f.msgs.replies[0].text != want[0] || f.msgs.replies[1].text != want[1] {
		t.Errorf("replies = %+v", f.msgs.replies)
	}
	if f.msgs.replies[0].sender != "alice" {
		t.Errorf("reply sender = %q", f.msgs.replies[0].sender)
	}
	evs := f.rec.Events()
	if len(evs) != 1 || evs[0].Name != events.GameChanged || evs[0].Payload["oldGame"] != "Just Chatting" || evs[0].Payload["game"] != "Chess" {
		t.Errorf("events = %+v", evs)
	}
	snap := f.cur.Snapshot()
	if snap.Game != "Chess" || snap.Status != "Playing Chess" || snap.RawStatus != "Playing $_game" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !f.cur.Connected() {
		t.Error("connectivity not set from 200 echo")
	}
	if !f.m.Manual.Consume() {
		t.Error("manual-change flag not set")
	}
}

func TestSetTitleAndGame_FailureRepliesWithPrevious(t *testing.T) {
	f := newFixture()
	f.api.echoTitle = ptr("Old title")
	f.api.echoGame = ptr("Just Chatting")

	res, err := f.m.SetTitleAndGame(context.Background(), "bob", ptr("New title"), ptr("Chess"))
	if err != nil {
		t.Fatalf("SetTitleAndGame() error = %v", err)
	}
	if res.TitleOK || res.GameOK {
		t.Errorf("result = %+v", res)
	}
	want := []string{"Game change failed, game is still Just Chatting", "Title change failed, title is still: Old title"}
	for i, w := range want {
		if i >= len(f.msgs.replies) || f.msgs.replies[i].text != w {
			t.Errorf("reply %d = %+v, want %q", i, f.msgs.replies, w)
		}
	}
	if f.rec.Count(events.GameChanged) != 0 {
		t.Error("game-changed fired on mismatch")
	}
	if got := f.cur.Snapshot().Game; got != "Just Chatting" {
		t.Errorf("game = %q, want unchanged", got)
	}
	if !f.m.Manual.Consume() {
		t.Error("manual-change flag not set after a completed call")
	}
}

func TestSetTitleAndGame_TitleOnlyUsesCachedGame(t *testing.T) {
	f := newFixture()
	_, err := f.m.SetTitleAndGame(context.Background(), "alice", ptr("Hello"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if upd := f.api.updates[0]; upd.GameID != "509658" {
		t.Errorf("game id = %q, want cached game id", upd.GameID)
	}
	if len(f.msgs.replies) != 1 || !strings.HasPrefix(f.msgs.replies[0].text, "Title was changed") {
		t.Errorf("replies = %+v", f.msgs.replies)
	}
}

func TestSetTitleAndGame_EchoDiffersOnlyInWhitespace(t *testing.T) {
	f := newFixture()
	f.api.echoTitle = ptr("Hello ")
	if _, err := f.m.SetTitleAndGame(context.Background(), "alice", ptr("Hello"), nil); err != nil {
		t.Fatal(err)
	}
	if f.cache.raw != "Hello " {
		t.Errorf("raw = %q, want echoed title adopted", f.cache.raw)
	}
}

func TestSetTitleAndGame_CallFailureLeavesState(t *testing.T) {
	f := newFixture()
	f.api.err = &twitchapi.PlatformError{Status: 401, Message: "invalid token"}
	_, err := f.m.SetTitleAndGame(context.Background(), "alice", nil, ptr("Chess"))
	if err == nil {
		t.Fatal("expected error")
	}
	if twitchapi.StatusOf(err) != 401 {
		t.Errorf("StatusOf(err) = %d", twitchapi.StatusOf(err))
	}
	if len(f.msgs.replies) != 0 {
		t.Errorf("replies = %+v", f.msgs.replies)
	}
	if f.cur.Connected() {
		t.Error("connected after 401")
	}
	if f.m.Manual.Consume() {
		t.Error("manual flag set after failed call")
	}
}

func TestSetTitleAndGame_FailureRestoresTitleAndGame(t *testing.T) {
	tests := []struct {
		name string
		err  error
		game *string
	}{
		{"refused", &twitchapi.TransportError{Kind: twitchapi.KindRefused, Err: errors.New("connection refused")}, nil},
		{"platform error with game", &twitchapi.PlatformError{Status: 500, Message: "boom"}, ptr("Chess")},
		{"unknown game", nil, ptr("No Such Game")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.api.err = tt.err
			if _, err := f.m.SetTitleAndGame(context.Background(), "alice", ptr("New $_x"), tt.game); err == nil {
				t.Fatal("expected error")
			}
			if f.cache.raw != "Old title" {
				t.Errorf("cache raw = %q, want Old title", f.cache.raw)
			}
			if f.cache.game != "Just Chatting" {
				t.Errorf("cache game = %q, want Just Chatting", f.cache.game)
			}
			snap := f.cur.Snapshot()
			if snap.RawStatus != "Old title" || snap.Status != "Old title" || snap.Game != "Just Chatting" {
				t.Errorf("snapshot = %+v", snap)
			}
			if f.m.Manual.Consume() {
				t.Error("manual flag set after failed call")
			}
		})
	}
}

func TestSetTitleAndGame_WaitsForChannelID(t *testing.T) {
	f := newFixture()
	f.m.ChannelID = scheduler.NewReady[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.m.SetTitleAndGame(ctx, "alice", ptr("x"), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if len(f.api.updates) != 0 {
		t.Error("update issued before channel id resolved")
	}
}
