// Package stream tracks whether the channel is live. A single active response
// brings it Online; it only goes Offline after several empty responses in a
// row, so a flaky poll does not end the stream.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamsync/events"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/telemetry"
	"github.com/onnwee/streamsync/twitchapi"
)

// OfflineConfirmations is the number of consecutive empty responses that end a stream.
const OfflineConfirmations = 3

// State of the stream.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Times are the start and end of the last stream. A zero value means unset.
type Times struct {
	Online  time.Time `json:"online"`
	Offline time.Time `json:"offline"`
}

// Cache persists the online flag and stream times across restarts.
type Cache interface {
	IsOnline(ctx context.Context) (bool, error)
	SetOnline(ctx context.Context, online bool) error
	When(ctx context.Context) (Times, error)
	SetWhen(ctx context.Context, t Times) error
}

// Snapshot is one stats row written while the stream is live.
type Snapshot struct {
	Timestamp    time.Time
	WhenOnline   time.Time
	Viewers      uint
	Subscribers  uint
	Bits         uint
	Tips         float64
	ChatMessages uint64
	Followers    uint
	Views        uint
	MaxViewers   uint
	NewChatters  uint
	Hosts        uint
}

// StatsSink stores stats snapshots.
type StatsSink interface {
	SaveStats(ctx context.Context, s Snapshot) error
}

// Hosts is the cached host list.
type Hosts interface {
	ClearHosts(ctx context.Context) error
}

// Machine is the Offline/Online state machine fed by the streams poll.
type Machine struct {
	Current *state.Current
	Events  events.Publisher
	Cache   Cache
	Titles  *TitleSync
	Stats   StatsSink
	Hosts   Hosts
	// ChatLines returns the number of chat lines parsed since startup.
	ChatLines func() uint64
	// Webhooks is set when stream start is announced by a webhook subscription instead.
	Webhooks bool

	now   func() time.Time
	drift Drift

	mu           sync.Mutex
	state        State
	offlineCount int
	streamType   string
	chatAtStart  uint64
	times        Times
}

func (m *Machine) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// Restore loads the persisted online flag and stream times.
func (m *Machine) Restore(ctx context.Context) error {
	online, err := m.Cache.IsOnline(ctx)
	if err != nil {
		return err
	}
	times, err := m.Cache.When(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		m.state = Online
		m.streamType = "live"
	}
	m.times = times
	telemetry.SetStreamOnline(online)
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Times returns the last stream start and end.
func (m *Machine) Times() Times {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.times
}

// Observe feeds one successful streams response into the machine.
func (m *Machine) Observe(ctx context.Context, streams []twitchapi.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(streams) > 0 {
		m.active(ctx, streams[0])
		return
	}
	m.empty(ctx)
}

func (m *Machine) active(ctx context.Context, s twitchapi.Stream) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "stream"))
	// any active response breaks the offline confirmation run, even a deferred one
	m.offlineCount = 0
	if m.Titles != nil && !m.Titles.Apply(ctx, &m.drift, Observation{Title: s.Title, GameID: s.GameID}) {
		return
	}

	if m.state == Offline || m.streamType != s.Type {
		logger.Info("stream online", slog.Time("started_at", s.StartedAt), slog.String("type", s.Type))
		m.times = Times{Online: s.StartedAt}
		if err := m.Cache.SetWhen(ctx, m.times); err != nil {
			logger.Warn("store stream times", slog.Any("err", err))
		}
		if m.ChatLines != nil {
			m.chatAtStart = m.ChatLines()
		}
		m.Current.Update(ctx, func(st *state.Stats) {
			st.Viewers = 0
			st.Bits = 0
			st.Tips = 0
			st.MaxViewers = 0
			st.NewChatters = 0
		}, state.FieldViewers, state.FieldBits, state.FieldTips)
		if m.Hosts != nil {
			if err := m.Hosts.ClearHosts(ctx); err != nil {
				logger.Warn("clear cached hosts", slog.Any("err", err))
			}
		}
		if !m.Webhooks {
			m.Events.Fire(events.StreamStarted, nil)
			m.Events.Fire(events.CommandSendXTimes, events.Reset())
			m.Events.Fire(events.EveryXMinutesOfStream, events.Reset())
		}
	}

	m.streamType = s.Type
	m.state = Online
	if err := m.Cache.SetOnline(ctx, true); err != nil {
		logger.Warn("store online flag", slog.Any("err", err))
	}
	telemetry.SetStreamOnline(true)

	m.Events.Fire(events.ViewersAtLeastX, nil)
	m.Events.Fire(events.StreamIsRunningXMinutes, nil)
	m.Events.Fire(events.EveryXMinutesOfStream, nil)

	m.saveStreamData(ctx, s)
}

func (m *Machine) saveStreamData(ctx context.Context, s twitchapi.Stream) {
	var snap state.Stats
	m.Current.Update(ctx, func(st *state.Stats) {
		st.Viewers = s.ViewerCount
		if st.MaxViewers < st.Viewers {
			st.MaxViewers = st.Viewers
		}
		snap = *st
	}, state.FieldViewers)

	if m.Stats == nil {
		return
	}
	var lines uint64
	if m.ChatLines != nil {
		lines = m.ChatLines() - m.chatAtStart
	}
	row := Snapshot{
		Timestamp:    m.clock(),
		WhenOnline:   m.times.Online,
		Viewers:      snap.Viewers,
		Subscribers:  snap.Subscribers,
		Bits:         snap.Bits,
		Tips:         snap.Tips,
		ChatMessages: lines,
		Followers:    snap.Followers,
		Views:        snap.Views,
		MaxViewers:   snap.MaxViewers,
		NewChatters:  snap.NewChatters,
		Hosts:        snap.Hosts,
	}
	if err := m.Stats.SaveStats(ctx, row); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("save stream stats", slog.Any("err", err), slog.String("component", "stream"))
	}
}

func (m *Machine) empty(ctx context.Context) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "stream"))
	if m.state == Online {
		m.offlineCount++
		if m.offlineCount < OfflineConfirmations {
			logger.Debug("stream offline check", slog.Int("retries", m.offlineCount), slog.Int("max", OfflineConfirmations))
			return
		}
	}

	m.offlineCount = 0
	m.state = Offline
	if err := m.Cache.SetOnline(ctx, false); err != nil {
		logger.Warn("store online flag", slog.Any("err", err))
	}
	telemetry.SetStreamOnline(false)

	if m.times.Offline.IsZero() && !m.times.Online.IsZero() {
		m.times.Offline = m.clock()
		if err := m.Cache.SetWhen(ctx, m.times); err != nil {
			logger.Warn("store stream times", slog.Any("err", err))
		}
		logger.Info("stream offline", slog.Time("online_at", m.times.Online))
		m.Events.Fire(events.StreamStopped, nil)
		m.Events.Fire(events.StreamIsRunningXMinutes, events.Reset())
		m.Events.Fire(events.ViewersAtLeastX, events.Reset())
	}
}
