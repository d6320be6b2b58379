package title

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/streamsync/events"
	"github.com/onnwee/streamsync/scheduler"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/telemetry"
	"github.com/onnwee/streamsync/twitchapi"
)

// Channel is the Helix channel write path.
type Channel interface {
	ModifyChannel(ctx context.Context, broadcasterID string, upd twitchapi.ChannelUpdate) (*twitchapi.Channel, int, error)
}

// GameIDs maps a game name to its Helix id.
type GameIDs interface {
	ResolveID(ctx context.Context, name string) (string, error)
}

// Messenger sends a chat reply to sender.
type Messenger interface {
	Reply(ctx context.Context, sender, text string) error
}

// Mutator changes title and game on behalf of a chat user or the admin endpoint.
type Mutator struct {
	ChannelID *scheduler.Ready[string]
	API       Channel
	Games     GameIDs
	Engine    *Engine
	Current   *state.Current
	Messenger Messenger
	Events    events.Publisher
	// Manual is raised after every completed change so the next drift check is skipped.
	Manual *state.Flag
}

// Result reports what the platform echoed back.
type Result struct {
	Title     string `json:"title"`
	Game      string `json:"game"`
	TitleOK   bool   `json:"titleChanged"`
	GameOK    bool   `json:"gameChanged"`
	HTTPState int    `json:"status"`
}

// SetTitleAndGame writes title and/or game (nil leaves it unchanged) in one update
// and replies to sender with the outcome of each.
func (m *Mutator) SetTitleAndGame(ctx context.Context, sender string, newTitle, newGame *string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "title.SetTitleAndGame")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "title"))

	bid, err := m.ChannelID.Wait(ctx)
	if err != nil {
		return nil, err
	}
	prev := m.Current.Snapshot()
	cache := m.Engine.Cache

	prevRaw, err := cache.RawStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("load raw title: %w", err)
	}
	prevGame, err := cache.Game(ctx)
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	// a failed attempt leaves the cached and published title and game as they were
	defer func() {
		if err == nil {
			return
		}
		if newTitle != nil {
			if rerr := cache.SetRawStatus(context.WithoutCancel(ctx), prevRaw); rerr != nil {
				logger.Warn("restore raw title", slog.Any("err", rerr))
			}
			m.Current.Update(ctx, func(s *state.Stats) { s.RawStatus = prev.RawStatus })
		}
		if newGame != nil {
			if rerr := cache.SetGame(context.WithoutCancel(ctx), prevGame); rerr != nil {
				logger.Warn("restore game", slog.Any("err", rerr))
			}
		}
	}()

	raw := prevRaw
	if newTitle != nil {
		raw = *newTitle
		if err = cache.SetRawStatus(ctx, raw); err != nil {
			return nil, fmt.Errorf("store raw title: %w", err)
		}
	}
	m.Current.Update(ctx, func(s *state.Stats) { s.RawStatus = raw })
	status := m.Engine.Render(ctx, raw)

	game := prevGame
	if newGame != nil {
		game = *newGame
		if err = cache.SetGame(ctx, game); err != nil {
			return nil, fmt.Errorf("store game: %w", err)
		}
	}

	gameID, err := m.Games.ResolveID(ctx, game)
	if err != nil {
		return nil, err
	}

	echo, code, err := m.API.ModifyChannel(twitchapi.WithCall(ctx, "setTitleAndGame"), bid, twitchapi.ChannelUpdate{Title: status, GameID: gameID})
	if code == 0 {
		code = twitchapi.StatusOf(err)
	}
	m.Current.SetConnected(code)
	if err != nil {
		logger.Error("set title and game", slog.Any("err", err))
		return nil, fmt.Errorf("set title and game: %w", err)
	}

	res := &Result{Title: echo.Title, Game: echo.GameName, HTTPState: code}
	if newGame != nil {
		if strings.TrimSpace(echo.GameName) == strings.TrimSpace(game) {
			res.GameOK = true
			m.reply(ctx, sender, "game.change.success", "$game", echo.GameName)
			if m.Events != nil {
				m.Events.Fire(events.GameChanged, events.Payload{"oldGame": prev.Game, "game": echo.GameName})
			}
			m.Current.Update(ctx, func(s *state.Stats) { s.Game = echo.GameName }, state.FieldGame)
		} else {
			m.reply(ctx, sender, "game.change.failed", "$game", prev.Game)
		}
	}
	if newTitle != nil {
		if strings.TrimSpace(echo.Title) == strings.TrimSpace(status) {
			res.TitleOK = true
			m.reply(ctx, sender, "title.change.success", "$title", echo.Title)
			if echo.Title != status {
				// changed outside of the bot; adopt what the platform stored
				if serr := cache.SetRawStatus(ctx, echo.Title); serr != nil {
					logger.Warn("store echoed title", slog.Any("err", serr))
				}
				m.Current.Update(ctx, func(s *state.Stats) { s.RawStatus = echo.Title })
			}
			m.Current.Update(ctx, func(s *state.Stats) { s.Status = echo.Title }, state.FieldStatus)
		} else {
			m.reply(ctx, sender, "title.change.failed", "$title", prev.Status)
		}
	}
	if m.Manual != nil {
		m.Manual.Set()
	}
	logger.Info("title and game updated", slog.String("title", echo.Title), slog.String("game", echo.GameName), slog.Bool("title_ok", res.TitleOK), slog.Bool("game_ok", res.GameOK))
	return res, nil
}

func (m *Mutator) reply(ctx context.Context, sender, key, placeholder, value string) {
	if m.Messenger == nil {
		return
	}
	text := strings.ReplaceAll(m.Engine.translate(key), placeholder, value)
	if err := m.Messenger.Reply(ctx, sender, text); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("send chat reply", slog.Any("err", err), slog.String("component", "title"))
	}
}
