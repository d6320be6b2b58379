package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamsync/followers"
	"github.com/onnwee/streamsync/state"
)

// Users is the user directory the bridge writes chatters into.
type Users interface {
	UserByName(ctx context.Context, username string) (*followers.User, error)
	SaveUser(ctx context.Context, id, username string) error
}

// FollowChecker queues a single-user follow check.
type FollowChecker interface {
	RequestCheck(ctx context.Context, username string)
}

type sayer interface {
	Say(channel, text string)
}

// ErrNotConnected is returned by Reply before the IRC client is connected.
var ErrNotConnected = errors.New("chat not connected")

// Bridge is the IRC side of the engine.
type Bridge struct {
	Channel  string
	Username string
	OAuth    string
	Users    Users
	Follows  FollowChecker
	Current  *state.Current

	lines atomic.Uint64

	mu  sync.RWMutex
	out sayer
}

// Lines returns the number of chat lines parsed since startup.
func (b *Bridge) Lines() uint64 { return b.lines.Load() }

// Run connects to IRC and blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	if b.Channel == "" || b.Username == "" || b.OAuth == "" {
		slog.Info("twitch creds not set; skipping chat bridge", slog.String("component", "chat"))
		return
	}
	oauth := b.OAuth
	if !strings.HasPrefix(oauth, "oauth:") {
		oauth = "oauth:" + oauth
	}
	client := twitch.NewClient(b.Username, oauth)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		b.handle(ctx, msg.User.ID, msg.User.Name)
	})
	client.OnConnect(func() {
		slog.Info("chat connected", slog.String("channel", b.Channel), slog.String("component", "chat"))
	})

	b.mu.Lock()
	b.out = client
	b.mu.Unlock()

	// Handle context cancellation by closing the client
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			slog.Debug("chat disconnect", slog.Any("err", err), slog.String("component", "chat"))
		}
		close(done)
	}()

	client.Join(b.Channel)
	if err := client.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		slog.Error("twitch chat connect error", slog.Any("err", err), slog.String("component", "chat"))
	}
	<-done

	b.mu.Lock()
	b.out = nil
	b.mu.Unlock()
}

func (b *Bridge) handle(ctx context.Context, userID, username string) {
	b.lines.Add(1)
	username = strings.ToLower(username)
	if username == "" || b.Users == nil {
		return
	}
	logger := slog.Default().With(slog.String("component", "chat"), slog.String("username", username))

	u, err := b.Users.UserByName(ctx, username)
	if err != nil {
		logger.Warn("load chatter", slog.Any("err", err))
		return
	}
	if u == nil && b.Current != nil {
		b.Current.Update(ctx, func(s *state.Stats) { s.NewChatters++ })
	}
	if userID != "" && (u == nil || u.ID != userID) {
		if err := b.Users.SaveUser(ctx, userID, username); err != nil {
			logger.Warn("save chatter", slog.Any("err", err))
			return
		}
	}
	if b.Follows != nil {
		b.Follows.RequestCheck(ctx, username)
	}
}

// Reply sends text to the channel, addressed to sender when set.
func (b *Bridge) Reply(_ context.Context, sender, text string) error {
	b.mu.RLock()
	out := b.out
	b.mu.RUnlock()
	if out == nil {
		return ErrNotConnected
	}
	if sender != "" {
		text = "@" + sender + ", " + text
	}
	out.Say(b.Channel, text)
	return nil
}
