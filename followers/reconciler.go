// Package followers keeps the follower flags of known users in line with the
// platform: a periodic bulk pass over the latest followers and a rate-limited
// queue of single-user checks triggered from chat.
package followers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/streamsync/events"
	"github.com/onnwee/streamsync/scheduler"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/telemetry"
	"github.com/onnwee/streamsync/twitchapi"
)

const (
	// RecentFollow is how old a follow may be and still be announced.
	RecentFollow = 60 * time.Minute
	// CheckStaleness is the minimum age of the last check before a user is checked again.
	CheckStaleness = 30 * time.Minute
	// CheckTick is the interval between two queue pops.
	CheckTick = 500 * time.Millisecond
	// BulkPageSize is the number of latest followers fetched by the bulk pass.
	BulkPageSize = 100
)

// User is a chat user as the directory knows it.
type User struct {
	ID              string    `db:"id"`
	Username        string    `db:"username"`
	IsFollower      bool      `db:"is_follower"`
	FollowedAt      time.Time `db:"followed_at"`
	LastFollowCheck time.Time `db:"last_follow_check"`
	IsSubscriber    bool      `db:"is_subscriber"`
}

// Directory is the user store. Lookups return nil, nil for unknown users.
type Directory interface {
	UserByID(ctx context.Context, id string) (*User, error)
	UserByName(ctx context.Context, username string) (*User, error)
	SaveUser(ctx context.Context, id, username string) error
	SetFollow(ctx context.Context, id string, follower bool, followedAt, checkedAt time.Time) error
}

// API is the subset of Helix the reconciler calls.
type API interface {
	GetChannelFollowers(ctx context.Context, broadcasterID, userID string, first int) (*twitchapi.FollowersPage, error)
	GetUsers(ctx context.Context, ids []string) ([]twitchapi.User, error)
}

// Gate reports whether the shared rate budget allows another call.
type Gate interface {
	CanProceed() bool
}

// Reconciler fires follow and unfollow events and persists follower flags.
type Reconciler struct {
	API       API
	Dir       Directory
	Events    events.Publisher
	Current   *state.Current
	ChannelID *scheduler.Ready[string]
	Budget    Gate
	Queue     *Queue
	// Owner and Bot never produce follow events and are never checked.
	Owner string
	Bot   string

	now    func() time.Time
	recent recentSet
}

func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Reconciler) skipped(username string) bool {
	return username != "" && (strings.EqualFold(username, r.Owner) || strings.EqualFold(username, r.Bot))
}

// BulkRefresh processes the latest page of followers of broadcasterID.
func (r *Reconciler) BulkRefresh(ctx context.Context, broadcasterID string) error {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "followers"))
	ctx = twitchapi.WithCall(ctx, "getLatest100Followers")

	page, err := r.API.GetChannelFollowers(ctx, broadcasterID, "", BulkPageSize)
	if err != nil {
		r.Current.SetConnected(twitchapi.StatusOf(err))
		return fmt.Errorf("list followers: %w", err)
	}
	r.Current.SetConnected(page.Status)

	known := make(map[string]*User, len(page.Data))
	var missing []string
	for _, f := range page.Data {
		u, err := r.Dir.UserByID(ctx, f.UserID)
		if err != nil {
			logger.Warn("load user", slog.String("user_id", f.UserID), slog.Any("err", err))
			continue
		}
		if u == nil {
			missing = append(missing, f.UserID)
			continue
		}
		known[f.UserID] = u
	}
	if len(missing) > 0 {
		users, err := r.API.GetUsers(ctx, missing)
		if err != nil {
			logger.Warn("resolve unknown followers", slog.Int("count", len(missing)), slog.Any("err", err))
		}
		for _, au := range users {
			login := strings.ToLower(au.Login)
			if err := r.Dir.SaveUser(ctx, au.ID, login); err != nil {
				logger.Warn("save user", slog.String("user_id", au.ID), slog.Any("err", err))
				continue
			}
			known[au.ID] = &User{ID: au.ID, Username: login}
		}
	}

	now := r.clock()
	for _, f := range page.Data {
		u, ok := known[f.UserID]
		if !ok {
			continue
		}
		if !u.IsFollower && now.Sub(f.FollowedAt) < RecentFollow && !r.recent.has(u.ID) {
			r.recent.add(u.ID)
			if !r.skipped(u.Username) {
				logger.Info("new follower", slog.String("username", u.Username))
				r.Events.Fire(events.Follow, events.Payload{"username": u.Username, "userId": u.ID})
			}
		}
		if err := r.Dir.SetFollow(ctx, u.ID, true, f.FollowedAt, now); err != nil {
			logger.Warn("store follower", slog.String("username", u.Username), slog.Any("err", err))
		}
	}

	r.Current.Update(ctx, func(s *state.Stats) { s.Followers = page.Total }, state.FieldFollowers)
	logger.Debug("followers refreshed", slog.Uint64("total", uint64(page.Total)), slog.Int("resolved", len(missing)))
	return nil
}

// RequestCheck queues username for a single-user follow check unless it was checked recently.
func (r *Reconciler) RequestCheck(ctx context.Context, username string) {
	u, err := r.Dir.UserByName(ctx, strings.ToLower(username))
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("load user for follow check", slog.String("username", username), slog.Any("err", err), slog.String("component", "followers"))
		return
	}
	if u == nil {
		return
	}
	if r.clock().Sub(u.LastFollowCheck) >= CheckStaleness {
		r.Queue.Push(*u)
	}
}

// Step pops at most one queued user and checks it.
func (r *Reconciler) Step(ctx context.Context) {
	u, ok := r.Queue.Pop()
	if !ok {
		return
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "followers"), slog.String("username", u.Username))
	if u.ID == "" {
		return
	}
	if r.skipped(u.Username) {
		logger.Debug("follow check skipped")
		return
	}
	bid, ready := r.ChannelID.Get()
	if !ready || (r.Budget != nil && !r.Budget.CanProceed()) {
		r.Queue.Push(u)
		return
	}
	// the queued copy may predate a bulk refresh that already flagged the user
	fresh, err := r.Dir.UserByID(ctx, u.ID)
	if err != nil {
		logger.Warn("reload user for follow check", slog.Any("err", err))
		return
	}
	if fresh != nil {
		u = *fresh
	}
	if err := r.Check(ctx, bid, u); err != nil {
		logger.Warn("follow check", slog.Any("err", err))
	}
}

// Check asks the platform whether u follows broadcasterID and reconciles the stored flag.
// The owner and the bot are never checked.
func (r *Reconciler) Check(ctx context.Context, broadcasterID string, u User) error {
	if r.skipped(u.Username) {
		return nil
	}
	ctx = twitchapi.WithCall(ctx, "isFollowerUpdate")
	page, err := r.API.GetChannelFollowers(ctx, broadcasterID, u.ID, 0)
	if err != nil {
		r.Current.SetConnected(twitchapi.StatusOf(err))
		return err
	}
	r.Current.SetConnected(page.Status)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "followers"), slog.String("username", u.Username))
	now := r.clock()

	if page.Total == 0 {
		if u.IsFollower {
			logger.Info("unfollowed")
			r.Events.Fire(events.Unfollow, events.Payload{"username": u.Username, "userId": u.ID})
		}
		return r.Dir.SetFollow(ctx, u.ID, false, time.Time{}, now)
	}

	var followedAt time.Time
	if len(page.Data) > 0 {
		followedAt = page.Data[0].FollowedAt
	}
	if !u.IsFollower && now.Sub(followedAt) < RecentFollow {
		r.recent.add(u.ID)
		logger.Info("new follower")
		r.Events.Fire(events.Follow, events.Payload{"username": u.Username, "userId": u.ID})
	}
	return r.Dir.SetFollow(ctx, u.ID, true, followedAt, now)
}
