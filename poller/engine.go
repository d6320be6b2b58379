// Package poller wires the per-endpoint poll tasks onto the scheduler. Every
// per-channel task waits for the broadcaster id before its first tick.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streamsync/followers"
	"github.com/onnwee/streamsync/ratelimit"
	"github.com/onnwee/streamsync/scheduler"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/stream"
	"github.com/onnwee/streamsync/telemetry"
	"github.com/onnwee/streamsync/twitchapi"
)

// API is the Helix surface the poll tasks call.
type API interface {
	GetUserID(ctx context.Context, login string) (string, error)
	GetUsers(ctx context.Context, ids []string) ([]twitchapi.User, error)
	GetStreams(ctx context.Context, userID string) ([]twitchapi.Stream, int, error)
	GetChannel(ctx context.Context, broadcasterID string) (*twitchapi.Channel, int, error)
	GetSubscriptions(ctx context.Context, broadcasterID string) ([]twitchapi.Subscription, uint, error)
}

// HostsAPI is the TMI hosts endpoint.
type HostsAPI interface {
	GetHosts(ctx context.Context, targetID string) ([]twitchapi.Host, error)
}

// HostStore caches the logins currently hosting the channel.
type HostStore interface {
	SaveHosts(ctx context.Context, logins []string) error
}

// SubscriberStore flags known users as subscribers.
type SubscriberStore interface {
	MarkSubscriber(ctx context.Context, id, username string) error
}

// Engine owns the poll tasks of one channel.
type Engine struct {
	Channel     string
	API         API
	TMI         HostsAPI
	Budget      *ratelimit.Budget
	Current     *state.Current
	ChannelID   *scheduler.Ready[string]
	Stream      *stream.Machine
	Titles      *stream.TitleSync
	Followers   *followers.Reconciler
	Hosts       HostStore
	Subscribers SubscriberStore
	// PollSubscribers disables the subscriber task when false.
	PollSubscribers bool
	// Owner and Bot are never flagged as subscribers.
	Owner string
	Bot   string

	channelDrift stream.Drift
}

// errStop ends a task for good.
var errStop = errors.New("stop polling")

// Start launches every task on s.
func (e *Engine) Start(ctx context.Context, s *scheduler.Scheduler) {
	s.Go(ctx, e.task("getChannelID", ratelimit.ChannelIDInterval, e.resolveChannelID))
	perChannel := []scheduler.Task{
		e.task("getCurrentStreamData", ratelimit.StreamsInterval, e.pollStreams),
		e.task("getChannelData", ratelimit.ChannelInterval, e.pollChannel),
		e.task("getLatest100Followers", ratelimit.FollowersInterval, e.pollFollowers),
		e.task("updateChannelViews", ratelimit.ViewsInterval, e.pollViews),
		e.ungated("getChannelHosts", ratelimit.HostsInterval, e.pollHosts),
		scheduler.TaskFunc{TaskName: "isFollowerUpdate", Fn: func(ctx context.Context) time.Duration {
			e.Followers.Step(ctx)
			return followers.CheckTick
		}},
	}
	if e.PollSubscribers {
		perChannel = append(perChannel, e.task("getChannelSubscribers", ratelimit.SubscribersInterval, e.pollSubscribers))
	}
	for _, t := range perChannel {
		scheduler.After(ctx, s, e.ChannelID, t)
	}
}

func (e *Engine) task(name string, interval time.Duration, fn func(ctx context.Context) error) scheduler.Task {
	return e.wrap(name, interval, true, fn)
}

func (e *Engine) ungated(name string, interval time.Duration, fn func(ctx context.Context) error) scheduler.Task {
	return e.wrap(name, interval, false, fn)
}

func (e *Engine) wrap(name string, interval time.Duration, gated bool, fn func(ctx context.Context) error) scheduler.Task {
	policy := ratelimit.Policy{Interval: interval}
	return scheduler.TaskFunc{TaskName: name, Fn: func(ctx context.Context) time.Duration {
		logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "poller"), slog.String("task", name))
		if gated && e.Budget != nil && !e.Budget.CanProceed() {
			telemetry.CountTick(name, "gated")
			logger.Debug("waiting for rate limit to refresh")
			return ratelimit.GateWait
		}
		ctx, span := telemetry.StartSpan(twitchapi.WithCall(ctx, name), "poll."+name)
		err := fn(ctx)
		if errors.Is(err, errStop) {
			telemetry.EndSpan(span, nil)
			telemetry.CountTick(name, "stopped")
			return scheduler.Stop
		}
		telemetry.EndSpan(span, err)
		switch {
		case err != nil:
			telemetry.CountTick(name, "error")
			logger.Warn("poll failed", slog.Any("err", err))
		default:
			telemetry.CountTick(name, "ok")
		}
		return policy.Next(err)
	}}
}

func (e *Engine) resolveChannelID(ctx context.Context) error {
	id, err := e.API.GetUserID(ctx, e.Channel)
	if err != nil {
		return fmt.Errorf("resolve channel %q: %w", e.Channel, err)
	}
	e.ChannelID.Set(id)
	telemetry.LoggerWithCorr(ctx).Info("broadcaster channel id set", slog.String("channel", e.Channel), slog.String("channel_id", id), slog.String("component", "poller"))
	return errStop
}

func (e *Engine) channelID() string {
	id, _ := e.ChannelID.Get()
	return id
}

func (e *Engine) pollStreams(ctx context.Context) error {
	streams, status, err := e.API.GetStreams(ctx, e.channelID())
	if status == 0 {
		status = twitchapi.StatusOf(err)
	}
	e.Current.SetConnected(status)
	if err != nil {
		return err
	}
	e.Stream.Observe(ctx, streams)
	return nil
}

func (e *Engine) pollChannel(ctx context.Context) error {
	ch, _, err := e.API.GetChannel(ctx, e.channelID())
	if err != nil {
		return err
	}
	e.Titles.Apply(ctx, &e.channelDrift, stream.Observation{Title: ch.Title, GameID: ch.GameID, GameName: ch.GameName})
	return nil
}

func (e *Engine) pollFollowers(ctx context.Context) error {
	return e.Followers.BulkRefresh(ctx, e.channelID())
}

func (e *Engine) pollViews(ctx context.Context) error {
	users, err := e.API.GetUsers(ctx, []string{e.channelID()})
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return fmt.Errorf("channel %s not returned", e.channelID())
	}
	e.Current.Update(ctx, func(s *state.Stats) { s.Views = users[0].ViewCount }, state.FieldViews)
	return nil
}

func (e *Engine) pollHosts(ctx context.Context) error {
	hosts, err := e.TMI.GetHosts(ctx, e.channelID())
	if err != nil {
		return err
	}
	e.Current.Update(ctx, func(s *state.Stats) { s.Hosts = uint(len(hosts)) }, state.FieldHosts)
	if e.Hosts == nil {
		return nil
	}
	logins := make([]string, 0, len(hosts))
	for _, h := range hosts {
		logins = append(logins, strings.ToLower(h.HostLogin))
	}
	return e.Hosts.SaveHosts(ctx, logins)
}

func (e *Engine) pollSubscribers(ctx context.Context) error {
	subs, total, err := e.API.GetSubscriptions(ctx, e.channelID())
	if err != nil {
		switch twitchapi.StatusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
			telemetry.LoggerWithCorr(ctx).Warn("broadcaster is not affiliate/partner or token lacks channel:read:subscriptions, will not check subs",
				slog.Any("err", err), slog.String("component", "poller"))
			e.Current.Update(ctx, func(s *state.Stats) { s.Subscribers = 0 }, state.FieldSubscribers)
			return errStop
		}
		return err
	}
	var count uint
	if total > 0 {
		count = total - 1 // the broadcaster is listed as their own subscriber
	}
	e.Current.Update(ctx, func(s *state.Stats) { s.Subscribers = count }, state.FieldSubscribers)
	if e.Subscribers == nil {
		return nil
	}
	for _, sub := range subs {
		login := strings.ToLower(sub.UserLogin)
		if strings.EqualFold(login, e.Owner) || strings.EqualFold(login, e.Bot) {
			continue
		}
		if err := e.Subscribers.MarkSubscriber(ctx, sub.UserID, login); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("mark subscriber", slog.String("username", login), slog.Any("err", err), slog.String("component", "poller"))
		}
	}
	return nil
}
