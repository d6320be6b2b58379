package ratelimit

import (
	"time"

	"github.com/onnwee/streamsync/twitchapi"
)

const (
	// FastRetry is the delay after a refused or timed out connection.
	FastRetry = time.Second
	// GateWait is the delay of a tick skipped because the budget is exhausted.
	GateWait = time.Second
)

// Normal polling intervals per call kind.
const (
	StreamsInterval     = 15 * time.Second
	FollowersInterval   = 30 * time.Second
	HostsInterval       = 30 * time.Second
	SubscribersInterval = 30 * time.Second
	ChannelInterval     = 60 * time.Second
	ViewsInterval       = 60 * time.Second
	ChannelIDInterval   = 60 * time.Second
)

// Policy is the backoff policy of one call kind.
type Policy struct {
	Interval time.Duration
}

// Next returns the delay before the next attempt given the outcome of this one.
// An unreachable API is retried quickly; a reachable but failing one keeps the
// normal interval.
func (p Policy) Next(err error) time.Duration {
	if err != nil && twitchapi.IsFastRetry(err) {
		return FastRetry
	}
	return p.Interval
}
