package followers

import (
	"strings"
	"sync"

	"github.com/onnwee/streamsync/telemetry"
)

// Queue is a FIFO of pending single-user checks. A user is queued at most once.
type Queue struct {
	mu      sync.Mutex
	items   []User
	pending map[string]struct{}
}

func NewQueue() *Queue {
	return &Queue{pending: map[string]struct{}{}}
}

func queueKey(u User) string { return strings.ToLower(u.Username) }

// Push appends u unless it is already queued.
func (q *Queue) Push(u User) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := queueKey(u)
	if _, ok := q.pending[k]; ok {
		return false
	}
	q.pending[k] = struct{}{}
	q.items = append(q.items, u)
	telemetry.SetFollowQueueDepth(len(q.items))
	return true
}

// Pop removes the oldest entry.
func (q *Queue) Pop() (User, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return User{}, false
	}
	u := q.items[0]
	q.items[0] = User{}
	q.items = q.items[1:]
	delete(q.pending, queueKey(u))
	telemetry.SetFollowQueueDepth(len(q.items))
	return u, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// recentSet remembers ids a follow event was already fired for.
type recentSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (r *recentSet) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *recentSet) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = map[string]struct{}{}
	}
	r.ids[id] = struct{}{}
}
