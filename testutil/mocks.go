package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MockTwitchServer creates a test server that mocks Twitch Helix and TMI responses.
// Every response carries rate-limit headers taken from Remaining and ResetAt.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu        sync.Mutex
	Remaining int
	ResetAt   time.Time
	hits      map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:  make(map[string]http.HandlerFunc),
		Remaining: 800,
		ResetAt:   time.Now().Add(time.Minute),
		hits:      make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		w.Header().Set("Ratelimit-Remaining", strconv.Itoa(m.Remaining))
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(m.ResetAt.Unix(), 10))
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// SetBudget changes the rate-limit headers of subsequent responses.
func (m *MockTwitchServer) SetBudget(remaining int, resetAt time.Time) {
	m.mu.Lock()
	m.Remaining = remaining
	m.ResetAt = resetAt
	m.mu.Unlock()
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string, viewCount uint) {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{
				{"id": userID, "login": login, "display_name": login, "view_count": viewCount},
			},
		})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if streams == nil {
			streams = []map[string]any{}
		}
		writeJSON(w, map[string]any{"data": streams})
	})
}

// MockChannelResponse adds GET and PATCH handlers for /helix/channels. A PATCH
// updates what later GETs return.
func (m *MockTwitchServer) MockChannelResponse(broadcasterID, title, gameID, gameName string) {
	var mu sync.Mutex
	m.handle("/helix/channels", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPatch {
			var body struct {
				Title  string `json:"title"`
				GameID string `json:"game_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
			if body.Title != "" {
				title = body.Title
			}
			if body.GameID != "" {
				gameID = body.GameID
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, map[string]any{
			"data": []map[string]any{
				{"broadcaster_id": broadcasterID, "title": title, "game_id": gameID, "game_name": gameName},
			},
		})
	})
}

// MockFollowersResponse adds a handler for /helix/channels/followers endpoint
func (m *MockTwitchServer) MockFollowersResponse(total int, followers []map[string]any) {
	m.handle("/helix/channels/followers", func(w http.ResponseWriter, r *http.Request) {
		if followers == nil {
			followers = []map[string]any{}
		}
		writeJSON(w, map[string]any{"total": total, "data": followers})
	})
}

// MockSubscriptionsResponse adds a handler for /helix/subscriptions endpoint.
// A non-200 status replies with a Helix error body instead.
func (m *MockTwitchServer) MockSubscriptionsResponse(status, total int, subs []map[string]any) {
	m.handle("/helix/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": http.StatusText(status), "status": status, "message": "missing scope"}) //nolint:errcheck // test mock response
			return
		}
		if subs == nil {
			subs = []map[string]any{}
		}
		writeJSON(w, map[string]any{"total": total, "data": subs})
	})
}

// MockGamesResponse adds a handler for /helix/games endpoint
func (m *MockTwitchServer) MockGamesResponse(games map[string]string) {
	m.handle("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		q := r.URL.Query()
		for id, name := range games {
			if q.Get("id") == id || q.Get("name") == name {
				data = append(data, map[string]string{"id": id, "name": name})
			}
		}
		writeJSON(w, map[string]any{"data": data})
	})
}

// MockHostsResponse adds a handler for the TMI /hosts endpoint
func (m *MockTwitchServer) MockHostsResponse(targetID uint64, logins ...string) {
	m.handle("/hosts", func(w http.ResponseWriter, r *http.Request) {
		hosts := []map[string]any{}
		for i, l := range logins {
			hosts = append(hosts, map[string]any{"host_id": i + 1, "target_id": targetID, "host_login": l})
		}
		writeJSON(w, map[string]any{"hosts": hosts})
	})
}
