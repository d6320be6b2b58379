package twitchapi

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeBudget struct {
	mu        sync.Mutex
	remaining int
	known     bool
	observed  []string
}

func (b *fakeBudget) ObserveHeaders(h http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observed = append(b.observed, h.Get("Ratelimit-Remaining"))
}

func (b *fakeBudget) Remaining() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining, b.known
}

type memCallLog struct {
	mu      sync.Mutex
	entries []CallEntry
}

func (l *memCallLog) Record(_ context.Context, e CallEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func newTestClient(serverURL string) (*HelixClient, *fakeBudget, *memCallLog) {
	budget := &fakeBudget{remaining: 42, known: true}
	log := &memCallLog{}
	return &HelixClient{
		ClientID: "test-client-id",
		Tokens:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{
				Transport: http.DefaultTransport,
				host:      serverURL,
			},
		},
		Budget: budget,
		Log:    log,
	}, budget, log
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "TestUser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser"},
				},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
		{
			name:        "platform error",
			login:       "testuser",
			response:    map[string]interface{}{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"},
			statusCode:  http.StatusUnauthorized,
			wantErr:     true,
			errContains: "Invalid OAuth token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if r.URL.Path != "/helix/users" {
					t.Errorf("path = %s, want /helix/users", r.URL.Path)
				}
				if got := r.URL.Query().Get("login"); got != strings.ToLower(tt.login) {
					t.Errorf("login query param = %s, want %s", got, strings.ToLower(tt.login))
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					_ = stdjson.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			client, _, _ := newTestClient(server.URL)
			userID, err := client.GetUserID(context.Background(), tt.login)

			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUserID() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserID() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserID() unexpected error = %v", err)
			}
			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_GetStreamsObservesBudgetAndLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") != "999" {
			t.Errorf("user_id = %q, want 999", r.URL.Query().Get("user_id"))
		}
		w.Header().Set("Ratelimit-Remaining", "7")
		w.Header().Set("Ratelimit-Reset", "1700000000")
		_ = stdjson.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{
				"id": "s1", "user_id": "999", "game_id": "33214", "type": "live",
				"title": "hello", "viewer_count": 17, "started_at": "2024-10-15T14:30:00Z",
			}},
		})
	}))
	defer server.Close()

	client, budget, log := newTestClient(server.URL)
	streams, status, err := client.GetStreams(context.Background(), "999")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if len(streams) != 1 || streams[0].ViewerCount != 17 || streams[0].Title != "hello" {
		t.Fatalf("unexpected streams: %+v", streams)
	}
	if !streams[0].StartedAt.Equal(time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("StartedAt = %v", streams[0].StartedAt)
	}
	if len(budget.observed) != 1 || budget.observed[0] != "7" {
		t.Errorf("budget observations = %v, want [7]", budget.observed)
	}
	if len(log.entries) != 1 {
		t.Fatalf("call log entries = %d, want 1", len(log.entries))
	}
	e := log.entries[0]
	if e.Call != "getCurrentStreamData" || e.API != "helix" || e.Code != "200" {
		t.Errorf("unexpected call log entry: %+v", e)
	}
	if e.Remaining == nil || *e.Remaining != 42 {
		t.Errorf("call log remaining = %v, want 42 (value before the response)", e.Remaining)
	}
}

func TestHelixClient_PlatformErrorDoesNotObserveBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Ratelimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"Too Many Requests","status":429,"message":"slow down"}`)
	}))
	defer server.Close()

	client, budget, log := newTestClient(server.URL)
	_, status, err := client.GetStreams(context.Background(), "1")
	var pe *PlatformError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PlatformError, got %T %v", err, err)
	}
	if pe.Status != http.StatusTooManyRequests || status != http.StatusTooManyRequests {
		t.Errorf("status = %d/%d, want 429", pe.Status, status)
	}
	if IsFastRetry(err) {
		t.Error("platform errors must not use the fast retry")
	}
	if len(budget.observed) != 0 {
		t.Errorf("budget observed on failure: %v", budget.observed)
	}
	if len(log.entries) != 1 || log.entries[0].Code != "429 slow down" {
		t.Errorf("call log = %+v", log.entries)
	}
}

func TestHelixClient_ConnectionRefusedIsFastRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client, _, log := newTestClient("http://" + addr)
	_, _, err = client.GetStreams(context.Background(), "1")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T %v", err, err)
	}
	if te.Kind != KindRefused {
		t.Errorf("kind = %s, want refused", te.Kind)
	}
	if !IsFastRetry(err) {
		t.Error("refused connection should use the fast retry")
	}
	if len(log.entries) != 1 || !strings.HasPrefix(log.entries[0].Code, "refused") {
		t.Errorf("call log = %+v", log.entries)
	}
}

func TestHelixClient_TimeoutIsFastRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client, _, _ := newTestClient(server.URL)
	client.HTTPClient = &http.Client{
		Timeout:   20 * time.Millisecond,
		Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
	}
	_, _, err := client.GetStreams(context.Background(), "1")
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != KindTimeout {
		t.Fatalf("expected timeout transport error, got %v", err)
	}
}

func TestHelixClient_GetUsersBatchesIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["id"]
		if len(ids) != 3 {
			t.Errorf("ids = %v, want 3", ids)
		}
		data := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]string{"id": id, "login": "user" + id})
		}
		_ = stdjson.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer server.Close()

	client, _, log := newTestClient(server.URL)
	ctx := WithCall(context.Background(), "getLatest100Followers")
	users, err := client.GetUsers(ctx, []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(users) != 3 || users[2].Login != "user3" {
		t.Errorf("unexpected users: %+v", users)
	}
	if log.entries[0].Call != "getLatest100Followers" {
		t.Errorf("call kind = %s, want the tag from context", log.entries[0].Call)
	}

	if _, err := client.GetUsers(ctx, make([]string, 101)); err == nil {
		t.Error("expected error for more than 100 ids")
	}
}

func TestHelixClient_ModifyChannelReadsEcho(t *testing.T) {
	var patched map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/channels" || r.URL.Query().Get("broadcaster_id") != "77" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		switch r.Method {
		case http.MethodPatch:
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			_ = stdjson.NewDecoder(r.Body).Decode(&patched)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_ = stdjson.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{
					"broadcaster_id": "77", "title": patched["title"], "game_id": patched["game_id"], "game_name": "Chess",
				}},
			})
		}
	}))
	defer server.Close()

	client, _, log := newTestClient(server.URL)
	ch, status, err := client.ModifyChannel(context.Background(), "77", ChannelUpdate{Title: "new title", GameID: "743"})
	if err != nil {
		t.Fatalf("ModifyChannel() error = %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if ch.Title != "new title" || ch.GameName != "Chess" {
		t.Errorf("echo = %+v", ch)
	}
	if len(log.entries) != 2 || log.entries[0].Code != "204" || log.entries[1].Call != "setTitleAndGame" {
		t.Errorf("call log = %+v", log.entries)
	}
}

func TestHelixClient_GetGame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data []map[string]string
		if r.URL.Query().Get("id") == "33214" || r.URL.Query().Get("name") == "Fortnite" {
			data = append(data, map[string]string{"id": "33214", "name": "Fortnite"})
		}
		_ = stdjson.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer server.Close()

	client, _, _ := newTestClient(server.URL)
	g, err := client.GetGame(context.Background(), "33214", "")
	if err != nil || g == nil || g.Name != "Fortnite" {
		t.Fatalf("GetGame(id) = %+v, %v", g, err)
	}
	g, err = client.GetGame(context.Background(), "", "Fortnite")
	if err != nil || g == nil || g.ID != "33214" {
		t.Fatalf("GetGame(name) = %+v, %v", g, err)
	}
	g, err = client.GetGame(context.Background(), "1", "")
	if err != nil || g != nil {
		t.Fatalf("GetGame(unknown) = %+v, %v; want nil, nil", g, err)
	}
}

func TestTMIClient_GetHosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hosts" || r.URL.Query().Get("target") != "55" || r.URL.Query().Get("include_logins") != "1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("tmi requests must not carry a bearer token")
		}
		_, _ = io.WriteString(w, `{"hosts":[{"host_id":1,"host_login":"alice"},{"host_id":2,"host_login":"bob"}]}`)
	}))
	defer server.Close()

	log := &memCallLog{}
	tc := &TMIClient{BaseURL: server.URL, Log: log}
	hosts, err := tc.GetHosts(context.Background(), "55")
	if err != nil {
		t.Fatalf("GetHosts() error = %v", err)
	}
	if len(hosts) != 2 || hosts[1].HostLogin != "bob" {
		t.Errorf("hosts = %+v", hosts)
	}
	if len(log.entries) != 1 || log.entries[0].API != "tmi" || log.entries[0].Remaining != nil {
		t.Errorf("call log = %+v", log.entries)
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
