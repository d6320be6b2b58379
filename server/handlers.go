package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/streamsync/db"
	"github.com/onnwee/streamsync/ratelimit"
	"github.com/onnwee/streamsync/scheduler"
	"github.com/onnwee/streamsync/state"
	"github.com/onnwee/streamsync/stream"
	"github.com/onnwee/streamsync/telemetry"
	"github.com/onnwee/streamsync/title"
)

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StreamView is the read side of the stream state machine.
type StreamView interface {
	State() stream.State
	Times() stream.Times
}

// CallLog lists recent API calls.
type CallLog interface {
	RecentCalls(ctx context.Context, limit int) ([]db.CallRow, error)
}

// ChannelSetter changes title and game.
type ChannelSetter interface {
	SetTitleAndGame(ctx context.Context, sender string, newTitle, newGame *string) (*title.Result, error)
}

// Deps are the engine parts the handlers read from. Nil members disable the
// corresponding check or endpoint.
type Deps struct {
	Current    *state.Current
	Budget     *ratelimit.Budget
	Stream     StreamView
	ChannelID  *scheduler.Ready[string]
	DB         Pinger
	Calls      CallLog
	Channel    ChannelSetter
	AdminToken string
}

// Handlers encapsulates the dependencies for HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

type budgetView struct {
	Remaining *int       `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt"`
}

type streamView struct {
	State string       `json:"state"`
	Times stream.Times `json:"times"`
}

type statusResponse struct {
	ChannelID string      `json:"channelId"`
	Connected bool        `json:"connected"`
	Stats     state.Stats `json:"stats"`
	Stream    *streamView `json:"stream,omitempty"`
	Budget    budgetView  `json:"budget"`
}

// HandleStatus returns the published snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if h.deps.Current != nil {
		resp.Stats = h.deps.Current.Snapshot()
		resp.Connected = h.deps.Current.Connected()
	}
	if h.deps.ChannelID != nil {
		resp.ChannelID, _ = h.deps.ChannelID.Get()
	}
	if h.deps.Stream != nil {
		resp.Stream = &streamView{State: h.deps.Stream.State().String(), Times: h.deps.Stream.Times()}
	}
	if h.deps.Budget != nil {
		if b := h.deps.Budget.Snapshot(); b.Observed {
			resp.Budget = budgetView{Remaining: &b.Remaining, ResetAt: &b.ResetAt}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type callView struct {
	db.CallRow
	Remaining *int64 `json:"remaining"`
}

// HandleCalls returns the newest call log entries; ?limit= caps the count.
func (h *Handlers) HandleCalls(w http.ResponseWriter, r *http.Request) {
	if h.deps.Calls == nil {
		http.Error(w, "call log unavailable", http.StatusServiceUnavailable)
		return
	}
	rows, err := h.deps.Calls.RecentCalls(r.Context(), parseIntQuery(r, "limit", 100))
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list calls", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]callView, 0, len(rows))
	for _, row := range rows {
		v := callView{CallRow: row}
		if row.Remaining.Valid {
			n := row.Remaining.Int64
			v.Remaining = &n
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type setChannelRequest struct {
	Title  *string `json:"title"`
	Game   *string `json:"game"`
	Sender string  `json:"sender"`
}

// HandleSetChannel changes title and/or game.
func (h *Handlers) HandleSetChannel(w http.ResponseWriter, r *http.Request) {
	if h.deps.Channel == nil {
		http.Error(w, "channel updates unavailable", http.StatusServiceUnavailable)
		return
	}
	var req setChannelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Title == nil && req.Game == nil {
		http.Error(w, "title or game required", http.StatusBadRequest)
		return
	}
	if h.deps.ChannelID != nil {
		if _, ok := h.deps.ChannelID.Get(); !ok {
			http.Error(w, "channel id not resolved yet", http.StatusServiceUnavailable)
			return
		}
	}
	res, err := h.deps.Channel.SetTitleAndGame(r.Context(), req.Sender, req.Title, req.Game)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
