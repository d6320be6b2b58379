package twitchapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/onnwee/streamsync/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Doer is the HTTP transport consumed by the clients. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Budget is the shared rate-limit record updated from Helix response headers.
type Budget interface {
	ObserveHeaders(h http.Header)
	Remaining() (int, bool)
}

// CallEntry is one attempt written to the call log.
type CallEntry struct {
	ID        uuid.UUID
	Timestamp time.Time
	Call      string
	API       string
	Endpoint  string
	Code      string
	Remaining *int
}

// CallLog is the append-only sink for every attempt, successful or not.
type CallLog interface {
	Record(ctx context.Context, e CallEntry) error
}

type callKey struct{}

// WithCall tags ctx with the call kind recorded in the call log and metrics.
func WithCall(ctx context.Context, call string) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

func callFrom(ctx context.Context, fallback string) string {
	if s, ok := ctx.Value(callKey{}).(string); ok && s != "" {
		return s
	}
	return fallback
}

// transport is the shared request plumbing behind HelixClient and TMIClient.
type transport struct {
	api    string
	client Doer
	budget Budget
	log    CallLog
}

func (t *transport) http() Doer {
	if t.client != nil {
		return t.client
	}
	return http.DefaultClient
}

// do executes req, decodes a 2xx body into out (when non-nil) and returns the status.
func (t *transport) do(ctx context.Context, call string, req *http.Request, out any) (int, error) {
	endpoint := req.URL.String()
	var remaining *int
	if t.budget != nil {
		if n, ok := t.budget.Remaining(); ok {
			remaining = &n
		}
	}

	start := time.Now()
	resp, err := t.http().Do(req)
	if err != nil {
		err = classifyTransport(err)
		telemetry.ObserveAPICall(call, "error", time.Since(start))
		t.record(ctx, call, endpoint, CodeOf(err), remaining)
		return 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveAPICall(call, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = classifyTransport(err)
		t.record(ctx, call, endpoint, CodeOf(err), remaining)
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := &PlatformError{Status: resp.StatusCode, Message: errorMessage(body, http.StatusText(resp.StatusCode))}
		t.record(ctx, call, endpoint, pe.Code(), remaining)
		return resp.StatusCode, pe
	}

	if t.budget != nil {
		t.budget.ObserveHeaders(resp.Header)
	}
	t.record(ctx, call, endpoint, fmt.Sprintf("%d", resp.StatusCode), remaining)

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", call, err)
		}
	}
	return resp.StatusCode, nil
}

func (t *transport) record(ctx context.Context, call, endpoint, code string, remaining *int) {
	if t.log == nil {
		return
	}
	e := CallEntry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Call:      call,
		API:       t.api,
		Endpoint:  endpoint,
		Code:      code,
		Remaining: remaining,
	}
	if err := t.log.Record(context.WithoutCancel(ctx), e); err != nil {
		slog.Debug("call log write failed", slog.String("call", call), slog.Any("err", err))
	}
}

// errorMessage extracts the Helix error message, falling back to the status line.
func errorMessage(body []byte, fallback string) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return fallback
}
