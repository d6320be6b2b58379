package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a transport failure.
type ErrorKind int

const (
	// KindOther is any transport failure that is neither refused nor a timeout.
	KindOther ErrorKind = iota
	// KindRefused means the remote end actively refused the connection.
	KindRefused
	// KindTimeout means the request or dial timed out.
	KindTimeout
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRefused:
		return "refused"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// TransportError is returned when no HTTP response was received at all.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PlatformError is a non-2xx response from the platform.
type PlatformError struct {
	Status  int
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twitch api status %d", e.Status)
	}
	return fmt.Sprintf("twitch api status %d: %s", e.Status, e.Message)
}

// Code renders the error the way the call log stores it: "<status> <message>".
func (e *PlatformError) Code() string {
	return strings.TrimSpace(fmt.Sprintf("%d %s", e.Status, e.Message))
}

// classifyTransport wraps a Doer error into a TransportError.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := KindOther
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case strings.Contains(strings.ToLower(err.Error()), "connection refused"):
		kind = KindRefused
	}
	return &TransportError{Kind: kind, Err: err}
}

// IsFastRetry reports whether err is a refused or timed out transport failure.
func IsFastRetry(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == KindRefused || te.Kind == KindTimeout
}

// StatusOf returns the HTTP status carried by err, or 0 when there is none.
func StatusOf(err error) int {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

// CodeOf renders err for the call log.
func CodeOf(err error) string {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code()
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind.String() + " " + te.Err.Error()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
