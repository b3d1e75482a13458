package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Kind classifies upstream failures. The retry table is keyed by Kind.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindOverloaded  Kind = "overloaded"
	KindTransient   Kind = "transient"
	KindMalformed   Kind = "malformed"
	KindRejected    Kind = "rejected"
)

var (
	// ErrNotConnected is returned when no transport has been established.
	ErrNotConnected = errors.New("upstream: not connected")
	// ErrStreamingUnavailable is returned by StreamAudio outside streaming mode.
	ErrStreamingUnavailable = errors.New("upstream: streaming transport unavailable")
)

// UpstreamError is a failed exchange with the provider.
type UpstreamError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, msg)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsRetryable reports whether the retry table allows another attempt.
func (e *UpstreamError) IsRetryable() bool {
	switch e.Kind {
	case KindRateLimited, KindOverloaded, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// ConnectionError means neither transport could be established.
type ConnectionError struct {
	StreamErr   error
	FallbackErr error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connect failed: streaming: %v; fallback: %v", e.StreamErr, e.FallbackErr)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{e.StreamErr, e.FallbackErr}
}

// AsUpstreamError returns the *UpstreamError in err's chain, if any.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

func newError(kind Kind, msg string, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Message: msg, Err: err}
}

// classify maps provider, transport and context errors to an UpstreamError.
func classify(err error) *UpstreamError {
	if err == nil {
		return nil
	}
	if ue, ok := AsUpstreamError(err); ok {
		return ue
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, "request timed out", err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, apiErr.Status, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyStatus(apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(KindTimeout, "network timeout", err)
		}
		return newError(KindTransient, "network error", err)
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "429") || strings.Contains(text, "resource_exhausted") || strings.Contains(text, "quota"):
		return newError(KindRateLimited, "rate limited", err)
	case strings.Contains(text, "503") || strings.Contains(text, "unavailable"):
		return newError(KindOverloaded, "provider overloaded", err)
	}
	return newError(KindTransient, "request failed", err)
}

// classifyStatus follows the provider's HTTP status first and its RPC status
// name second.
func classifyStatus(code int, status, message string, err error) *UpstreamError {
	kind := KindTransient
	switch {
	case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		kind = KindRateLimited
	case code == http.StatusServiceUnavailable || status == "UNAVAILABLE":
		kind = KindOverloaded
	case code == http.StatusGatewayTimeout || status == "DEADLINE_EXCEEDED":
		kind = KindTimeout
	case code >= 500:
		kind = KindTransient
	case code >= 400:
		kind = KindRejected
	}
	if message == "" {
		message = status
	}
	return &UpstreamError{Kind: kind, Message: message, StatusCode: code, Err: err}
}
