package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"pkt.systems/pslog"
)

const (
	// DefaultConnectRetries bounds how many times a request is re-sent after
	// a connect-phase failure.
	DefaultConnectRetries = 5
	// DefaultRetryBaseDelay is the first backoff delay.
	DefaultRetryBaseDelay = 10 * time.Millisecond
	// DefaultRetryMaxDelay caps the doubling backoff.
	DefaultRetryMaxDelay = 500 * time.Millisecond
)

// RetryingTransport is an http.RoundTripper that re-sends a request when the
// connection fails before any response arrives. Dial failures are retried
// for every method. A connection that breaks after the request was written
// is retried only for idempotent methods, since the server may already have
// acted on a POST. Responses are never retried, whatever their status.
type RetryingTransport struct {
	Base      http.RoundTripper
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    pslog.Base
	// OnRetry, when set, observes every retry before the backoff sleep.
	OnRetry func(ctx context.Context, attempt int, err error)
}

// NewRetryingTransport wraps base (http.DefaultTransport when nil).
func NewRetryingTransport(base http.RoundTripper, retries int, baseDelay, maxDelay time.Duration) *RetryingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryingTransport{
		Base:      base,
		Retries:   retries,
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Logger:    pslog.NoopLogger(),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	ctx := req.Context()
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	retries := t.Retries
	delay := t.BaseDelay
	if delay <= 0 {
		delay = DefaultRetryBaseDelay
	}
	maxDelay := t.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}
	attempt := 0
	for {
		attempt++
		outgoing := req
		if attempt > 1 {
			outgoing = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				outgoing.Body = body
			}
		}
		resp, err := base.RoundTrip(outgoing)
		if err == nil {
			return resp, nil
		}
		if retries <= 0 || !replayable || !retryable(req.Method, err) {
			return nil, err
		}
		retries--
		sleep := delay
		if sleep > maxDelay {
			sleep = maxDelay
		}
		t.logDebug("client.transport.retry", "method", req.Method, "url", req.URL.Redacted(), "attempt", attempt, "sleep", sleep, "error", err)
		if t.OnRetry != nil {
			t.OnRetry(ctx, attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if delay < maxDelay {
			delay *= 2
		}
	}
}

// CloseIdleConnections forwards to the wrapped transport.
func (t *RetryingTransport) CloseIdleConnections() {
	type idleCloser interface{ CloseIdleConnections() }
	if ic, ok := t.Base.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

func (t *RetryingTransport) logDebug(msg string, keyvals ...any) {
	if t.Logger == nil {
		return
	}
	t.Logger.Debug(msg, keyvals...)
}

func retryable(method string, err error) bool {
	if isConnectError(err) {
		return true
	}
	return idempotent(method) && isBrokenConnection(err)
}

func idempotent(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// isConnectError reports whether err happened while establishing the
// connection, before any byte of the request reached the server.
func isConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary
	}
	return false
}

// isBrokenConnection reports whether an established connection was reset
// or closed before a response arrived.
func isBrokenConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
