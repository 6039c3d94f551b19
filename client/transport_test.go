package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type scriptedRoundTripper struct {
	mu     sync.Mutex
	errs   []error
	bodies []string
	calls  int
	status int
}

func (s *scriptedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(data))
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func reset() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
}

func TestRetryingTransportRetriesConnectErrors(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{refused(), reset()}}
	rt := NewRetryingTransport(base, 5, time.Millisecond, 2*time.Millisecond)
	var retries int
	rt.OnRetry = func(context.Context, int, error) { retries++ }

	req, err := http.NewRequest(http.MethodPut, "http://example.invalid/item/api_detail/x/", strings.NewReader(`{"guid":"x"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	resp.Body.Close()
	if base.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", base.calls)
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", retries)
	}
	for i, body := range base.bodies {
		if body != `{"guid":"x"}` {
			t.Fatalf("attempt %d body not replayed: %q", i+1, body)
		}
	}
}

func TestRetryingTransportBounded(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = refused()
	}
	base := &scriptedRoundTripper{errs: errs}
	rt := NewRetryingTransport(base, 3, time.Millisecond, time.Millisecond)
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected refused error, got %v", err)
	}
	if base.calls != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d", base.calls)
	}
}

func TestRetryingTransportNeverRetriesResponses(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusBadRequest, http.StatusServiceUnavailable} {
		base := &scriptedRoundTripper{status: status}
		rt := NewRetryingTransport(base, 5, time.Millisecond, time.Millisecond)
		req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
		resp, err := rt.RoundTrip(req)
		if err != nil {
			t.Fatalf("status %d: %v", status, err)
		}
		resp.Body.Close()
		if resp.StatusCode != status || base.calls != 1 {
			t.Fatalf("status %d: expected a single attempt, got %d", status, base.calls)
		}
	}
}

func TestRetryingTransportSkipsOtherErrors(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{fmt.Errorf("tls: bad certificate")}}
	rt := NewRetryingTransport(base, 5, time.Millisecond, time.Millisecond)
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Fatalf("expected no retry, got %d attempts", base.calls)
	}
}

func TestRetryingTransportNonReplayableBody(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{refused()}}
	rt := NewRetryingTransport(base, 5, time.Millisecond, time.Millisecond)
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/", nil)
	req.Body = io.NopCloser(strings.NewReader("once"))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error for non-replayable body")
	}
	if base.calls != 1 {
		t.Fatalf("expected no retry, got %d attempts", base.calls)
	}
}

func TestRetryingTransportHonoursContext(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = refused()
	}
	base := &scriptedRoundTripper{errs: errs}
	rt := NewRetryingTransport(base, 10, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	rt.OnRetry = func(context.Context, int, error) { cancel() }
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/", nil)
	start := time.Now()
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
}

func TestRetryableByMethod(t *testing.T) {
	cases := []struct {
		method string
		err    error
		want   bool
	}{
		{http.MethodPost, refused(), true},
		{http.MethodPost, reset(), false},
		{http.MethodPost, io.EOF, false},
		{http.MethodPut, reset(), true},
		{http.MethodGet, io.EOF, true},
		{http.MethodDelete, fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF), true},
		{http.MethodPatch, reset(), false},
		{http.MethodGet, errors.New("boom"), false},
		{http.MethodGet, context.Canceled, false},
	}
	for i, tc := range cases {
		if got := retryable(tc.method, tc.err); got != tc.want {
			t.Fatalf("case %d (%s %v): got %v want %v", i, tc.method, tc.err, got, tc.want)
		}
	}
}

// dropFirstServer reads the first request of each method, then closes the
// connection without answering.
type dropFirstServer struct {
	mu   sync.Mutex
	seen map[string]int
}

func (s *dropFirstServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.ReadAll(r.Body)
	s.mu.Lock()
	s.seen[r.Method]++
	n := s.seen[r.Method]
	s.mu.Unlock()
	if n == 1 {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("hijacking unsupported")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			panic(err)
		}
		_ = conn.Close()
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *dropFirstServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[method]
}

func TestRetryingTransportDoesNotResendDeliveredPost(t *testing.T) {
	handler := &dropFirstServer{seen: make(map[string]int)}
	srv := httptest.NewServer(handler)
	defer srv.Close()
	base := &http.Transport{DisableKeepAlives: true}
	rt := NewRetryingTransport(base, 5, time.Millisecond, time.Millisecond)
	hc := &http.Client{Transport: rt}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/template/api_list/", strings.NewReader(`{"guid":"x"}`))
	if resp, err := hc.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected the dropped POST to fail")
	}
	if got := handler.count(http.MethodPost); got != 1 {
		t.Fatalf("expected the POST delivered once, got %d", got)
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/template/api_detail/x/", strings.NewReader(`{"guid":"x"}`))
	resp, err := hc.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if got := handler.count(http.MethodPut); got != 2 {
		t.Fatalf("expected the PUT re-sent once, got %d", got)
	}
}

func TestIsConnectError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{refused(), true},
		{reset(), false},
		{io.EOF, false},
		{fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF), false},
		{&net.DNSError{Err: "timeout", IsTemporary: true}, true},
		{&net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for i, tc := range cases {
		if got := isConnectError(tc.err); got != tc.want {
			t.Fatalf("case %d (%v): got %v want %v", i, tc.err, got, tc.want)
		}
	}
}
