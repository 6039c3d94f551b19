package reportsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/internal/fakeserver"
)

// TestServer wraps a running in-memory report server with convenient
// handles for tests.
type TestServer struct {
	Fake     *fakeserver.Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	httpServer *http.Server
	proxy      *chaosProxy
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.httpServer == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	if ts.proxy != nil {
		_ = ts.proxy.Close()
		ts.proxy = nil
	}
	err := ts.httpServer.Shutdown(ctx)
	ts.httpServer = nil
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// URL returns the base URL clients should use to reach the server. With
// chaos enabled it points at the proxy.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	return ts.Listener
}

// NewClient returns a new client configured against the test server with
// the server's credentials.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	options := make([]client.Option, 0, len(opts)+1)
	if ts.Config.Username != "" {
		options = append(options, client.WithCredentials(ts.Config.Username, ts.Config.Password))
	}
	options = append(options, opts...)
	return client.New(ts.BaseURL, options...)
}

type testServerOptions struct {
	config        Config
	apiVersion    float64
	acls          bool
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	chaos         *ChaosConfig
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig overrides the base configuration. Only the credential
// fields are used by the server.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.config = cfg
	}
}

// WithTestCredentials enables basic auth on the server and the default client.
func WithTestCredentials(username, password string) TestServerOption {
	return func(o *testServerOptions) {
		o.config.Username = username
		o.config.Password = password
	}
}

// WithTestAPIVersion sets the advertised API version. Versions below 1.0
// make the server demand legacy payloads.
func WithTestAPIVersion(v float64) TestServerOption {
	return func(o *testServerOptions) {
		o.apiVersion = v
	}
}

// WithTestACLs sets the initial ACL flag.
func WithTestACLs(enabled bool) TestServerOption {
	return func(o *testServerOptions) {
		o.acls = enabled
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClientOptions appends options used for the default client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestChaos places a chaos proxy between clients and the server.
func WithTestChaos(cfg *ChaosConfig) TestServerOption {
	return func(o *testServerOptions) {
		if cfg == nil {
			o.chaos = nil
			return
		}
		copyCfg := *cfg
		o.chaos = &copyCfg
	}
}

// WithTestLoggerFromTB routes server logs through testing.TB at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// NewTestServer starts an in-memory report server on a loopback listener.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{testLogLevel: pslog.NoLevel}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	fake := fakeserver.New(fakeserver.Options{
		Version:  options.apiVersion,
		ACLs:     options.acls,
		Username: options.config.Username,
		Password: options.config.Password,
		Logger:   logger,
	})
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("test server listen: %w", err)
	}
	srv := &http.Server{Handler: fake, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("testserver.serve.error", "error", err)
		}
	}()
	ts := &TestServer{
		Fake:       fake,
		BaseURL:    "http://" + ln.Addr().String(),
		Listener:   ln.Addr(),
		Config:     options.config,
		httpServer: srv,
	}
	ts.Config.ServerURL = ts.BaseURL
	if options.chaos != nil {
		proxy, err := newChaosProxy(ts.BaseURL, options.chaos)
		if err != nil {
			_ = ts.Stop(ctx)
			return nil, fmt.Errorf("chaos proxy: %w", err)
		}
		ts.proxy = proxy
		ts.BaseURL = "http://" + proxy.Addr().String()
		ts.Config.ServerURL = ts.BaseURL
	}
	if !options.disableClient {
		cli, err := ts.NewClient(options.clientOpts...)
		if err != nil {
			_ = ts.Stop(ctx)
			return nil, fmt.Errorf("test client: %w", err)
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}

// ChaosConfig describes network perturbations applied by the chaos proxy.
type ChaosConfig struct {
	// Seed controls the pseudo-random source. When zero, time.Now is used.
	Seed int64

	// ResetFirst closes the first N accepted connections before any byte
	// is forwarded, which clients observe as a reset or EOF.
	ResetFirst int

	// ResetProbability closes a connection before forwarding (0.0-1.0).
	ResetProbability float64

	// MinDelay and MaxDelay bound per-chunk latency. When both zero no delay is added.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ChunkSize controls read/write batch size. Defaults to 32k if <=0.
	ChunkSize int
}

func (c *ChaosConfig) normalize() chaosRuntimeConfig {
	cfg := chaosRuntimeConfig{
		resetFirst: c.ResetFirst,
		resetProb:  clampProbability(c.ResetProbability),
		minDelay:   c.MinDelay,
		maxDelay:   c.MaxDelay,
		chunkSize:  c.ChunkSize,
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = 32 << 10
	}
	if cfg.resetFirst < 0 {
		cfg.resetFirst = 0
	}
	if cfg.minDelay < 0 {
		cfg.minDelay = 0
	}
	if cfg.maxDelay < cfg.minDelay {
		cfg.maxDelay = cfg.minDelay
	}
	if c.Seed != 0 {
		cfg.seed = c.Seed
	} else {
		cfg.seed = time.Now().UnixNano()
	}
	return cfg
}

type chaosRuntimeConfig struct {
	resetFirst int
	resetProb  float64
	minDelay   time.Duration
	maxDelay   time.Duration
	chunkSize  int
	seed       int64
}

func clampProbability(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type chaosProxy struct {
	listener net.Listener
	remote   string
	cfg      chaosRuntimeConfig

	mu        sync.Mutex
	accepted  int
	resets    int
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Resets returns how many connections the proxy has dropped.
func (ts *TestServer) Resets() int {
	if ts == nil || ts.proxy == nil {
		return 0
	}
	ts.proxy.mu.Lock()
	defer ts.proxy.mu.Unlock()
	return ts.proxy.resets
}

func newChaosProxy(remoteURL string, config *ChaosConfig) (*chaosProxy, error) {
	cfg := config.normalize()
	u, err := url.Parse(remoteURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("chaos proxy: missing remote host in %s", remoteURL)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cp := &chaosProxy{
		listener: ln,
		remote:   u.Host,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	cp.wg.Add(1)
	go cp.acceptLoop()
	return cp, nil
}

func (cp *chaosProxy) Addr() net.Addr {
	return cp.listener.Addr()
}

func (cp *chaosProxy) Close() error {
	var err error
	cp.closeOnce.Do(func() {
		close(cp.stopCh)
		err = cp.listener.Close()
	})
	cp.wg.Wait()
	return err
}

func (cp *chaosProxy) acceptLoop() {
	defer cp.wg.Done()
	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			select {
			case <-cp.stopCh:
				return
			default:
			}
			continue
		}
		cp.wg.Add(1)
		go func(c net.Conn) {
			defer cp.wg.Done()
			cp.handleConnection(c)
		}(conn)
	}
}

// shouldReset counts the connection and decides whether to drop it.
func (cp *chaosProxy) shouldReset(rng *rand.Rand) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.accepted++
	if cp.accepted <= cp.cfg.resetFirst || (cp.cfg.resetProb > 0 && rng.Float64() < cp.cfg.resetProb) {
		cp.resets++
		return true
	}
	return false
}

func (cp *chaosProxy) handleConnection(downstream net.Conn) {
	defer downstream.Close()
	rng := rand.New(rand.NewSource(cp.cfg.seed ^ time.Now().UnixNano()))
	if cp.shouldReset(rng) {
		if tcp, ok := downstream.(*net.TCPConn); ok {
			// Zero linger turns Close into an RST.
			_ = tcp.SetLinger(0)
		}
		return
	}
	upstream, err := net.DialTimeout("tcp", cp.remote, 200*time.Millisecond)
	if err != nil {
		return
	}
	defer upstream.Close()

	errCh := make(chan error, 2)
	go cp.pipe(errCh, upstream, downstream, rng)
	go cp.pipe(errCh, downstream, upstream, rand.New(rand.NewSource(rng.Int63())))

	select {
	case <-cp.stopCh:
	case <-errCh:
	}
	_ = downstream.SetDeadline(time.Now())
	_ = upstream.SetDeadline(time.Now())
	<-errCh
}

func (cp *chaosProxy) pipe(errCh chan<- error, dst net.Conn, src net.Conn, rng *rand.Rand) {
	buf := make([]byte, cp.cfg.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if cp.cfg.maxDelay > 0 {
				delay := cp.cfg.minDelay
				if cp.cfg.maxDelay > cp.cfg.minDelay {
					delay += time.Duration(rng.Int63n(int64(cp.cfg.maxDelay-cp.cfg.minDelay) + 1))
				}
				time.Sleep(delay)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				errCh <- werr
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				errCh <- nil
			} else {
				errCh <- err
			}
			return
		}
	}
}
