package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/publicsuffix"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/api"
	"pkt.systems/reportsync/internal/svcfields"
	"pkt.systems/reportsync/resource"
)

const (
	// DefaultHTTPTimeout bounds a single request, retries included.
	DefaultHTTPTimeout = 30 * time.Second
	// maxErrorBody bounds how much of an error response is retained.
	maxErrorBody = 64 << 10
)

var (
	// ErrPermissionDenied is returned for HTTP 403. It is never retried.
	ErrPermissionDenied = errors.New("reportsync: permission denied")
	// ErrBadRequest is returned for HTTP 400.
	ErrBadRequest = errors.New("reportsync: bad request")
	// ErrNotFound is returned for HTTP 404.
	ErrNotFound = errors.New("reportsync: not found")
)

// APIError describes an error response from a report server.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Method and Path identify the failed request.
	Method string
	Path   string
	// Response is the decoded error envelope, when the body had one.
	Response api.ErrorResponse
	// Body contains the raw response body, truncated to 64 KiB.
	Body []byte
}

func (e *APIError) Error() string {
	switch {
	case e.Response.ErrorCode != "":
		return fmt.Sprintf("reportsync: %s %s: %s (%s)", e.Method, e.Path, e.Response.ErrorCode, e.Response.Detail)
	case e.Response.Detail != "":
		return fmt.Sprintf("reportsync: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Response.Detail)
	case len(e.Body) > 0:
		return fmt.Sprintf("reportsync: %s %s: status %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(string(e.Body)))
	}
	return fmt.Sprintf("reportsync: %s %s: status %d", e.Method, e.Path, e.Status)
}

// Unwrap maps the status onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// InvalidPK reports whether the server rejected a foreign key reference.
func (e *APIError) InvalidPK() bool {
	if e == nil || e.Status != http.StatusBadRequest {
		return false
	}
	return e.Response.ErrorCode == "invalid_pk" || bytes.Contains(e.Body, []byte("Invalid pk"))
}

// Client talks to one report server. It is safe for concurrent use.
// Parent pushes are serialized, so concurrent puts under an unchanged
// Session/Dataset push it once.
type Client struct {
	baseURL        string
	username       string
	password       string
	application    string
	httpClient     *http.Client
	httpTimeout    time.Duration
	logger         pslog.Base
	failureRetries int
	retryBase      time.Duration
	retryMax       time.Duration
	meterProvider  metric.MeterProvider
	tracing        bool
	registry       *resource.Registry
	metrics        *clientMetrics

	versionMu sync.Mutex
	version   *resource.APIVersion

	// parentMu is held across the digest check and push of a parent so
	// concurrent puts push an unchanged parent once.
	parentMu sync.Mutex

	// pushMu guards session, dataset and digests.
	pushMu  sync.Mutex
	session *resource.Session
	dataset *resource.Dataset
	digests map[uuid.UUID]string
}

// Option customises client construction.
type Option func(*Client)

// WithCredentials sets HTTP basic auth credentials.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient supplies a custom HTTP client. Its transport is wrapped by
// a RetryingTransport; the supplied client is not modified.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client", "sync")
			return
		}
		c.logger = logger
	}
}

// WithFailureRetries overrides how many times a request is re-sent after a
// connect-phase failure. Zero disables retries.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.failureRetries = n
		}
	}
}

// WithRetryBackoff overrides the connect retry backoff bounds.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.retryBase = base
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithMeterProvider records client metrics through provider instead of the
// global OpenTelemetry provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Client) {
		c.meterProvider = provider
	}
}

// WithTracing wraps the transport with otelhttp so every request produces a
// client span.
func WithTracing(enabled bool) Option {
	return func(c *Client) {
		c.tracing = enabled
	}
}

// WithRegistry records every pushed or fetched resource in reg.
func WithRegistry(reg *resource.Registry) Option {
	return func(c *Client) {
		c.registry = reg
	}
}

// WithApplication names the application recorded in the lazily created
// current Session.
func WithApplication(name string) Option {
	return func(c *Client) {
		c.application = strings.TrimSpace(name)
	}
}

// New creates a client for the report server at baseURL
// (e.g. http://localhost:8000).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("reportsync: baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("reportsync: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("reportsync: base url %q must use http or https", baseURL)
	}
	c := &Client{
		baseURL:        trimmed,
		httpTimeout:    DefaultHTTPTimeout,
		logger:         pslog.NoopLogger(),
		failureRetries: DefaultConnectRetries,
		retryBase:      DefaultRetryBaseDelay,
		retryMax:       DefaultRetryMaxDelay,
		digests:        make(map[uuid.UUID]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if full, ok := c.logger.(pslog.Logger); ok {
		c.logger = svcfields.WithServer(full, trimmed)
	}
	c.metrics = newClientMetrics(c.meterProvider, c.logger)
	if err := c.initHTTP(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) initHTTP() error {
	var cli http.Client
	if c.httpClient != nil {
		cli = *c.httpClient
	}
	if cli.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return fmt.Errorf("reportsync: cookie jar: %w", err)
		}
		cli.Jar = jar
	}
	base := cli.Transport
	if base == nil {
		if dt, ok := http.DefaultTransport.(*http.Transport); ok {
			base = dt.Clone()
		} else {
			base = http.DefaultTransport
		}
	}
	if _, already := base.(*RetryingTransport); !already {
		rt := NewRetryingTransport(base, c.failureRetries, c.retryBase, c.retryMax)
		rt.Logger = c.logger
		rt.OnRetry = func(ctx context.Context, _ int, _ error) { c.metrics.recordConnectRetry(ctx) }
		base = rt
	}
	if c.tracing {
		base = otelhttp.NewTransport(base)
	}
	cli.Transport = base
	c.httpClient = &cli
	return nil
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Registry returns the resource table configured with WithRegistry, if any.
func (c *Client) Registry() *resource.Registry { return c.registry }

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	if c == nil || c.httpClient == nil {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

// do issues one request. body may be nil. Non-2xx responses are returned
// as *APIError with the body consumed.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}
	start := time.Now()
	c.logTraceCtx(ctx, "client.http.attempt", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logDebugCtx(ctx, "client.http.error", "method", method, "path", path, "error", err, "duration", time.Since(start))
		return fmt.Errorf("reportsync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.metrics.recordRequest(ctx, method, resp.StatusCode, time.Since(start))
	c.logTraceCtx(ctx, "client.http.success", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(req, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("reportsync: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(req *http.Request, resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode, Method: req.Method, Path: req.URL.Path, Body: data}
	if len(data) > 0 {
		// Field -> messages bodies leave Response empty; Body keeps them.
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	c.logWarnCtx(req.Context(), "client.http.status_error", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, data, "application/json", out)
}

func (c *Client) serverVersion(ctx context.Context) (*api.VersionResponse, error) {
	var resp api.VersionResponse
	if err := c.getJSON(ctx, api.VersionPath, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks that the server answers and accepts the credentials.
// It is the readiness probe used for spawned instances.
func (c *Client) Validate(ctx context.Context) error {
	resp, err := c.serverVersion(ctx)
	if err != nil {
		return err
	}
	c.cacheVersion(resource.APIVersion(resp.Version))
	return nil
}

// APIVersion returns the server API version. The first successful answer is
// cached for the life of the client.
func (c *Client) APIVersion(ctx context.Context) (resource.APIVersion, error) {
	c.versionMu.Lock()
	if c.version != nil {
		v := *c.version
		c.versionMu.Unlock()
		return v, nil
	}
	c.versionMu.Unlock()
	resp, err := c.serverVersion(ctx)
	if err != nil {
		return 0, err
	}
	return c.cacheVersion(resource.APIVersion(resp.Version)), nil
}

func (c *Client) cacheVersion(v resource.APIVersion) resource.APIVersion {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	if c.version == nil {
		c.version = &v
		c.logDebug("client.version.cached", "version", v.String(), "legacy", v.Legacy())
	}
	return *c.version
}

// ACLsEnabled reports whether the server currently enforces per-item access
// control. It is queried on every call since servers toggle it at runtime.
func (c *Client) ACLsEnabled(ctx context.Context) (bool, error) {
	resp, err := c.serverVersion(ctx)
	if err != nil {
		return false, err
	}
	return resp.ACLs, nil
}

// MagicToken requests a one-time login token for username. An empty
// username asks for a token for the authenticated user.
func (c *Client) MagicToken(ctx context.Context, username string, ttl time.Duration) (*api.MagicTokenResponse, error) {
	req := api.MagicTokenRequest{Username: username, ExpiresInSeconds: int64(ttl / time.Second)}
	var resp api.MagicTokenResponse
	if err := c.sendJSON(ctx, http.MethodPost, api.MagicTokenPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyMagicToken asks the server whether token is valid.
func (c *Client) VerifyMagicToken(ctx context.Context, token string) (*api.MagicTokenVerifyResponse, error) {
	var resp api.MagicTokenVerifyResponse
	if err := c.sendJSON(ctx, http.MethodPost, api.MagicTokenVerifyPath, api.MagicTokenVerifyRequest{Token: token}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get lists resources of kind matching query. A nil query lists all.
func (c *Client) Get(ctx context.Context, kind resource.Kind, query resource.Query) ([]resource.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", resource.ErrUnknownKind, kind)
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	version, err := c.APIVersion(ctx)
	if err != nil {
		return nil, err
	}
	path := api.ListPath(kind.Endpoint())
	if len(query) > 0 {
		path += "?" + url.Values{"query": {query.String()}}.Encode()
	}
	var rows []map[string]any
	if err := c.getJSON(ctx, path, &rows); err != nil {
		return nil, err
	}
	out := make([]resource.Resource, 0, len(rows))
	for _, row := range rows {
		r, err := resource.Decode(kind, row, version)
		if err != nil {
			return nil, err
		}
		c.registry.Add(r)
		out = append(out, r)
	}
	c.logDebugCtx(ctx, "client.get.success", "kind", kind, "count", len(out))
	return out, nil
}

// GetByGUID fetches one resource. Missing objects return an error wrapping
// ErrNotFound.
func (c *Client) GetByGUID(ctx context.Context, kind resource.Kind, id uuid.UUID) (resource.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", resource.ErrUnknownKind, kind)
	}
	version, err := c.APIVersion(ctx)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := c.getJSON(ctx, api.DetailPath(kind.Endpoint(), id.String()), &row); err != nil {
		return nil, err
	}
	r, err := resource.Decode(kind, row, version)
	if err != nil {
		return nil, err
	}
	c.registry.Add(r)
	return r, nil
}

// Delete removes resources from the server and clears their saved flag.
// Objects already gone are treated as deleted.
func (c *Client) Delete(ctx context.Context, resources ...resource.Resource) error {
	ctx = ensureCorrelation(ctx)
	for _, r := range resources {
		path := api.DetailPath(r.Kind().Endpoint(), r.GUID().String())
		err := c.do(ctx, http.MethodDelete, path, nil, "", nil)
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.logWarnCtx(ctx, "client.delete.error", "kind", r.Kind(), "guid", r.GUID(), "error", err)
			return err
		}
		r.SetSaved(false)
		c.registry.Remove(r.GUID())
		c.pushMu.Lock()
		delete(c.digests, r.GUID())
		c.pushMu.Unlock()
		c.logDebugCtx(ctx, "client.delete.success", "kind", r.Kind(), "guid", r.GUID())
	}
	return nil
}

// FetchFile downloads the binary content of a file-bearing item.
func (c *Client) FetchFile(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, api.FilePath(id.String()), nil, "", &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logInfoCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebug(msg string, keyvals ...any) {
	c.logDebugCtx(context.Background(), msg, keyvals...)
}

func enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "cid", cid)
}
