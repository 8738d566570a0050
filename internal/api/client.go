package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"ShadiChat/internal/locale"
	"ShadiChat/internal/session"
)

// DefaultBaseURL is used when no API URL is configured
const DefaultBaseURL = "http://localhost:8080/api/v1"

// TokenStore is the part of session.Store the client reads and writes
type TokenStore interface {
	Snapshot() session.Session
	SetAccessToken(ctx context.Context, token string) bool
	Logout(ctx context.Context)
}

// Navigator moves the client to another entry point after a fatal auth failure
type Navigator interface {
	CurrentPath() string
	Redirect(path string)
}

// Client issues REST calls with bearer injection and one-shot refresh-and-retry
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      TokenStore
	nav        Navigator
	logger     *slog.Logger
	tracer     trace.Tracer

	requestDuration metric.Float64Histogram
	refreshTotal    metric.Int64Counter

	refreshGroup   singleflight.Group
	refreshTimeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNavigator sets where the client redirects after the session expires
func WithNavigator(nav Navigator) Option {
	return func(c *Client) { c.nav = nav }
}

// WithRefreshTimeout bounds a token refresh, which outlives the request that
// triggered it
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithTelemetry sets the tracer and meter; the otel globals are used otherwise
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
		if meter != nil {
			c.initInstruments(meter)
		}
	}
}

// NewClient creates a REST client for baseURL
func NewClient(baseURL string, store TokenStore, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		logger:     logger,
		tracer:     otel.Tracer("shadichat/api"),

		refreshTimeout: 30 * time.Second,
	}
	c.initInstruments(otel.Meter("shadichat/api"))

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) initInstruments(meter metric.Meter) {
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		c.logger.Warn("failed to create histogram", "error", err)
	} else {
		c.requestDuration = histogram
	}

	counter, err := meter.Int64Counter(
		"auth.refresh.total",
		metric.WithDescription("Access token refresh attempts"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "error", err)
	} else {
		c.refreshTotal = counter
	}
}

// request is one logical REST call; retried guards the single replay
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	retried     bool
}

// envelope is the backend's standard response shape
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// do runs an authenticated call and decodes the envelope's data into out
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	req := &request{method: method, path: path, query: query}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.body = body
	}

	status, body, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	return decode(status, body, out)
}

// upload sends a multipart form holding fields and one file under "file".
// The form is buffered so a replay after refresh sends the same bytes.
func (c *Client) upload(ctx context.Context, path string, fields map[string]string, filename string, file io.Reader, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish form: %w", err)
	}

	req := &request{method: http.MethodPost, path: path, body: buf.Bytes(), contentType: w.FormDataContentType()}
	status, body, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	return decode(status, body, out)
}

// execute sends req with the current access token and, on a first 401 while
// a refresh token is available, refreshes once and replays.
func (c *Client) execute(ctx context.Context, req *request) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, req.method+" "+req.path)
	defer span.End()

	sess := c.store.Snapshot()
	status, body, err := c.send(ctx, req, sess.AccessToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	if status != http.StatusUnauthorized || req.retried || sess.RefreshToken == "" {
		return status, body, nil
	}

	req.retried = true
	token, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, err
	}

	c.logger.Debug("replaying request after refresh", "method", req.method, "path", req.path)
	status, body, err = c.send(ctx, req, token)
	if err != nil {
		span.RecordError(err)
		return 0, nil, err
	}
	span.SetAttributes(attribute.Int("http.retry_status_code", status))
	return status, body, nil
}

// refresh exchanges refreshToken for a new access token. Concurrent callers
// holding the same refresh token share one exchange, which runs detached from
// any caller's context: a caller giving up leaves the exchange running for the
// others. A failed exchange is fatal: the session is cleared and the client
// is sent to the login page.
func (c *Client) refresh(ctx context.Context, refreshToken string) (string, error) {
	ch := c.refreshGroup.DoChan(refreshToken, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()

		if c.refreshTotal != nil {
			c.refreshTotal.Add(rctx, 1)
		}

		tokens, err := c.Refresh(rctx, refreshToken)
		if err == nil && tokens.AccessToken == "" {
			err = errors.New("refresh response carried no access token")
		}
		if err != nil {
			c.expireSession(rctx, err)
			return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}

		if !c.store.SetAccessToken(rctx, tokens.AccessToken) {
			return "", fmt.Errorf("%w: logged out during refresh", ErrSessionExpired)
		}
		return tokens.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for token refresh: %w", ctx.Err())
	}
}

func (c *Client) expireSession(ctx context.Context, cause error) {
	c.logger.Warn("token refresh failed, clearing session", "error", cause)
	c.store.Logout(context.WithoutCancel(ctx))

	if c.nav == nil {
		return
	}
	target := locale.LoginPath(c.nav.CurrentPath())
	c.logger.Info("redirecting to login", "path", target)
	c.nav.Redirect(target)
}

// send performs a single HTTP exchange. token may be empty.
func (c *Client) send(ctx context.Context, req *request, token string) (int, []byte, error) {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var reader io.Reader
	if req.body != nil {
		reader = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	contentType := req.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if c.requestDuration != nil {
		c.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(
				attribute.String("http.method", req.method),
				attribute.Int("http.status_code", resp.StatusCode),
			))
	}

	c.logger.Debug("api call", "method", req.method, "path", req.path, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return resp.StatusCode, body, nil
}

func decode(status int, body []byte, out any) error {
	if status < 200 || status >= 300 {
		return newError(status, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}
