package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/credstore"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/httpx"
	"github.com/aussiebroadwan/carelink/pkg/jwtx"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
)

const (
	DefaultLoginPath      = "/auth/login"
	DefaultRefreshPath    = "/auth/refresh"
	DefaultRequestTimeout = 15 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

// Config controls a Client.
type Config struct {
	BaseURL     string
	LoginPath   string
	RefreshPath string

	// RequestTimeout bounds each HTTP call, including reading the body.
	RequestTimeout time.Duration
	// RefreshTimeout bounds the token refresh call.
	RefreshTimeout time.Duration
	// TokenExpirySkew refreshes a JWT access token this long before its exp.
	// Zero disables proactive refresh.
	TokenExpirySkew time.Duration

	RateLimit httpx.RateLimitConfig

	// Transport is the innermost round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper

	// OnSessionExpired is called after a refresh failure has cleared the
	// stored credentials.
	OnSessionExpired func(error)
}

func (c *Config) setDefaults() {
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.RefreshPath == "" {
		c.RefreshPath = DefaultRefreshPath
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
}

// Client sends authenticated REST calls. A 401 on anything but the login
// call triggers one token refresh through the Coordinator and one retry.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	store       credstore.Store
	coordinator *Coordinator
	logger      *slog.Logger
}

// New creates a Client and its refresh Coordinator.
func New(cfg Config, store credstore.Store, logger *slog.Logger) (*Client, error) {
	cfg.setDefaults()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base URL %q", cfg.BaseURL)
	}
	if store == nil {
		return nil, errors.New("apiclient: credential store is required")
	}

	clientLogger := slogx.Component(logger, "apiclient")

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		store:   store,
		logger:  clientLogger,
		httpClient: &http.Client{
			Transport: &httpx.RateLimitedTransport{
				Base:    slogx.NewTransport(cfg.Transport, clientLogger),
				Limiter: httpx.NewLimiter(cfg.RateLimit),
			},
		},
	}
	c.coordinator = NewCoordinator(store, c.RefreshTokens, cfg.RefreshTimeout, cfg.OnSessionExpired, logger)
	return c, nil
}

// Coordinator returns the refresh coordinator owned by the client.
func (c *Client) Coordinator() *Coordinator { return c.coordinator }

// Close stops the coordinator.
func (c *Client) Close() { c.coordinator.Close() }

// Response is a successful (2xx) response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Request sends method path with body encoded as JSON. body may be nil,
// []byte or json.RawMessage (sent as-is), or any JSON-marshalable value.
//
// Non-2xx responses are returned as *HTTPError. A 401 is retried once after
// a refresh; if the refresh fails the original 401 is returned wrapping the
// *RefreshError.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	token := credstore.ReadToken(ctx, c.store, credstore.KeyAccessToken, c.logger)
	if c.shouldRefreshEarly(token) {
		fresh, err := c.coordinator.Refresh(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("refresh expiring access token: %w", err)
		}
		token = fresh
	}

	resp, herr, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return nil, err
	}
	if herr == nil {
		return resp, nil
	}
	if !herr.Unauthorized() || c.isLoginPath(path) {
		return nil, herr
	}

	c.logger.Debug("request rejected, refreshing token",
		"method", method,
		"path", path,
		"access_fp", cryptox.FingerprintToken(token),
	)

	fresh, rerr := c.coordinator.Refresh(ctx, token)
	if rerr != nil {
		herr.Err = rerr
		return nil, herr
	}

	// Exactly one retry. A second rejection is terminal.
	resp, herr, err = c.send(ctx, method, path, payload, fresh)
	if err != nil {
		return nil, err
	}
	if herr != nil {
		return nil, herr
	}
	return resp, nil
}

// Login exchanges email and password for a credential pair. It does not
// persist them. A 401 is wrapped as ErrInvalidCredentials and never triggers
// a refresh.
func (c *Client) Login(ctx context.Context, email, password string) (domain.Credentials, error) {
	payload, err := encodeBody(map[string]string{"email": email, "password": password})
	if err != nil {
		return domain.Credentials{}, err
	}

	resp, herr, err := c.send(ctx, http.MethodPost, c.cfg.LoginPath, payload, "")
	if err != nil {
		return domain.Credentials{}, err
	}
	if herr != nil {
		if herr.Unauthorized() {
			herr.Err = ErrInvalidCredentials
		}
		return domain.Credentials{}, herr
	}
	return decodeCredentials(resp, "")
}

// RefreshTokens calls the refresh endpoint directly. It never consults the
// store and never retries; use Coordinator.Refresh for the single-flight path.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	payload, err := encodeBody(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return domain.Credentials{}, err
	}

	resp, herr, err := c.send(ctx, http.MethodPost, c.cfg.RefreshPath, payload, "")
	if err != nil {
		return domain.Credentials{}, err
	}
	if herr != nil {
		return domain.Credentials{}, herr
	}
	return decodeCredentials(resp, refreshToken)
}

// send performs one round trip. Transport failures come back as err, non-2xx
// responses as herr.
func (c *Client) send(
	ctx context.Context,
	method, path string,
	payload []byte,
	token string,
) (*Response, *HTTPError, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if lang := credstore.ReadToken(ctx, c.store, credstore.KeyLanguage, c.logger); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, c.transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, c.transportError(ctx, method, path, err)
	}

	if herr := parseErrorResponse(resp.StatusCode, bodyBytes); herr != nil {
		return nil, herr, nil
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: bodyBytes}, nil, nil
}

// transportError maps a per-call deadline to ErrTimeout. Cancellation by the
// caller is returned as is.
func (c *Client) transportError(ctx context.Context, method, path string, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s after %s", ErrTimeout, method, path, c.cfg.RequestTimeout)
	}
	return fmt.Errorf("failed to send request: %w", err)
}

func (c *Client) shouldRefreshEarly(token string) bool {
	return token != "" && c.cfg.TokenExpirySkew > 0 &&
		jwtx.ExpiresWithin(token, c.cfg.TokenExpirySkew, time.Now())
}

func (c *Client) isLoginPath(path string) bool {
	p, _, _ := strings.Cut(path, "?")
	return p == c.cfg.LoginPath
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		return payload, nil
	}
}

// decodeCredentials reads a token pair. A response without a new refresh
// token keeps previousRefresh.
func decodeCredentials(resp *Response, previousRefresh string) (domain.Credentials, error) {
	var creds domain.Credentials
	if err := resp.Decode(&creds); err != nil {
		return domain.Credentials{}, err
	}
	if creds.AccessToken == "" {
		return domain.Credentials{}, errors.New("apiclient: token response has no access token")
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = previousRefresh
	}
	return creds, nil
}
