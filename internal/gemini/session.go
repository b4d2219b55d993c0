package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/adsync-lab/geminisync/internal/metrics"
)

const (
	baseURLFormat    = "https://api.gemini.yahoo.com/v%d/rest/"
	sandboxURLFormat = "https://sandbox-api.gemini.yahoo.com/v%d/rest/"
	defaultTokenURL  = "https://api.login.yahoo.com/oauth2/get_token"

	// DefaultAPIVersion is the reporting API version used when the config
	// does not pin one.
	DefaultAPIVersion = 3

	// tokenSafetyMargin forces a refresh slightly before the access token
	// actually expires, so long-running report jobs never race expiry.
	tokenSafetyMargin = time.Minute

	defaultMaxRetries     = 4
	defaultRequestTimeout = 2 * time.Minute
)

// Credentials are the OAuth2 client credentials plus the long-lived refresh
// token used for the refresh-token grant. Opaque to everything but the
// session.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Session owns the authenticated HTTP connection to the API. It acquires
// and refreshes the bearer token on demand and exposes authenticated calls
// to the report client and object lister. Safe for concurrent use:
// concurrent callers needing a refresh share a single in-flight grant.
type Session struct {
	client     *http.Client
	baseURL    string
	tokenURL   string
	creds      Credentials
	userAgent  string
	maxRetries uint64

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
	refresh     singleflight.Group
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) { s.client = c }
}

// WithBaseURL overrides the API base URL. Used by tests and by sandbox mode.
func WithBaseURL(u string) SessionOption {
	return func(s *Session) { s.baseURL = u }
}

// WithTokenURL overrides the OAuth2 token endpoint.
func WithTokenURL(u string) SessionOption {
	return func(s *Session) { s.tokenURL = u }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) SessionOption {
	return func(s *Session) { s.userAgent = ua }
}

// WithMaxRetries bounds request-level retries of transient failures.
func WithMaxRetries(n uint64) SessionOption {
	return func(s *Session) { s.maxRetries = n }
}

// NewSession creates a session for the given API version. sandbox selects
// the sandbox endpoint.
func NewSession(creds Credentials, apiVersion int, sandbox bool, opts ...SessionOption) *Session {
	if apiVersion <= 0 {
		apiVersion = DefaultAPIVersion
	}
	format := baseURLFormat
	if sandbox {
		format = sandboxURLFormat
	}
	s := &Session{
		client:     &http.Client{Timeout: defaultRequestTimeout},
		baseURL:    fmt.Sprintf(format, apiVersion),
		tokenURL:   defaultTokenURL,
		creds:      creds,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !strings.HasSuffix(s.baseURL, "/") {
		s.baseURL += "/"
	}
	return s
}

// token returns a valid access token, refreshing if the cached one is
// missing or expires within the safety margin.
func (s *Session) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.accessToken != "" && time.Until(s.expiry) > tokenSafetyMargin {
		tok := s.accessToken
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	// Single-flight: concurrent callers piggyback on one grant.
	v, err, _ := s.refresh.Do("refresh", func() (any, error) {
		return s.refreshGrant(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate drops the cached token so the next call refreshes. Only drops
// the exact token that failed, in case another caller already refreshed.
func (s *Session) invalidate(tok string) {
	s.mu.Lock()
	if s.accessToken == tok {
		s.accessToken = ""
	}
	s.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// refreshGrant exchanges the refresh token for a new access token.
func (s *Session) refreshGrant(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {s.creds.ClientID},
		"client_secret": {s.creds.ClientSecret},
		"refresh_token": {s.creds.RefreshToken},
		"grant_type":    {"refresh_token"},
		"redirect_uri":  {"oob"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &AuthError{Message: fmt.Sprintf("token endpoint unreachable: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{Message: fmt.Sprintf("reading token response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Status: resp.StatusCode, Message: fmt.Sprintf("refresh grant rejected: %s", strings.TrimSpace(string(body)))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &AuthError{Message: fmt.Sprintf("parsing token response: %v", err)}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{Message: "token response missing access_token"}
	}

	expiresIn, err := tr.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		expiresIn = 600
	}

	s.mu.Lock()
	s.accessToken = tr.AccessToken
	s.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	s.mu.Unlock()

	slog.Info("[Session] Access token refreshed", "expires_in_seconds", expiresIn)
	return tr.AccessToken, nil
}

// envelope is the standard API response wrapper.
type envelope struct {
	Errors   []apiErrorBody  `json:"errors"`
	Response json.RawMessage `json:"response"`
}

// Call issues an authenticated request to an API endpoint, retrying
// transient failures with exponential backoff, and returns the unwrapped
// response payload. A 401 triggers exactly one forced token refresh and one
// retry of the call; a second 401 is fatal.
func (s *Session) Call(ctx context.Context, method, endpoint string, params url.Values, payload any) (json.RawMessage, error) {
	u := s.baseURL + strings.TrimPrefix(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
	}

	refreshed := false
	operation := func() (json.RawMessage, error) {
		raw, err := s.doOnce(ctx, method, u, body)

		var ae *AuthError
		if errors.As(err, &ae) && ae.Status == http.StatusUnauthorized && !refreshed {
			refreshed = true
			slog.Warn("[Session] 401 response, forcing token refresh and retrying once", "endpoint", endpoint)
			raw, err = s.doOnce(ctx, method, u, body)
		}

		if err != nil {
			var te *TransientError
			if errors.As(err, &te) {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		return raw, nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	return backoff.RetryWithData(operation, bo)
}

// doOnce performs a single authenticated HTTP exchange and classifies the
// outcome against the error taxonomy.
func (s *Session) doOnce(ctx context.Context, method, u string, body []byte) (json.RawMessage, error) {
	tok, err := s.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	timer := metrics.StartTimer("http_request_timer", "method", method, "url", u)
	resp, err := s.client.Do(req)
	timer.Stop()
	if err != nil {
		return nil, &TransientError{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Message: "reading response body", Cause: err}
	}

	slog.Debug("[Session] Response",
		"method", method,
		"url", u,
		"status", resp.StatusCode,
		"authorization", "************", // never log the bearer token
	)

	if resp.StatusCode == http.StatusUnauthorized {
		s.invalidate(tok)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromStatus(resp.StatusCode, firstError(data))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing API envelope: %w", err)
	}
	if len(env.Errors) > 0 {
		for _, e := range env.Errors {
			slog.Error("[Session] API error in envelope", "code", e.Code, "message", e.Message)
		}
		return nil, errorFromStatus(resp.StatusCode, env.Errors[0])
	}
	return env.Response, nil
}

// Download fetches a prepared report result. The result location is a
// pre-signed URL, so no bearer token is attached.
func (s *Session) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransientError{Message: "report download failed", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransientError{Status: resp.StatusCode, Message: "report download returned non-200"}
	}
	return resp.Body, nil
}

// firstError extracts the first error entry from an error response body.
// The API returns either {"errors": [...]} or {"error": {...}}.
func firstError(data []byte) apiErrorBody {
	var multi struct {
		Errors []apiErrorBody `json:"errors"`
	}
	if err := json.Unmarshal(data, &multi); err == nil && len(multi.Errors) > 0 {
		return multi.Errors[0]
	}
	var single struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &single); err == nil && single.Error.Code != "" {
		return single.Error
	}
	return apiErrorBody{Message: strings.TrimSpace(string(data))}
}
