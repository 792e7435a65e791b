// Package upstream is the HTTP client for the deviantart.com OAuth2 API
// endpoints this core consumes: token refresh, whoami (owned by a
// collaborator, not called here), stash submit, stash publish, and
// deviation metadata (read path, via pkg/cache).
//
// The raw transport is wrapped with a coarse github.com/sony/gobreaker
// CircuitBreaker as a second, process-wide protective layer underneath
// the per-user pkg/circuitbreaker.Registry the executor drives
// explicitly — see DESIGN.md for why the two aren't merged into one.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/sony/gobreaker"
)

const (
	defaultBaseURL    = "https://www.deviantart.com"
	defaultReadTimeout = 10 * time.Second
)

// Config configures the upstream client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReadTimeout  time.Duration
}

// TokenRefreshResult is the decoded /oauth2/token response.
type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// StashSubmitResult is the decoded /stash/submit response.
type StashSubmitResult struct {
	ItemID string
}

// PublishResult is the decoded /stash/publish response.
type PublishResult struct {
	DeviationID string
	URL         string
}

// RateLimitInfo captures the 429 response headers.
type RateLimitInfo struct {
	RetryAfterSeconds int
	Remaining         int
	ResetAt           int64
}

// Client calls the upstream API over HTTP, wrapped in a gobreaker
// CircuitBreaker tripping after 5 consecutive failures, where a failure
// is a transport error, a 429, or a 5xx response.
type Client struct {
	cfg    Config
	http   *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.ReadTimeout}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-transport",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{cfg: cfg, http: httpClient, breaker: cb}
}

// httpError is the transport-facing error, classified into an
// errorsx.Kind by statusToKind. It satisfies cache.RateLimitedError and
// circuitbreaker's status-code sniffing via StatusCode().
type httpError struct {
	status     int
	body       string
	retryAfter int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.status, e.body)
}

func (e *httpError) StatusCode() int   { return e.status }
func (e *httpError) RateLimited() bool { return e.status == 429 }

func statusToKind(status int) errorsx.Kind {
	switch {
	case status == 400:
		return errorsx.KindValidation
	case status == 401:
		return errorsx.KindAuth
	case status == 403:
		return errorsx.KindPermission
	case status == 429:
		return errorsx.KindRateLimited
	case status >= 500:
		return errorsx.KindServerError
	default:
		return errorsx.KindTransientIO
	}
}

func parseRetryAfter(h http.Header) int {
	if v := h.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// do executes req through the gobreaker transport wrapper, returning a
// typed *errorsx.Error on any non-2xx response or transport failure.
func (c *Client) do(req *http.Request, operation string) (*http.Response, []byte, error) {
	var resp *http.Response
	var body []byte
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var rerr error
		resp, rerr = c.http.Do(req)
		if rerr != nil {
			return nil, errorsx.New(errorsx.KindTransientIO, operation, "upstream", "", rerr)
		}
		defer resp.Body.Close()
		body, rerr = io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, errorsx.New(errorsx.KindTransientIO, operation, "upstream", "", rerr)
		}
		if resp.StatusCode >= 400 {
			retryAfter := parseRetryAfter(resp.Header)
			he := &httpError{status: resp.StatusCode, body: string(body), retryAfter: retryAfter}
			// Only 5xx/429 count as breaker failures; the gobreaker
			// transport layer treats any returned error as a failure, so
			// 4xx terminal errors are surfaced via a typed error but a
			// nil breaker-facing error, handled by the caller below.
			if resp.StatusCode == 429 || resp.StatusCode >= 500 {
				return nil, he
			}
			return he, nil // terminal 4xx: don't trip the transport breaker
		}
		return nil, nil
	})
	if err != nil {
		if he, ok := err.(*httpError); ok {
			return resp, body, errorsx.New(statusToKind(he.status), operation, "upstream", "", he).WithRetryAfter(he.retryAfter)
		}
		return resp, body, err
	}
	if he, ok := res.(*httpError); ok {
		return resp, body, errorsx.New(statusToKind(he.status), operation, "upstream", "", he).WithRetryAfter(he.retryAfter)
	}
	return resp, body, nil
}

// RefreshToken calls POST /oauth2/token with grant_type=refresh_token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenRefreshResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenRefreshResult{}, errorsx.New(errorsx.KindTransientIO, "refresh token", "upstream", "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, body, err := c.do(req, "refresh token")
	if err != nil {
		if errorsx.Is(err, errorsx.KindAuth) || bodyIndicatesInvalidToken(body) {
			return TokenRefreshResult{}, errorsx.New(errorsx.KindReauthRequired, "refresh token", "token_manager", "", err)
		}
		return TokenRefreshResult{}, err
	}

	var decoded struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if jerr := json.Unmarshal(body, &decoded); jerr != nil {
		return TokenRefreshResult{}, errorsx.New(errorsx.KindTokenRefreshed, "parse token refresh response", "upstream", "", jerr)
	}
	return TokenRefreshResult{AccessToken: decoded.AccessToken, RefreshToken: decoded.RefreshToken, ExpiresIn: decoded.ExpiresIn}, nil
}

func bodyIndicatesInvalidToken(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "invalid") || strings.Contains(s, "expired")
}

// StashSubmit POSTs a multipart upload to /api/v1/oauth2/stash/submit.
func (c *Client) StashSubmit(ctx context.Context, accessToken, title, artistComments string, fileName string, content io.Reader) (StashSubmitResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return StashSubmitResult{}, errorsx.New(errorsx.KindTransientIO, "build stash submit body", "upstream", "", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return StashSubmitResult{}, errorsx.New(errorsx.KindTransientIO, "read blob for stash submit", "upstream", "", err)
	}
	if title != "" {
		_ = w.WriteField("title", title)
	}
	if artistComments != "" {
		_ = w.WriteField("artist_comments", artistComments)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/oauth2/stash/submit", &buf)
	if err != nil {
		return StashSubmitResult{}, errorsx.New(errorsx.KindTransientIO, "stash submit", "upstream", "", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	_, body, err := c.do(req, "stash submit")
	if err != nil {
		return StashSubmitResult{}, err
	}

	var decoded struct {
		ItemID  json.Number `json:"itemid"`
		StackID json.Number `json:"stackid"`
	}
	if jerr := json.Unmarshal(body, &decoded); jerr != nil {
		return StashSubmitResult{}, errorsx.New(errorsx.KindValidation, "parse stash submit response", "upstream", "", jerr)
	}
	id := decoded.ItemID.String()
	if id == "" || id == "0" {
		id = decoded.StackID.String()
	}
	return StashSubmitResult{ItemID: id}, nil
}

// PublishRequest is the form-encoded body for /stash/publish.
type PublishRequest struct {
	StashItemID       string
	Tags              []string
	GalleryIDs        []string
	Mature            bool
	MatureLevel       string
	DisplayResolution int
	AddWatermark      bool
	AllowFreeDownload bool
}

// SanitizeTag reduces s to [a-zA-Z0-9_]: hyphens are stripped, spaces
// become underscores, all other characters are dropped.
func SanitizeTag(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r == '-':
			continue
		case r == ' ':
			sb.WriteByte('_')
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// StashPublish POSTs to /api/v1/oauth2/stash/publish.
func (c *Client) StashPublish(ctx context.Context, accessToken string, req PublishRequest) (PublishResult, error) {
	form := url.Values{"itemid": {req.StashItemID}}
	for _, t := range req.Tags {
		if s := SanitizeTag(t); s != "" {
			form.Add("tags[]", s)
		}
	}
	for _, g := range req.GalleryIDs {
		form.Add("galleryids[]", g)
	}
	if req.Mature {
		form.Set("is_mature", "1")
		form.Set("mature_level", req.MatureLevel)
	}
	if req.DisplayResolution > 0 {
		form.Set("display_resolution", strconv.Itoa(req.DisplayResolution))
	}
	form.Set("allow_free_download", strconv.FormatBool(req.AllowFreeDownload))
	if req.AddWatermark {
		form.Set("add_watermark", "1")
	}
	if len(req.Tags) > 0 || len(req.GalleryIDs) > 0 {
		form.Set("is_dirty", "true")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/oauth2/stash/publish", strings.NewReader(form.Encode()))
	if err != nil {
		return PublishResult{}, errorsx.New(errorsx.KindTransientIO, "stash publish", "upstream", "", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	_, body, err := c.do(httpReq, "stash publish")
	if err != nil {
		return PublishResult{}, err
	}

	var decoded struct {
		DeviationID string `json:"deviationid"`
		URL         string `json:"url"`
	}
	if jerr := json.Unmarshal(body, &decoded); jerr != nil {
		return PublishResult{}, errorsx.New(errorsx.KindValidation, "parse stash publish response", "upstream", "", jerr)
	}
	url := decoded.URL
	if url == "" {
		url = fmt.Sprintf("https://www.deviantart.com/deviation/%s", decoded.DeviationID)
	}
	return PublishResult{DeviationID: decoded.DeviationID, URL: url}, nil
}

// DeviationMetadata calls the read-path GET /api/v1/oauth2/deviation/metadata,
// consumed by callers through pkg/cache.
func (c *Client) DeviationMetadata(ctx context.Context, accessToken string, deviationIDs []string) ([]byte, error) {
	q := url.Values{}
	for _, id := range deviationIDs {
		q.Add("deviationids[]", id)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/oauth2/deviation/metadata?"+q.Encode(), nil)
	if err != nil {
		return nil, errorsx.New(errorsx.KindTransientIO, "fetch deviation metadata", "upstream", "", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	_, body, err := c.do(req, "fetch deviation metadata")
	return body, err
}

// RefreshTuple adapts RefreshToken to the tuple signature
// pkg/tokenmanager.Refresher expects, keeping that package decoupled
// from upstream's result struct.
func (c *Client) RefreshTuple(ctx context.Context, refreshToken string) (accessToken string, newRefreshToken string, expiresIn int, err error) {
	res, err := c.RefreshToken(ctx, refreshToken)
	if err != nil {
		return "", "", 0, err
	}
	return res.AccessToken, res.RefreshToken, res.ExpiresIn, nil
}
