package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

const (
	defaultBaseURL         = "https://api.contentful.com"
	defaultUploadURL       = "https://upload.contentful.com"
	defaultEnvironment     = "master"
	defaultLocale          = "en-US"
	defaultRequestsPerSec  = 7
	defaultProcessTimeout  = 30 * time.Second
	defaultProcessInterval = time.Second

	// RequestTimeout bounds a single catalog API call.
	RequestTimeout = 15 * time.Second
	managementContentType  = "application/vnd.contentful.management.v1+json"
	versionHeader          = "X-Contentful-Version"
	responseReadLimit      int64 = 2048
)

var (
	errSpaceRequired = errors.New("catalog space id is required")
	errTokenRequired = errors.New("catalog management token is required")
)

// Client talks to the catalog management API: entries and image assets.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	uploadURL       string
	spaceID         string
	environment     string
	token           string
	locale          string
	limiter         *rate.Limiter
	processTimeout  time.Duration
	processInterval time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the management API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithUploadURL overrides the upload API base URL.
func WithUploadURL(uploadURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(uploadURL); trimmed != "" {
			c.uploadURL = trimmed
		}
	}
}

// WithEnvironment selects the catalog environment.
func WithEnvironment(env string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(env); trimmed != "" {
			c.environment = trimmed
		}
	}
}

// WithLocale sets the locale used when reading and writing localized fields.
func WithLocale(locale string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(locale); trimmed != "" {
			c.locale = trimmed
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithAssetPolling configures how long UploadAsset waits for processing.
func WithAssetPolling(timeout, interval time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.processTimeout = timeout
		}
		if interval > 0 {
			c.processInterval = interval
		}
	}
}

// NewClient builds a catalog client for one space.
func NewClient(spaceID, token string, opts ...Option) (*Client, error) {
	spaceID = strings.TrimSpace(spaceID)
	if spaceID == "" {
		return nil, errSpaceRequired
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errTokenRequired
	}

	client := &Client{
		httpClient:      &http.Client{Timeout: RequestTimeout},
		baseURL:         defaultBaseURL,
		uploadURL:       defaultUploadURL,
		spaceID:         spaceID,
		environment:     defaultEnvironment,
		token:           token,
		locale:          defaultLocale,
		limiter:         rate.NewLimiter(rate.Limit(defaultRequestsPerSec), 1),
		processTimeout:  defaultProcessTimeout,
		processInterval: defaultProcessInterval,
		sleep:           sleepContext,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Locale reports the locale fields are read and written in.
func (c *Client) Locale() string {
	return c.locale
}

// GetEntry fetches the latest draft of an entry.
func (c *Client) GetEntry(ctx context.Context, id string) (*Entry, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry id is required")
	}
	var entry Entry
	if err := c.do(ctx, http.MethodGet, c.envURL("entries", id), nil, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateEntry replaces the entry's fields. The entry's version guards against
// concurrent edits; a stale version yields a CONFLICT error.
func (c *Client) UpdateEntry(ctx context.Context, entry *Entry) (*Entry, error) {
	if entry == nil || entry.Sys.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry id is required")
	}
	body, err := json.Marshal(map[string]any{"fields": entry.Fields})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal entry fields")
	}
	headers := map[string]string{versionHeader: strconv.Itoa(entry.Sys.Version)}

	var updated Entry
	if err := c.do(ctx, http.MethodPut, c.envURL("entries", entry.Sys.ID), bytes.NewReader(body), headers, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// PublishEntry publishes the given version of an entry.
func (c *Client) PublishEntry(ctx context.Context, id string, version int) (*Entry, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry id is required")
	}
	headers := map[string]string{versionHeader: strconv.Itoa(version)}

	var published Entry
	if err := c.do(ctx, http.MethodPut, c.envURL("entries", id, "published"), nil, headers, &published); err != nil {
		return nil, err
	}
	return &published, nil
}

func (c *Client) envURL(parts ...string) string {
	segments := []string{
		strings.TrimRight(c.baseURL, "/"),
		"spaces", url.PathEscape(c.spaceID),
		"environments", url.PathEscape(c.environment),
	}
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, headers map[string]string, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "catalog client not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "catalog rate limiter")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build catalog request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", managementContentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute catalog request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
		return statusError(method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode catalog response")
	}
	return nil
}

func statusError(method string, status int, msg string) error {
	cause := fmt.Errorf("%s status %d: %s", method, status, msg)
	switch status {
	case http.StatusNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "catalog resource not found")
	case http.StatusConflict:
		return pkgerrors.Wrap(pkgerrors.CodeConflict, cause, "catalog version conflict")
	case http.StatusTooManyRequests:
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, cause, "catalog rate limit exceeded")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "catalog request failed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
