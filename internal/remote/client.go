// Package remote is a client for the tracker's REST API.
//
// It covers the endpoints the sync engine needs: the bug search, the batched
// comment/history/attachment sub-resources, single attachments and the
// server version. Requests are rate limited and authenticated with an API
// key when one is configured.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/time/rate"

	"github.com/bugsync/bugsync/internal/types"
)

// MinVersion is the oldest server version the client supports.
const MinVersion = "5.0"

// APIKeyHeader carries the API key on every request.
const APIKeyHeader = "X-BUGZILLA-API-KEY"

// ListFields is requested for the change listing; only IDs are needed.
var ListFields = []string{"id", "last_change_time"}

// DetailFields is requested for bug metadata.
var DetailFields = []string{"_default", "mentors", "flags"}

// Config holds client settings.
type Config struct {
	// BaseURL is the REST root, e.g. https://bugzilla.mozilla.org/rest.
	BaseURL string

	// APIKey is sent in the X-BUGZILLA-API-KEY header when non-empty.
	APIKey string

	// RequestsPerSecond caps the request rate. Zero or less disables the limit.
	RequestsPerSecond float64

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the HTTP client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to one remote instance.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a client.
//
// If logger is nil, a default logger writing to stderr is used.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// BaseURL returns the REST root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// errorBody is the remote's error envelope.
type errorBody struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// get issues a GET for path and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNetworkUnavailable, err)
	}

	// The remote reports errors in a JSON envelope, sometimes with a 200.
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || eb.Error {
		return &RequestError{
			Method:  req.Method,
			URL:     u.Path,
			Status:  resp.StatusCode,
			Code:    eb.Code,
			Message: eb.Message,
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{
			Method:  req.Method,
			URL:     u.Path,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("invalid JSON response: %v", err),
		}
	}
	return nil
}

// Search runs a bug search.
func (c *Client) Search(ctx context.Context, q *Query) ([]types.Bug, error) {
	var resp struct {
		Bugs []types.Bug `json:"bugs"`
	}
	if err := c.get(ctx, "/bug", q.Values(), &resp); err != nil {
		return nil, fmt.Errorf("failed to search bugs: %w", err)
	}
	return resp.Bugs, nil
}

// Bugs fetches metadata for ids.
func (c *Client) Bugs(ctx context.Context, ids []int) ([]types.Bug, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("id", JoinIDs(ids))
	q.Set("include_fields", strings.Join(DetailFields, ","))

	var resp struct {
		Bugs []types.Bug `json:"bugs"`
	}
	if err := c.get(ctx, "/bug", q, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch bugs: %w", err)
	}
	return resp.Bugs, nil
}

// Comments fetches the comments of ids, keyed by bug ID.
func (c *Client) Comments(ctx context.Context, ids []int) (map[int][]types.Comment, error) {
	if len(ids) == 0 {
		return map[int][]types.Comment{}, nil
	}
	var resp struct {
		Bugs map[string]struct {
			Comments []types.Comment `json:"comments"`
		} `json:"bugs"`
	}
	if err := c.get(ctx, subPath(ids, "comment"), idsQuery(ids), &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch comments: %w", err)
	}
	out := make(map[int][]types.Comment, len(resp.Bugs))
	for key, v := range resp.Bugs {
		id, err := strconv.Atoi(key)
		if err != nil {
			c.logger.Printf("WARNING: Ignoring comments for non-numeric bug key %q", key)
			continue
		}
		out[id] = v.Comments
	}
	return out, nil
}

// History fetches the change history of ids, keyed by bug ID.
func (c *Client) History(ctx context.Context, ids []int) (map[int][]types.HistoryEntry, error) {
	if len(ids) == 0 {
		return map[int][]types.HistoryEntry{}, nil
	}
	var resp struct {
		Bugs []struct {
			ID      int                  `json:"id"`
			History []types.HistoryEntry `json:"history"`
		} `json:"bugs"`
	}
	if err := c.get(ctx, subPath(ids, "history"), idsQuery(ids), &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	out := make(map[int][]types.HistoryEntry, len(resp.Bugs))
	for _, b := range resp.Bugs {
		out[b.ID] = b.History
	}
	return out, nil
}

// Attachments fetches attachment metadata of ids, keyed by bug ID. Binary
// payloads are never requested.
func (c *Client) Attachments(ctx context.Context, ids []int) (map[int][]types.Attachment, error) {
	if len(ids) == 0 {
		return map[int][]types.Attachment{}, nil
	}
	q := idsQuery(ids)
	q.Set("exclude_fields", "data")

	var resp struct {
		Bugs map[string][]types.Attachment `json:"bugs"`
	}
	if err := c.get(ctx, subPath(ids, "attachment"), q, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch attachments: %w", err)
	}
	out := make(map[int][]types.Attachment, len(resp.Bugs))
	for key, v := range resp.Bugs {
		id, err := strconv.Atoi(key)
		if err != nil {
			c.logger.Printf("WARNING: Ignoring attachments for non-numeric bug key %q", key)
			continue
		}
		out[id] = v
	}
	return out, nil
}

// Attachment fetches a single attachment. The binary payload is included
// only when withData is true.
func (c *Client) Attachment(ctx context.Context, id int, withData bool) (*types.Attachment, error) {
	q := url.Values{}
	if !withData {
		q.Set("exclude_fields", "data")
	}
	var resp struct {
		Attachments map[string]types.Attachment `json:"attachments"`
	}
	if err := c.get(ctx, "/bug/attachment/"+strconv.Itoa(id), q, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch attachment %d: %w", id, err)
	}
	a, ok := resp.Attachments[strconv.Itoa(id)]
	if !ok {
		return nil, &RequestError{
			Method:  http.MethodGet,
			URL:     "/bug/attachment/" + strconv.Itoa(id),
			Status:  http.StatusOK,
			Message: "attachment missing from response",
		}
	}
	return &a, nil
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/version", nil, &resp); err != nil {
		return "", fmt.Errorf("failed to fetch version: %w", err)
	}
	return resp.Version, nil
}

// CheckVersion fails with ErrUnsupportedVersion when the server is older
// than MinVersion.
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	v, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	if !Supported(v) {
		return v, fmt.Errorf("%w: %s (need %s or newer)", ErrUnsupportedVersion, v, MinVersion)
	}
	return v, nil
}

// Supported reports whether version is at least MinVersion. Versions that
// cannot be parsed are rejected.
func Supported(version string) bool {
	v := canonical(version)
	return semver.IsValid(v) && semver.Compare(v, canonical(MinVersion)) >= 0
}

// canonical turns "5.0.4" or "5.1+" into the "v5.0.4" form semver expects.
func canonical(version string) string {
	v := strings.TrimSpace(version)
	v = strings.TrimRight(v, "+")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Online probes the remote host with a TCP dial. It returns
// ErrNetworkUnavailable when the host cannot be reached.
func (c *Client) Online(ctx context.Context) error {
	host := c.base.Host
	if c.base.Port() == "" {
		port := "443"
		if c.base.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(c.base.Hostname(), port)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return conn.Close()
}

// IsOffline reports whether err means the remote could not be reached.
func IsOffline(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// subPath builds /bug/<first>/<resource>. The remote takes the remaining IDs
// from the ids parameter.
func subPath(ids []int, resource string) string {
	return "/bug/" + strconv.Itoa(ids[0]) + "/" + resource
}

func idsQuery(ids []int) url.Values {
	q := url.Values{}
	if len(ids) > 1 {
		q.Set("ids", JoinIDs(ids[1:]))
	}
	return q
}
