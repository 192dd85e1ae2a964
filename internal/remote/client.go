package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/errs"
)

const (
	catalogAPIPath = "/wp-json/wc/v3/"
	mediaAPIPath   = "/wp-json/wp/v2/media"
)

// Options configures a Client.
type Options struct {
	BaseURL        string // site root, e.g. https://shop.example.com
	ConsumerKey    string // catalog endpoints
	ConsumerSecret string
	MediaUser      string // media endpoint (basic auth application password)
	MediaPassword  string
	HTTPClient     *http.Client
	UserAgent      string
	PerPage        int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CallDelay      time.Duration // minimum spacing between requests, retries included
	Logger         *zap.Logger
}

// Client isolates every network call to the platform. Catalog endpoints
// authenticate with the consumer key/secret pair, the media endpoint with a
// separate basic-auth credential.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	mediaUser      string
	mediaPassword  string
	httpClient     *http.Client
	userAgent      string
	perPage        int
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	pacer          *Pacer
	log            *zap.Logger
}

// NewClient constructs a Client, filling defaults for zero options.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	perPage := opts.PerPage
	if perPage <= 0 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		consumerKey:    opts.ConsumerKey,
		consumerSecret: opts.ConsumerSecret,
		mediaUser:      opts.MediaUser,
		mediaPassword:  opts.MediaPassword,
		httpClient:     httpClient,
		userAgent:      strings.TrimSpace(opts.UserAgent),
		perPage:        perPage,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		pacer:          NewPacer(opts.CallDelay),
		log:            log,
	}
}

// PerPage is the page size used by ListAll.
func (c *Client) PerPage() int { return c.perPage }

// List returns a single page. Callers paginate with "page"/"per_page" until a
// short page comes back; see ListAll.
func (c *Client) List(ctx context.Context, res Resource, params url.Values) ([]Record, error) {
	q := cloneValues(params)
	if q.Get("per_page") == "" {
		q.Set("per_page", strconv.Itoa(c.perPage))
	}
	if q.Get("page") == "" {
		q.Set("page", "1")
	}
	var out []Record
	hdr, err := c.doJSON(ctx, http.MethodGet, string(res), q, nil, &out)
	if err != nil {
		return nil, err
	}
	if total := hdr.Get("X-WP-TotalPages"); total != "" {
		c.log.Debug("remote page",
			zap.String("resource", string(res)),
			zap.String("page", q.Get("page")),
			zap.String("total_pages", total),
			zap.Int("count", len(out)),
		)
	}
	return out, nil
}

// ListAll walks every page. No page is assumed last except by observing
// fewer records than per_page.
func (c *Client) ListAll(ctx context.Context, res Resource, params url.Values) ([]Record, error) {
	q := cloneValues(params)
	q.Set("per_page", strconv.Itoa(c.perPage))

	var all []Record
	for page := 1; ; page++ {
		q.Set("page", strconv.Itoa(page))
		batch, err := c.List(ctx, res, q)
		if err != nil {
			return nil, fmt.Errorf("list %s page %d: %w", res, page, err)
		}
		all = append(all, batch...)
		if len(batch) < c.perPage {
			return all, nil
		}
	}
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, res Resource, id int64) (Record, error) {
	var out Record
	_, err := c.doJSON(ctx, http.MethodGet, recordPath(res, id), nil, nil, &out)
	return out, err
}

// Create posts a new record and returns the platform's answer.
func (c *Client) Create(ctx context.Context, res Resource, payload any) (Record, error) {
	var out Record
	_, err := c.doJSON(ctx, http.MethodPost, string(res), nil, payload, &out)
	return out, err
}

// Update replaces fields of an existing record.
func (c *Client) Update(ctx context.Context, res Resource, id int64, payload any) (Record, error) {
	var out Record
	_, err := c.doJSON(ctx, http.MethodPut, recordPath(res, id), nil, payload, &out)
	return out, err
}

// Delete removes a record; force requests permanent removal instead of the
// trash. A 404 is success.
func (c *Client) Delete(ctx context.Context, res Resource, id int64, force bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	_, err := c.doJSON(ctx, http.MethodDelete, recordPath(res, id), q, nil, nil)
	if errors.Is(err, errs.ErrRemoteNotFound) {
		c.log.Debug("remote delete: already gone", zap.String("resource", string(res)), zap.Int64("remote_id", id))
		return nil
	}
	return err
}

// UploadMedia stores a binary file in the media library.
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, data []byte) (Media, error) {
	hdr := http.Header{}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))

	body, _, err := c.do(ctx, request{method: http.MethodPost, media: true, body: data, header: hdr})
	if err != nil {
		return Media{}, err
	}
	var m Media
	if err := json.Unmarshal(body, &m); err != nil {
		return Media{}, fmt.Errorf("decode media response: %w", err)
	}
	if m.ID <= 0 {
		return Media{}, fmt.Errorf("%w: media upload returned no id", errs.ErrRemoteTransport)
	}
	return m, nil
}

// DeleteMedia permanently removes a media item. A 404 is success: double
// deletes are a common race during reconciliation.
func (c *Client) DeleteMedia(ctx context.Context, id int64) error {
	q := url.Values{}
	q.Set("force", "true")
	_, _, err := c.do(ctx, request{method: http.MethodDelete, media: true, path: "/" + strconv.FormatInt(id, 10), query: q})
	if errors.Is(err, errs.ErrRemoteNotFound) {
		c.log.Debug("remote media delete: already gone", zap.Int64("media_id", id))
		return nil
	}
	return err
}

type request struct {
	method string
	path   string // catalog: resource path; media: suffix after the media endpoint
	query  url.Values
	media  bool
	body   []byte
	header http.Header
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, payload, out any) (http.Header, error) {
	req := request{method: method, path: path, query: q, header: http.Header{}}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req.body = b
		req.header.Set("Content-Type", "application/json")
	}
	body, hdr, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return hdr, nil
}

func (c *Client) endpoint(r request) string {
	q := cloneValues(r.query)
	var u string
	if r.media {
		u = c.baseURL + mediaAPIPath + r.path
	} else {
		u = c.baseURL + catalogAPIPath + strings.TrimLeft(r.path, "/")
		q.Set("consumer_key", c.consumerKey)
		q.Set("consumer_secret", c.consumerSecret)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// retryable reports whether a request may be replayed. Creates are only
// replayed when the platform explicitly throttled them, to avoid duplicates.
func retryable(method string, status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if method == http.MethodPost {
		return false
	}
	return status == 0 || status >= 500
}

func (c *Client) do(ctx context.Context, r request) ([]byte, http.Header, error) {
	target := c.endpoint(r)
	logPath := r.path
	if r.media {
		logPath = "media" + r.path
	}

	for attempt := 0; ; attempt++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, nil, err
		}
		var body io.Reader
		if r.body != nil {
			body = bytes.NewReader(r.body)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, target, body)
		if err != nil {
			return nil, nil, err
		}
		for k, vs := range r.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if r.media {
			req.SetBasicAuth(c.mediaUser, c.mediaPassword)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries && retryable(r.method, 0) {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, nil, waitErr
				}
				continue
			}
			return nil, nil, fmt.Errorf("%w: %s %s: %v", errs.ErrRemoteTransport, r.method, logPath, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, nil, fmt.Errorf("%w: read %s %s: %v", errs.ErrRemoteTransport, r.method, logPath, readErr)
		}

		c.log.Debug("remote call",
			zap.String("method", r.method),
			zap.String("path", logPath),
			zap.Int("status", resp.StatusCode),
			zap.Duration("dur", time.Since(start)),
		)

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, resp.Header, nil
		}

		if attempt < c.maxRetries && retryable(r.method, resp.StatusCode) {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, nil, waitErr
			}
			continue
		}
		return nil, nil, newError(r.method, logPath, resp.StatusCode, respBody)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func recordPath(res Resource, id int64) string {
	return string(res) + "/" + strconv.FormatInt(id, 10)
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
