// Package adminapi is the REST client for the announcement back-office API.
package adminapi

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
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayadmin/internal/reconcile"
	"github.com/agentworkforce/relayadmin/internal/retry"
)

var (
	ErrConflict = errors.New("announcement conflict")
	ErrNotFound = errors.New("announcement not found")
)

type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "announcement conflict"
	}
	return fmt.Sprintf("announcement conflict for %s", e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Announcement struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type AnnouncementStats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

type AnnouncementList struct {
	Items []Announcement `json:"items"`
}

type CreateAnnouncementInput struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	IsActive bool   `json:"isActive"`
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	Backoff    retry.Backoff
	// RequestsPerSecond limits outbound calls; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    retry.Backoff
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    opts.Backoff,
		limiter:    limiter,
		logger:     logger.With("component", "adminapi"),
		token:      strings.TrimSpace(opts.Token),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken replaces the bearer credential used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) FetchAnnouncementStats(ctx context.Context) (AnnouncementStats, error) {
	var out AnnouncementStats
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/announcements/stats", nil, &out)
	return out, err
}

func (c *Client) ListAnnouncements(ctx context.Context, activeOnly bool) ([]Announcement, error) {
	path := "/api/v1/announcements"
	if activeOnly {
		q := url.Values{}
		q.Set("active", "true")
		path += "?" + q.Encode()
	}
	var out AnnouncementList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) CreateAnnouncement(ctx context.Context, in CreateAnnouncementInput) (Announcement, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Announcement{}, fmt.Errorf("announcement title is required")
	}
	var out Announcement
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/announcements", in, &out)
	return out, err
}

func (c *Client) SetAnnouncementActive(ctx context.Context, id string, active bool) (Announcement, error) {
	if strings.TrimSpace(id) == "" {
		return Announcement{}, fmt.Errorf("announcement id is required")
	}
	var out Announcement
	body := map[string]any{"isActive": active}
	err := c.doJSON(ctx, http.MethodPatch, "/api/v1/announcements/"+url.PathEscape(id), body, &out)
	return out, err
}

func (c *Client) DeleteAnnouncement(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("announcement id is required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/announcements/"+url.PathEscape(id), nil, nil)
}

// AnnouncementSnapshot returns the stats endpoint as a baseline source for
// the announcement counters.
func (c *Client) AnnouncementSnapshot() reconcile.SnapshotSource {
	return reconcile.SnapshotFunc(func(ctx context.Context) (reconcile.Snapshot, error) {
		stats, err := c.FetchAnnouncementStats(ctx)
		if err != nil {
			return nil, err
		}
		return reconcile.Snapshot{
			reconcile.TotalAnnouncements:  stats.Total,
			reconcile.ActiveAnnouncements: stats.Active,
		}, nil
	})
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		correlation := correlationID()
		if token := c.currentToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlation)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.logger.Debug("request failed; retrying", "method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := retry.Wait(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			c.logger.Debug("transient response; retrying", "method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := retry.Wait(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.CorrelationID == "" {
			errPayload.CorrelationID = correlation
		}
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{ID: strings.TrimPrefix(requestPath, "/api/v1/announcements/")}
		}
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

// retryDelay honours Retry-After, capped at the backoff ceiling.
func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.backoff.MaxDelay
	if maxDelay <= 0 {
		maxDelay = retry.DefaultMaxDelay
	}
	if retryAfter := retry.ParseRetryAfter(retryAfterHeader, time.Now()); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	return c.backoff.Delay(attempt)
}

func correlationID() string {
	return "admin_" + uuid.NewString()
}
