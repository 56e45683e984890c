// Package stac reads MeteoSwiss open data through the geo.admin.ch STAC API.
package stac

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
	"slices"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/observability"
)

const (
	DefaultBaseURL    = "https://data.geo.admin.ch/api/stac/v1"
	DefaultCollection = "ch.meteoschweiz.ogd-smn"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrStatus      = errors.New("unexpected status code")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrNoAsset     = errors.New("asset not found")
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	Collection     string
	Timeout        time.Duration
	MaxRetries     int
	PageLimit      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Client lists and downloads SMN assets. Every request goes through one circuit
// breaker and is retried with exponential backoff on 429, 5xx and transport errors.
type Client struct {
	opts       Options
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a STAC client.
func NewClient(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stac",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			// A 404 for one asset says nothing about the health of the API.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrStatus)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics,
		logger:  logger,
	}
}

// ListItems returns the data files of tier for every station in the collection,
// ordered by station and asset name.
func (c *Client) ListItems(ctx context.Context, tier domain.Tier) ([]domain.SourceItem, error) {
	features, err := c.searchAll(ctx)
	if err != nil {
		return nil, err
	}

	var items []domain.SourceItem
	for _, f := range features {
		station := strings.ToUpper(f.ID)
		for name, a := range f.Assets {
			if !matchAsset(tier, name) {
				continue
			}
			items = append(items, domain.SourceItem{StationID: station, Tier: tier, Name: name, Href: a.Href})
		}
	}
	slices.SortFunc(items, func(a, b domain.SourceItem) int {
		if c := strings.Compare(a.StationID, b.StationID); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	c.logger.Debug("stac items listed", "tier", tier, "stations", len(features), "items", len(items))
	return items, nil
}

// StationsItem locates the station metadata file among the collection assets.
func (c *Client) StationsItem(ctx context.Context) (domain.SourceItem, error) {
	u := fmt.Sprintf("%s/collections/%s", c.opts.BaseURL, url.PathEscape(c.opts.Collection))
	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.SourceItem{}, fmt.Errorf("get collection: %w", err)
	}
	var coll collection
	if err := json.Unmarshal(body, &coll); err != nil {
		return domain.SourceItem{}, fmt.Errorf("decode collection: %w", err)
	}
	for name, a := range coll.Assets {
		if strings.HasSuffix(strings.ToLower(name), "_meta_stations.csv") {
			return domain.SourceItem{Name: name, Href: a.Href}, nil
		}
	}
	return domain.SourceItem{}, fmt.Errorf("%w: *_meta_stations.csv in %s", ErrNoAsset, c.opts.Collection)
}

// Fetch downloads the raw bytes of one item.
func (c *Client) Fetch(ctx context.Context, item domain.SourceItem) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, item.Href, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", item.Name, err)
	}
	return body, nil
}

func matchAsset(tier domain.Tier, name string) bool {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".csv") {
		return false
	}
	switch tier {
	case domain.TierHistorical:
		return strings.Contains(name, "_t_historical_")
	case domain.TierRecent:
		return strings.HasSuffix(name, "_t_recent.csv")
	case domain.TierNow:
		return strings.HasSuffix(name, "_t_now.csv")
	}
	return false
}

// searchAll pages through POST /search following the cursor of the "next" link.
func (c *Client) searchAll(ctx context.Context) ([]feature, error) {
	req := searchRequest{Collections: []string{c.opts.Collection}, Limit: c.opts.PageLimit}
	seen := make(map[string]bool)

	var all []feature
	for page := 1; ; page++ {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		body, err := c.do(ctx, http.MethodPost, c.opts.BaseURL+"/search", payload)
		if err != nil {
			return nil, fmt.Errorf("search page %d: %w", page, err)
		}
		var resp searchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode search page %d: %w", page, err)
		}
		all = append(all, resp.Features...)

		cursor := resp.nextCursor()
		if cursor == "" || seen[cursor] {
			return all, nil
		}
		seen[cursor] = true
		req.Cursor = cursor
	}
}

// do executes one request with retries and returns the full response body.
func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := c.cb.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, method, target, payload)
		})
		if err == nil {
			c.metrics.SourceRequests.WithLabelValues("success").Inc()
			return result.([]byte), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.SourceRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if !retryable(ctx, err) || attempt >= c.opts.MaxRetries {
			c.metrics.SourceRequests.WithLabelValues("error").Inc()
			return nil, err
		}

		delay := c.opts.InitialBackoff << attempt
		if delay <= 0 || delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
		c.metrics.SourceRequests.WithLabelValues("retry").Inc()
		c.logger.Debug("retrying stac request", "url", target, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d", ErrServer, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d: %s", ErrStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrStatus) {
		return false
	}
	return true
}

// STAC API types.

type searchRequest struct {
	Collections []string `json:"collections"`
	Limit       int      `json:"limit"`
	Cursor      string   `json:"cursor,omitempty"`
}

type searchResponse struct {
	Features []feature `json:"features"`
	Links    []link    `json:"links"`
}

func (r searchResponse) nextCursor() string {
	for _, l := range r.Links {
		if l.Rel == "next" {
			return l.Body.Cursor
		}
	}
	return ""
}

type feature struct {
	ID     string           `json:"id"`
	Assets map[string]asset `json:"assets"`
}

type collection struct {
	ID     string           `json:"id"`
	Assets map[string]asset `json:"assets"`
}

type asset struct {
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

type link struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
	Body   struct {
		Cursor string `json:"cursor"`
	} `json:"body"`
}
