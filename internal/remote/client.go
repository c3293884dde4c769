package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/calsync/internal/metrics"
)

const (
	defaultPageSize = 250
	maxErrorBody    = 64 << 10
)

// HTTPClient talks to the Google Calendar v3 REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

type Options struct {
	BaseURL    string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewHTTPClient(opts Options, log *slog.Logger) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: opts.BaseURL,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With(slog.String("component", "remote_client")),
	}
}

func eventsPath(calendarID string) string {
	return "/calendars/" + url.PathEscape(calendarID) + "/events"
}

func (c *HTTPClient) List(ctx context.Context, tok *oauth2.Token, calendarID string, opts ListOptions) ([]Event, error) {
	var out []Event
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("singleEvents", "false")
		q.Set("showDeleted", "true")
		if !opts.TimeMin.IsZero() {
			q.Set("timeMin", opts.TimeMin.UTC().Format(time.RFC3339))
		}
		if !opts.TimeMax.IsZero() {
			q.Set("timeMax", opts.TimeMax.UTC().Format(time.RFC3339))
		}
		size := defaultPageSize
		if opts.MaxResults > 0 && opts.MaxResults-len(out) < size {
			size = opts.MaxResults - len(out)
		}
		q.Set("maxResults", strconv.Itoa(size))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page listResponse
		if err := c.do(ctx, tok, "events.list", http.MethodGet, eventsPath(calendarID), q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			return out[:opts.MaxResults], nil
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *HTTPClient) Get(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) (*Event, error) {
	var ev Event
	if err := c.do(ctx, tok, "events.get", http.MethodGet, eventsPath(calendarID)+"/"+url.PathEscape(eventID), nil, nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *HTTPClient) Create(ctx context.Context, tok *oauth2.Token, calendarID string, in EventInput) (*Event, error) {
	var ev Event
	if err := c.do(ctx, tok, "events.insert", http.MethodPost, eventsPath(calendarID), nil, in, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *HTTPClient) Update(ctx context.Context, tok *oauth2.Token, calendarID, eventID string, in EventInput) (*Event, error) {
	var ev Event
	if err := c.do(ctx, tok, "events.update", http.MethodPut, eventsPath(calendarID)+"/"+url.PathEscape(eventID), nil, in, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *HTTPClient) Delete(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error {
	return c.do(ctx, tok, "events.delete", http.MethodDelete, eventsPath(calendarID)+"/"+url.PathEscape(eventID), nil, nil, nil)
}

func (c *HTTPClient) Watch(ctx context.Context, tok *oauth2.Token, calendarID string, req WatchRequest) (*Channel, error) {
	body := watchBody{ID: req.ChannelID, Type: "web_hook", Address: req.Address, Token: req.Token}
	if req.TTL > 0 {
		body.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}
	var resp watchResponse
	if err := c.do(ctx, tok, "events.watch", http.MethodPost, eventsPath(calendarID)+"/watch", nil, body, &resp); err != nil {
		return nil, err
	}
	ch := &Channel{ID: resp.ID, ResourceID: resp.ResourceID}
	if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil {
		ch.Expiration = time.UnixMilli(ms).UTC()
	} else if req.TTL > 0 {
		ch.Expiration = time.Now().Add(req.TTL).UTC()
	}
	return ch, nil
}

func (c *HTTPClient) Stop(ctx context.Context, tok *oauth2.Token, channelID, resourceID string) error {
	return c.do(ctx, tok, "channels.stop", http.MethodPost, "/channels/stop", nil, stopBody{ID: channelID, ResourceID: resourceID}, nil)
}

func (c *HTTPClient) do(ctx context.Context, tok *oauth2.Token, op, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", op, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != nil {
		tok.SetAuthHeader(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRemote(op, 0, start)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.ObserveRemote(op, resp.StatusCode, start)

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		rerr := &Error{StatusCode: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			rerr.Message = env.Error.Message
		}
		c.log.Debug("remote call failed", slog.String("op", op), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%s: %w", op, rerr)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
