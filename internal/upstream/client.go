// Package upstream talks to the remote JSON services the cards are built
// from: event results, user lookup, field values, season standings, the
// recent-events listing and the bot webhook.
//
// None of these services publish a schema, so responses are returned as
// gjson values and read field by field by the caller.
package upstream

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
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

// maxBody caps how much of a response is read.
const maxBody = 16 << 20

// ErrUpstream marks every failure that originates in a remote service:
// network errors, non-2xx statuses and unparseable bodies.
var ErrUpstream = errors.New("upstream failure")

// StatusError is returned when a service answers with a non-2xx status.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// Endpoints holds the base URLs of the remote services.
type Endpoints struct {
	Results string // getResultsByEventId, getusers
	Fields  string // fieldValues, season_status
	Events  string // latest events listing
}

// Client performs the remote lookups. It is safe for concurrent use.
type Client struct {
	http    *retryablehttp.Client
	ep      Endpoints
	timeout time.Duration
	log     *slog.Logger
}

// New builds a Client. retryMax of zero sends every request exactly once.
func New(ep Endpoints, timeout time.Duration, retryMax int, log *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.HTTPClient.Timeout = 0 // per-call deadlines come from the context
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{
		http:    rc,
		ep:      ep,
		timeout: timeout,
		log:     log,
	}
}

// ///////////////////////////////////////////////
// Lookups
// ///////////////////////////////////////////////

// ResultsByEvent returns every result row of an event.
func (c *Client) ResultsByEvent(ctx context.Context, event string) ([]gjson.Result, error) {
	u := joinURL(c.ep.Results, "getResultsByEventId", url.PathEscape(event))
	res, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("results of event %s: %w", event, err)
	}
	return rows(res, u)
}

// Users returns the private user rows for an individual id.
func (c *Client) Users(ctx context.Context, individualID string) ([]gjson.Result, error) {
	q := url.Values{"individual_id": {individualID}, "type": {"private"}}
	u := joinURL(c.ep.Results, "getusers") + "?" + q.Encode()
	res, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", individualID, err)
	}
	return rows(res, u)
}

// FieldValues returns the data rows of a field. An empty itemID lists the
// whole field.
func (c *Client) FieldValues(ctx context.Context, fieldID int, itemID string) ([]gjson.Result, error) {
	q := url.Values{"field_id": {strconv.Itoa(fieldID)}}
	if itemID != "" {
		q.Set("item_id", itemID)
	}
	u := joinURL(c.ep.Fields, "fieldValues") + "?" + q.Encode()
	res, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("field %d: %w", fieldID, err)
	}
	return rows(res.Get("data"), u)
}

// PilotPoints returns the season standings of a project.
func (c *Client) PilotPoints(ctx context.Context, projectID string) ([]gjson.Result, error) {
	q := url.Values{"project_id": {projectID}}
	u := joinURL(c.ep.Fields, "season_status", "pilot_points") + "?" + q.Encode()
	res, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("pilot points of project %s: %w", projectID, err)
	}
	return rows(res, u)
}

// LatestEvents lists events that finished within beforeHours and start
// within futureHours.
func (c *Client) LatestEvents(ctx context.Context, beforeHours, futureHours int) ([]gjson.Result, error) {
	q := url.Values{
		"before": {strconv.Itoa(beforeHours)},
		"future": {strconv.Itoa(futureHours)},
	}
	u := c.ep.Events + "?" + q.Encode()
	res, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("latest events: %w", err)
	}
	return rows(res, u)
}

// Fetch downloads a raw resource, such as an image asset.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, c.timeout)
}

// PostJSON sends payload as JSON and returns the raw response body. A body
// that is not JSON is returned as a JSON string.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, rawURL, body, timeout)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return data, nil
}

// ///////////////////////////////////////////////
// Transport
// ///////////////////////////////////////////////

func (c *Client) getJSON(ctx context.Context, rawURL string) (gjson.Result, error) {
	data, err := c.do(ctx, http.MethodGet, rawURL, nil, c.timeout)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%w: GET %s: invalid JSON body", ErrUpstream, rawURL)
	}
	return gjson.ParseBytes(data), nil
}

// rows unwraps a JSON array. Anything else, such as an {"error": ...}
// object served with a 2xx status, is an upstream failure.
func rows(res gjson.Result, rawURL string) ([]gjson.Result, error) {
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: GET %s: expected a JSON array", ErrUpstream, rawURL)
	}
	return res.Array(), nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, raw)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstream, method, rawURL, err)
	}
	defer resp.Body.Close()

	c.log.Debug("upstream call", "method", method, "url", rawURL, "status", resp.StatusCode, "elapsed", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Method: method, URL: rawURL, Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: read body: %v", ErrUpstream, method, rawURL, err)
	}
	return data, nil
}

func joinURL(base string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}
