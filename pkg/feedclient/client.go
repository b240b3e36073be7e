// Package feedclient is a Go client for the dispatch service: history reads,
// triggers, and live notification feeds that survive reconnects.
package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TriggerRequest is the payload for creating a notification.
type TriggerRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Coordinates is a WGS84 position fix.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// StaffRecord is one live presence entry.
type StaffRecord struct {
	Identity    string      `json:"identity"`
	Department  string      `json:"department"`
	Geohash     string      `json:"geohash"`
	DisplayName string      `json:"displayName"`
	Contact     string      `json:"contact,omitempty"`
	Coords      Coordinates `json:"coords"`
	Status      string      `json:"status"`
	LastSeen    time.Time   `json:"lastSeen"`
}

// ZoneFrame is one frame of a zone watch: either the initial snapshot or a
// single added, updated or removed change.
type ZoneFrame struct {
	Kind       string        `json:"kind"`
	Identity   string        `json:"identity,omitempty"`
	Department string        `json:"department,omitempty"`
	Geohash    string        `json:"geohash,omitempty"`
	Record     *StaffRecord  `json:"record,omitempty"`
	Records    []StaffRecord `json:"records,omitempty"`
}

// ZoneInfo names the zone bucket for a coordinate pair.
type ZoneInfo struct {
	Department string  `json:"department"`
	Geohash    string  `json:"geohash"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// Client is the dispatch API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streams stay open indefinitely so they use a client without a timeout
	streamClient *http.Client
	newBackOff   func() backoff.BackOff
}

// New creates a new API client.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
		newBackOff:   defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History returns the newest stored notifications for identity.
func (c *Client) History(ctx context.Context, identity string) ([]Notification, error) {
	var items []Notification
	if err := c.get(ctx, "/api/notifications/"+url.PathEscape(identity), &items); err != nil {
		return nil, fmt.Errorf("client.History: %w", err)
	}
	return items, nil
}

// UnreadCount returns how many stored notifications are unread.
func (c *Client) UnreadCount(ctx context.Context, identity string) (int, error) {
	var out struct {
		Data struct {
			Unread int `json:"unread"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/api/notifications/"+url.PathEscape(identity)+"/unread-count", &out); err != nil {
		return 0, fmt.Errorf("client.UnreadCount: %w", err)
	}
	return out.Data.Unread, nil
}

// MarkRead flags one notification as read.
func (c *Client) MarkRead(ctx context.Context, identity, id string) error {
	path := "/api/notifications/" + url.PathEscape(identity) + "/" + url.PathEscape(id) + "/read"
	if err := c.doRequest(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("client.MarkRead: %w", err)
	}
	return nil
}

// MarkAllRead flags every notification of identity as read.
func (c *Client) MarkAllRead(ctx context.Context, identity string) (int, error) {
	var out struct {
		Data struct {
			Updated int `json:"updated"`
		} `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodPut, "/api/notifications/"+url.PathEscape(identity)+"/read-all", nil, &out); err != nil {
		return 0, fmt.Errorf("client.MarkAllRead: %w", err)
	}
	return out.Data.Updated, nil
}

// Trigger creates and dispatches a notification.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (*Notification, error) {
	var out struct {
		Data Notification `json:"data"`
	}
	if err := c.post(ctx, "/api/notifications/trigger", req, &out); err != nil {
		return nil, fmt.Errorf("client.Trigger: %w", err)
	}
	return &out.Data, nil
}

// Zone resolves the zone bucket of a coordinate pair in department.
func (c *Client) Zone(ctx context.Context, department string, lat, lng float64) (*ZoneInfo, error) {
	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%f", lat))
	params.Set("lng", fmt.Sprintf("%f", lng))

	var out struct {
		Data ZoneInfo `json:"data"`
	}
	if err := c.get(ctx, "/api/presence/"+url.PathEscape(department)+"/zone?"+params.Encode(), &out); err != nil {
		return nil, fmt.Errorf("client.Zone: %w", err)
	}
	return &out.Data, nil
}

// Staff lists the live records of one zone.
func (c *Client) Staff(ctx context.Context, department, geohash string) ([]StaffRecord, error) {
	var out struct {
		Data []StaffRecord `json:"data"`
	}
	path := "/api/presence/" + url.PathEscape(department) + "/" + url.PathEscape(geohash) + "/staff"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("client.Staff: %w", err)
	}
	return out.Data, nil
}

// Stream opens the live notification stream of identity and calls fn for
// every frame, control frames included. It returns when ctx is done, the
// server closes the stream, or the transport fails.
func (c *Client) Stream(ctx context.Context, identity string, fn func(Notification)) error {
	body, err := c.openStream(ctx, "/notifications/"+url.PathEscape(identity))
	if err != nil {
		return fmt.Errorf("client.Stream: %w", err)
	}
	defer body.Close() //nolint:errcheck // best-effort close
	return readEvents(ctx, body, func(data []byte) {
		if n, ok := decodeNotification(data); ok {
			fn(n)
		}
	})
}

// WatchZone streams the snapshot and changes of one zone bucket.
func (c *Client) WatchZone(ctx context.Context, department, geohash string, fn func(ZoneFrame)) error {
	path := "/presence/" + url.PathEscape(department) + "/" + url.PathEscape(geohash) + "/watch"
	body, err := c.openStream(ctx, path)
	if err != nil {
		return fmt.Errorf("client.WatchZone: %w", err)
	}
	defer body.Close() //nolint:errcheck // best-effort close
	return readEvents(ctx, body, func(data []byte) {
		var f ZoneFrame
		if json.Unmarshal(data, &f) == nil {
			fn(f)
		}
	})
}

func (c *Client) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close() //nolint:errcheck // best-effort close
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
	}
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
		return &HTTPError{StatusCode: resp.StatusCode, Code: apiErr.Error.Code, Message: apiErr.Error.Message}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}

func decodeNotification(data []byte) (Notification, bool) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, false
	}
	return n, true
}
