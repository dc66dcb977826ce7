package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// HTTPError is a non-2xx response from the sync server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sync server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("sync server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a Server. It implements Store and Subscriber.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetUserAgent sets the User-Agent sent with every request.
func (c *Client) SetUserAgent(ua string) {
	c.userAgent = ua
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the server answers GET /health.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach sync server: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Fetch implements Store.
func (c *Client) Fetch(ctx context.Context, userID string) (*Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/snapshots/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := c.do(req, &snap); err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) && herr.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// Upsert implements Store.
func (c *Client) Upsert(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	body, err := Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/v1/snapshots/"+url.PathEscape(snap.UserID), body)
	if err != nil {
		return nil, err
	}

	var stored Snapshot
	if err := c.do(req, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Subscribe implements Subscriber. It returns after the server confirms the
// subscription. ctx bounds only the handshake.
func (c *Client) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	wsURL := c.baseURL + "/v1/realtime/" + url.PathEscape(userID)

	header := http.Header{}
	if c.apiKey != "" {
		header.Set(APIKeyHeader, c.apiKey)
	}
	if c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to open realtime channel: %w", err)
	}
	conn.SetReadLimit(MaxSnapshotBytes)

	first, err := readFrame(ctx, conn)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("failed to confirm subscription: %w", err)
	}
	switch first.Type {
	case FrameSubscribed:
	case FrameError:
		conn.CloseNow()
		return nil, fmt.Errorf("subscription rejected: %s", first.Error)
	default:
		conn.CloseNow()
		return nil, fmt.Errorf("unexpected frame %q before subscription confirmed", first.Type)
	}

	rctx, cancel := context.WithCancel(context.Background())
	s := &wsSubscription{
		conn:   conn,
		ch:     make(chan Notification, DefaultSubscriberBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.readLoop(rctx)
	return s, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach sync server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		return &HTTPError{StatusCode: resp.StatusCode, Message: body.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	var f Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	ch     chan Notification
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	for {
		f, err := readFrame(ctx, s.conn)
		if err != nil {
			s.end(err)
			return
		}

		switch f.Type {
		case FrameChange:
			if f.Record == nil {
				continue
			}
			select {
			case s.ch <- Notification{Type: f.Event, Record: *f.Record}:
			case <-ctx.Done():
				s.end(ErrClosed)
				return
			}
		case FrameError:
			s.end(fmt.Errorf("realtime channel error: %s", f.Error))
			return
		}
	}
}

func (s *wsSubscription) Notifications() <-chan Notification { return s.ch }

func (s *wsSubscription) Done() <-chan struct{} { return s.done }

func (s *wsSubscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *wsSubscription) Close() error {
	s.end(ErrClosed)
	return nil
}

func (s *wsSubscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		_ = s.conn.CloseNow()
		close(s.done)
	})
}
