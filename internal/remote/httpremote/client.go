package httpremote

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

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

// Client is a remote.Backend talking to a Server.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

var _ remote.Backend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("httpremote")
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends a request and decodes a JSON response into out. Transport
// failures and 5xx responses wrap remote.ErrUnavailable; a 401 also wraps
// remote.ErrUnauthorized.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s: %w", remote.ErrUnavailable, method, path, remote.ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&e)
		if e.ErrorCode != "" && e.ErrorCode != remote.CodeInternal {
			return fmt.Errorf("%s %s: %w", method, path, remote.ErrorFromCode(e.ErrorCode, e.Error))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s %s: %s %s", remote.ErrUnavailable, method, path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	var resp accountResponse
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, nil, &resp)
	if errors.Is(err, remote.ErrUnauthorized) {
		c.logger.Warn("remote rejected the token")
		return remote.StatusRestricted, nil
	}
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) FetchChanges(ctx context.Context, req remote.FetchRequest) (remote.ChangePage, error) {
	q := url.Values{}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.PageToken != "" {
		q.Set("page_token", req.PageToken)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp changesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/changes", q, nil, &resp); err != nil {
		return remote.ChangePage{}, err
	}
	return remote.ChangePage{
		Changed:       resp.Changed,
		Deleted:       resp.Deleted,
		NextPageToken: resp.NextPageToken,
		MoreComing:    resp.MoreComing,
		Cursor:        resp.Cursor,
	}, nil
}

func (c *Client) Upsert(ctx context.Context, records []wire.Record) ([]remote.RecordResult, error) {
	results := make([]remote.RecordResult, 0, len(records))
	for start := 0; start < len(records); start += maxBatch {
		end := min(start+maxBatch, len(records))

		var resp upsertResponse
		if err := c.do(ctx, http.MethodPost, "/v1/records", nil, upsertRequest{Records: records[start:end]}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Results) != end-start {
			return nil, fmt.Errorf("server returned %d results for %d records", len(resp.Results), end-start)
		}
		for _, r := range resp.Results {
			results = append(results, remote.RecordResult{ID: r.ID, Err: remote.ErrorFromCode(r.ErrorCode, r.Error)})
		}
	}
	return results, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/records/"+url.PathEscape(id), nil, nil, nil)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	return err
}

// Subscribe opens the websocket change stream. The channel closes when the
// connection drops; callers resubscribe.
func (c *Client) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/subscribe"

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe: %v", remote.ErrUnavailable, err)
	}
	if _, msg, err := conn.Read(ctx); err != nil || string(msg) != readyMessage {
		_ = conn.Close(websocket.StatusProtocolError, "expected ready")
		return nil, fmt.Errorf("%w: subscription handshake failed: %v", remote.ErrUnavailable, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("subscription closed", zap.Error(err))
				}
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
