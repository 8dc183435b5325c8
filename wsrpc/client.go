package wsrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"nhooyr.io/websocket"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("wsrpc: client closed")

// NotificationHandler receives requests pushed by the server.
type NotificationHandler func(method string, params json.RawMessage)

// Client calls a Server over one WebSocket connection. It is safe for
// concurrent use.
type Client struct {
	ws     *websocket.Conn
	logger *zap.Logger
	notify NotificationHandler
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Response
	err     error
	done    chan struct{}
}

type dialConfig struct {
	header    http.Header
	tokens    oauth2.TokenSource
	client    *http.Client
	notify    NotificationHandler
	logger    *zap.Logger
	readLimit int64
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) {
		for k, v := range h {
			c.header[k] = append(c.header[k], v...)
		}
	}
}

// WithTokenSource authenticates the handshake with a bearer token from ts.
func WithTokenSource(ts oauth2.TokenSource) DialOption {
	return func(c *dialConfig) { c.tokens = ts }
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(hc *http.Client) DialOption {
	return func(c *dialConfig) { c.client = hc }
}

// WithNotificationHandler receives notifications pushed by the server.
func WithNotificationHandler(fn NotificationHandler) DialOption {
	return func(c *dialConfig) { c.notify = fn }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) DialOption {
	return func(c *dialConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientReadLimit sets the largest accepted inbound frame.
func WithClientReadLimit(n int64) DialOption {
	return func(c *dialConfig) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// Dial connects to the server at url, a ws:// or wss:// address.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Client, error) {
	cfg := &dialConfig{
		header:    make(http.Header),
		logger:    zap.NewNop(),
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.tokens != nil {
		tok, err := cfg.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("wsrpc: token: %w", err)
		}
		cfg.header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: cfg.header,
		HTTPClient: cfg.client,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsrpc: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("wsrpc: dial %s: %w", url, err)
	}
	ws.SetReadLimit(cfg.readLimit)

	c := &Client{
		ws:      ws,
		logger:  cfg.logger,
		notify:  cfg.notify,
		pending: make(map[string]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done
	if isClosed(err) {
		return nil
	}
	return err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if isClosed(err) {
			err = nil
		}
		c.err = errors.Join(ErrClientClosed, err)
		c.mu.Unlock()
		close(c.done)
	}()

	ctx := context.Background()
	for {
		var data []byte
		_, data, err = c.ws.Read(ctx)
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			c.logger.Debug("bad frame", zap.Error(err))
			return
		}
		for _, raw := range batch {
			c.handleMessage(raw)
		}
		return
	}
	c.handleMessage(data)
}

func (c *Client) handleMessage(raw json.RawMessage) {
	var probe struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.logger.Debug("bad message", zap.Error(err))
		return
	}
	if probe.Method != "" {
		if c.notify != nil {
			c.notify(probe.Method, probe.Params)
		}
		return
	}

	resp := new(jsonrpc.Response)
	if err := json.Unmarshal(raw, resp); err != nil {
		c.logger.Debug("bad response", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[string(resp.ID)]
	delete(c.pending, string(resp.ID))
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("unexpected response", zap.ByteString("id", resp.ID))
		return
	}
	ch <- resp
}

// register allocates an id and a reply channel for a call.
func (c *Client) register() (json.RawMessage, chan *jsonrpc.Response, error) {
	id := json.RawMessage(strconv.FormatUint(c.nextID.Add(1), 10))
	ch := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, nil, c.err
	}
	c.pending[string(id)] = ch
	return id, ch, nil
}

func (c *Client) unregister(id json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, string(id))
}

func (c *Client) wait(ctx context.Context, ch chan *jsonrpc.Response) (*jsonrpc.Response, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

func newRequest(id json.RawMessage, method string, params any) (*jsonrpc.Request, error) {
	p, err := jsonrpc.MakeParams(params)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Request{ID: id, Version: jsonrpc.Version2, Method: method, Params: p}, nil
}

func (c *Client) write(ctx context.Context, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// Call invokes method and decodes its result into result, unless result is
// nil. A JSON-RPC error is returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id, ch, err := c.register()
	if err != nil {
		return err
	}
	defer c.unregister(id)

	req, err := newRequest(id, method, params)
	if err != nil {
		return err
	}
	if err := c.write(ctx, req); err != nil {
		return err
	}
	resp, err := c.wait(ctx, ch)
	if err != nil {
		return err
	}
	return decodeResult(resp, result)
}

func decodeResult(resp *jsonrpc.Response, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	raw, ok := resp.Result.(json.RawMessage)
	if !ok {
		return fmt.Errorf("wsrpc: unexpected result type %T", resp.Result)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

// Notify sends a notification. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := newRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, req)
}

// BatchElem is one call of a batch.
type BatchElem struct {
	Method string
	Params any
	// Result receives the decoded result, unless nil.
	Result any
	// Notification sends the element without an id.
	Notification bool
	// Error is set by Batch when the call failed.
	Error error
}

// Batch sends elems as one batch frame and waits for every response. Errors of
// individual calls are stored in their element.
func (c *Client) Batch(ctx context.Context, elems []*BatchElem) error {
	reqs := make([]*jsonrpc.Request, len(elems))
	chans := make([]chan *jsonrpc.Response, len(elems))
	for i, e := range elems {
		var id json.RawMessage
		if !e.Notification {
			var err error
			id, chans[i], err = c.register()
			if err != nil {
				return err
			}
			defer c.unregister(id)
		}
		req, err := newRequest(id, e.Method, e.Params)
		if err != nil {
			return err
		}
		reqs[i] = req
	}
	if err := c.write(ctx, reqs); err != nil {
		return err
	}
	for i, e := range elems {
		if chans[i] == nil {
			continue
		}
		resp, err := c.wait(ctx, chans[i])
		if err != nil {
			return err
		}
		e.Error = decodeResult(resp, e.Result)
	}
	return nil
}
