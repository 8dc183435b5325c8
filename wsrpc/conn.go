// Package wsrpc serves a jsonrpc.Dispatcher over WebSocket.
//
// Server upgrades requests on its endpoint and runs one jsonrpc.Controller per
// connection. Every text frame is a JSON-RPC message; binary frames are
// answered with an InvalidRequest error. Connections are tracked by a Hub,
// which pushes notifications and group messages to clients. Client is the
// matching caller side.
package wsrpc

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	// DefaultReadLimit is the largest inbound frame accepted, in bytes.
	DefaultReadLimit = 1 << 20
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
)

// Conn is a connected client.
type Conn struct {
	id      string
	ws      *websocket.Conn
	timeout time.Duration

	// mu keeps frames whole when handlers and the hub write at once.
	mu sync.Mutex
}

func newConn(id string, ws *websocket.Conn, timeout time.Duration) *Conn {
	return &Conn{id: id, ws: ws, timeout: timeout}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// Close closes the connection with status and reason.
func (c *Conn) Close(status websocket.StatusCode, reason string) error {
	return c.ws.Close(status, reason)
}

type connIDKey struct{}

func withConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the id of the connection a handler serves. It is false for
// requests that arrived over HTTP POST.
func ConnID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey{}).(string)
	return id, ok && id != ""
}
