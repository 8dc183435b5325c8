package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// ErrUnknownConn is returned for ids that name no open connection.
var ErrUnknownConn = errors.New("wsrpc: unknown connection")

// Hub tracks open connections and their groups.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]struct{}
	// member lists the groups of each connection.
	member map[string]map[string]struct{}
}

// NewHub creates an empty hub. A nil logger discards logs.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]struct{}),
		member: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// remove forgets the connection and drops it from all its groups.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
	for group := range h.member[id] {
		h.leaveLocked(group, id)
	}
	delete(h.member, id)
}

// Conn returns the connection with id.
func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// IDs returns the sorted ids of open connections.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Send writes a raw frame to one connection.
func (h *Hub) Send(ctx context.Context, id string, frame []byte) error {
	c, ok := h.Conn(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, id)
	}
	return c.Send(ctx, frame)
}

// Notify pushes a JSON-RPC 2.0 notification to one connection.
func (h *Hub) Notify(ctx context.Context, id, method string, params any) error {
	frame, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	return h.Send(ctx, id, frame)
}

func encodeNotification(method string, params any) ([]byte, error) {
	p, err := jsonrpc.MakeParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&jsonrpc.Request{Version: jsonrpc.Version2, Method: method, Params: p})
}

// Join adds the connection to group.
func (h *Hub) Join(group, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, id)
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]struct{})
	}
	h.groups[group][id] = struct{}{}
	if h.member[id] == nil {
		h.member[id] = make(map[string]struct{})
	}
	h.member[id][group] = struct{}{}
	return nil
}

// Leave removes the connection from group.
func (h *Hub) Leave(group, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(group, id)
}

func (h *Hub) leaveLocked(group, id string) {
	if members, ok := h.groups[group]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.member[id]; ok {
		delete(groups, group)
	}
}

// Members returns the sorted ids of the connections in group.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// GroupSend encodes v as JSON once and writes it to every member of group.
// It returns the failed deliveries; the other members still get the frame.
func (h *Hub) GroupSend(ctx context.Context, group string, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, id := range h.Members(group) {
		if err := h.Send(ctx, id, frame); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("conn %s: %w", id, err))
		}
	}
	return errs.ErrorOrNil()
}

// Close closes every open connection with StatusGoingAway.
func (h *Hub) Close() error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var errs *multierror.Error
	for _, c := range conns {
		if err := c.Close(websocket.StatusGoingAway, "server shutting down"); err != nil && !isClosed(err) {
			errs = multierror.Append(errs, fmt.Errorf("conn %s: %w", c.id, err))
		}
	}
	h.logger.Debug("hub closed", zap.Int("connections", len(conns)))
	return errs.ErrorOrNil()
}

// isClosed reports errors caused by a peer that already closed.
func isClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
