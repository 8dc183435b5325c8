package main

import (
	"context"
	"errors"

	"github.com/mnehpets/onerpc/auth"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/wsrpc"
)

func ping() string { return "pong" }

func echo(v any) any { return v }

func add(a, b float64) float64 { return a + b }

type identity struct {
	Conn    string `json:"conn,omitempty"`
	Subject string `json:"subject,omitempty"`
	Email   string `json:"email,omitempty"`
	Session string `json:"session,omitempty"`
}

func whoami(ctx context.Context) identity {
	var id identity
	id.Conn, _ = wsrpc.ConnID(ctx)
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		id.Subject = p.ID()
		id.Email = p.Email
	}
	if sess, ok := middleware.SessionFromContext(ctx); ok {
		id.Session = sess.ID()
	}
	return id
}

var errNotConnected = errors.New("room methods need a WebSocket connection")

// rooms lets connections talk to each other through hub groups.
type rooms struct {
	hub *wsrpc.Hub
}

type roomMessage struct {
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
}

func (r *rooms) Join(ctx context.Context, room string) error {
	id, ok := wsrpc.ConnID(ctx)
	if !ok {
		return errNotConnected
	}
	return r.hub.Join(room, id)
}

func (r *rooms) Leave(ctx context.Context, room string) error {
	id, ok := wsrpc.ConnID(ctx)
	if !ok {
		return errNotConnected
	}
	r.hub.Leave(room, id)
	return nil
}

func (r *rooms) Members(room string) []string {
	return r.hub.Members(room)
}

// Say sends text to every member of the room as a room.message notification
// and returns the number of members.
func (r *rooms) Say(ctx context.Context, p struct {
	Room string `json:"room"`
	Text string `json:"text"`
}) (int, error) {
	from := "anonymous"
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		from = principal.ID()
	} else if id, ok := wsrpc.ConnID(ctx); ok {
		from = id
	}
	members := r.hub.Members(p.Room)
	msg := map[string]any{
		"jsonrpc": jsonrpc.Version2,
		"method":  "room.message",
		"params":  roomMessage{Room: p.Room, From: from, Text: p.Text},
	}
	if err := r.hub.GroupSend(ctx, p.Room, msg); err != nil {
		return 0, err
	}
	return len(members), nil
}

// registerDemo exposes the demo methods in ns.
func registerDemo(ns *jsonrpc.Namespace, hub *wsrpc.Hub) error {
	for _, fn := range []any{ping, echo, add, whoami} {
		if err := ns.Expose(fn); err != nil {
			return err
		}
	}
	if err := ns.Expose(func() error { return errors.New("fake_error") }, jsonrpc.Name("fake_error")); err != nil {
		return err
	}
	return ns.RegisterReceiver("room", &rooms{hub: hub})
}
