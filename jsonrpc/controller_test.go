package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// gated serves a "wait" method that blocks until its gate is opened and
// reports every handler start.
type gated struct {
	gates  map[int]chan struct{}
	starts chan int
	frames chan []byte
}

func newGated(n int) *gated {
	g := &gated{
		gates:  make(map[int]chan struct{}, n),
		starts: make(chan int, 16),
		frames: make(chan []byte, 16),
	}
	for i := 1; i <= n; i++ {
		g.gates[i] = make(chan struct{})
	}
	return g
}

func (g *gated) dispatcher() *Dispatcher {
	ns := NewRegistry().Namespace("gated")
	ns.MustExpose(func(id int) int {
		g.starts <- id
		<-g.gates[id]
		return id
	}, Name("wait"))
	ns.MustExpose(func(id int) int {
		g.starts <- id
		return id
	}, Name("now"))
	return NewDispatcher(ns)
}

func (g *gated) send(ctx context.Context, frame []byte) error {
	g.frames <- frame
	return nil
}

func call(method string, id int) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":[%d]}`, id, method, id))
}

func (g *gated) nextStart(t *testing.T) int {
	t.Helper()
	select {
	case id := <-g.starts:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("no handler started")
		return 0
	}
}

func (g *gated) nextResponse(t *testing.T) int {
	t.Helper()
	select {
	case frame := <-g.frames:
		var resp Response
		require.NoError(t, json.Unmarshal(frame, &resp))
		require.Nil(t, resp.Error)
		var id int
		require.NoError(t, json.Unmarshal(resp.ID, &id))
		return id
	case <-time.After(waitTimeout):
		t.Fatal("no response")
		return 0
	}
}

func (g *gated) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case id := <-g.starts:
		t.Fatalf("handler %d started", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnorderedRespondsInCompletionOrder(t *testing.T) {
	g := newGated(2)
	c := NewController(g.dispatcher(), Unordered, g.send)
	ctx := context.Background()

	require.NoError(t, c.Accept(ctx, call("wait", 1)))
	require.NoError(t, c.Accept(ctx, call("now", 2)))

	assert.Equal(t, 2, g.nextResponse(t))
	close(g.gates[1])
	assert.Equal(t, 1, g.nextResponse(t))
	c.Close()
}

func TestSlightStartsInArrivalOrder(t *testing.T) {
	g := newGated(3)
	c := NewController(g.dispatcher(), Slight, g.send)
	ctx := context.Background()

	for id := 1; id <= 3; id++ {
		require.NoError(t, c.Accept(ctx, call("wait", id)))
	}
	for id := 1; id <= 3; id++ {
		assert.Equal(t, id, g.nextStart(t))
	}

	// Completion order is free.
	close(g.gates[3])
	assert.Equal(t, 3, g.nextResponse(t))
	close(g.gates[1])
	assert.Equal(t, 1, g.nextResponse(t))
	close(g.gates[2])
	assert.Equal(t, 2, g.nextResponse(t))
	c.Close()
}

func TestSlightDoesNotWaitForFailedFrames(t *testing.T) {
	g := newGated(1)
	c := NewController(g.dispatcher(), Slight, g.send)
	ctx := context.Background()

	require.NoError(t, c.Accept(ctx, []byte(`{"jsonrpc":"2.0","id":9,"method":"missing"}`)))
	require.NoError(t, c.Accept(ctx, []byte(`not json`)))
	require.NoError(t, c.Accept(ctx, call("now", 1)))

	assert.Equal(t, 1, g.nextStart(t))
	c.Close()
	assert.Len(t, g.frames, 3)
}

func TestStrictCompletesEachFrameFirst(t *testing.T) {
	g := newGated(2)
	c := NewController(g.dispatcher(), Strict, g.send)
	ctx := context.Background()

	require.NoError(t, c.Accept(ctx, call("wait", 1)))
	require.NoError(t, c.Accept(ctx, call("now", 2)))

	assert.Equal(t, 1, g.nextStart(t))
	g.assertNoStart(t)

	close(g.gates[1])
	assert.Equal(t, 1, g.nextResponse(t))
	assert.Equal(t, 2, g.nextStart(t))
	assert.Equal(t, 2, g.nextResponse(t))
	c.Close()
}

func TestStrictRunsBatchElementsSequentially(t *testing.T) {
	g := newGated(2)
	c := NewController(g.dispatcher(), Strict, g.send)

	batch := fmt.Sprintf("[%s,%s]", call("wait", 1), call("now", 2))
	require.NoError(t, c.Accept(context.Background(), []byte(batch)))

	assert.Equal(t, 1, g.nextStart(t))
	g.assertNoStart(t)
	close(g.gates[1])
	assert.Equal(t, 2, g.nextStart(t))

	select {
	case frame := <-g.frames:
		var resps []Response
		require.NoError(t, json.Unmarshal(frame, &resps))
		require.Len(t, resps, 2)
		assert.Equal(t, "1", string(resps[0].ID))
		assert.Equal(t, "2", string(resps[1].ID))
	case <-time.After(waitTimeout):
		t.Fatal("no response")
	}
	c.Close()
}

func TestControllerCloseWaitsAndRejects(t *testing.T) {
	for _, ordering := range []Ordering{Unordered, Slight, Strict} {
		t.Run(ordering.String(), func(t *testing.T) {
			g := newGated(1)
			c := NewController(g.dispatcher(), ordering, g.send)
			require.NoError(t, c.Accept(context.Background(), call("wait", 1)))
			assert.Equal(t, 1, g.nextStart(t))

			closed := make(chan struct{})
			go func() {
				c.Close()
				close(closed)
			}()
			select {
			case <-closed:
				t.Fatal("Close returned before the handler completed")
			case <-time.After(50 * time.Millisecond):
			}

			close(g.gates[1])
			select {
			case <-closed:
			case <-time.After(waitTimeout):
				t.Fatal("Close did not return")
			}
			assert.Equal(t, 1, g.nextResponse(t))
			assert.ErrorIs(t, c.Accept(context.Background(), call("now", 2)), ErrClosed)
			c.Close()
		})
	}
}

func TestControllerDropsFailedSends(t *testing.T) {
	g := newGated(1)
	var faults []error
	c := NewController(g.dispatcher(), Strict, func(ctx context.Context, frame []byte) error {
		return errors.New("connection closed")
	}, WithFaultHandler(func(err error) { faults = append(faults, err) }))

	require.NoError(t, c.Accept(context.Background(), call("now", 1)))
	require.NoError(t, c.Accept(context.Background(), call("now", 1)))
	c.Close()
	assert.Len(t, g.starts, 2)
	assert.Empty(t, faults)
}

func TestControllerAcceptHonorsContext(t *testing.T) {
	g := newGated(1)
	c := NewController(g.dispatcher(), Unordered, g.send, WithMaxInFlight(1))
	require.NoError(t, c.Accept(context.Background(), call("wait", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Accept(ctx, call("now", 2)), context.DeadlineExceeded)

	close(g.gates[1])
	c.Close()
}
