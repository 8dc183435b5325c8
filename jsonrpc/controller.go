package jsonrpc

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SendFunc delivers one outbound frame on the connection a Controller serves.
type SendFunc func(ctx context.Context, frame []byte) error

// DefaultMaxInFlight bounds concurrent frames per connection.
const DefaultMaxInFlight = 64

// Controller schedules the frames of one connection according to its Ordering.
//
// Accept is called by the connection reader for every inbound frame, in
// arrival order and from a single goroutine. Responses are passed to the
// SendFunc. A failing SendFunc (typically a closed connection) drops the
// response.
type Controller struct {
	d        *Dispatcher
	ordering Ordering
	send     SendFunc
	logger   *zap.Logger
	onFault  func(error)

	maxInFlight int64
	sem         *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	queue  chan job
	loop   chan struct{}
	wg     sync.WaitGroup
}

type job struct {
	ctx   context.Context
	frame []byte
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMaxInFlight bounds how many frames of one connection may be in progress
// at once under Unordered and Slight ordering. When the bound is reached,
// Accept blocks.
func WithMaxInFlight(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxInFlight = int64(n)
		}
	}
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFaultHandler is called when the dispatch machinery fails on a frame.
// The connection is kept open either way.
func WithFaultHandler(fn func(error)) ControllerOption {
	return func(c *Controller) {
		c.onFault = fn
	}
}

// NewController creates a controller for one connection.
func NewController(d *Dispatcher, ordering Ordering, send SendFunc, opts ...ControllerOption) *Controller {
	c := &Controller{
		d:           d,
		ordering:    ordering,
		send:        send,
		logger:      zap.NewNop(),
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("controller").With(zap.Stringer("ordering", ordering))
	c.sem = semaphore.NewWeighted(c.maxInFlight)

	if ordering != Unordered {
		c.queue = make(chan job, c.maxInFlight)
		c.loop = make(chan struct{})
		go c.run()
	}
	return c
}

// Ordering returns the discipline used by c.
func (c *Controller) Ordering() Ordering {
	return c.ordering
}

// Accept takes the next inbound frame. The frame must not be modified
// afterwards.
func (c *Controller) Accept(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	if c.ordering == Unordered {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.process(ctx, frame)
		}()
		return nil
	}

	select {
	case c.queue <- job{ctx: ctx, frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the sequencing goroutine for Slight and Strict ordering.
func (c *Controller) run() {
	defer close(c.loop)
	for j := range c.queue {
		if c.ordering == Strict {
			c.process(withSequential(j.ctx), j.frame)
			continue
		}

		if err := c.sem.Acquire(j.ctx, 1); err != nil {
			c.logger.Debug("frame dropped", zap.Error(err))
			continue
		}
		started := make(chan struct{})
		notify := sync.OnceFunc(func() { close(started) })
		ctx := withStartNotifier(j.ctx, notify)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			defer notify()
			c.process(ctx, j.frame)
		}()
		<-started
	}
}

func (c *Controller) process(ctx context.Context, frame []byte) {
	out, err := c.d.HandleFrame(ctx, frame)
	if err != nil {
		c.logger.Error("dispatch fault", zap.Error(err))
		if c.onFault != nil {
			c.onFault(err)
		}
	}
	if out == nil {
		return
	}
	if err := c.send(ctx, out); err != nil {
		c.logger.Debug("response dropped", zap.Error(err))
	}
}

// Close stops accepting frames and waits until every accepted frame has been
// processed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.Wait()
		return
	}
	c.closed = true
	if c.queue != nil {
		close(c.queue)
	}
	c.mu.Unlock()
	c.Wait()
}

// Wait blocks until all accepted frames have been processed. It returns only
// after Close when the ordering is Slight or Strict.
func (c *Controller) Wait() {
	if c.loop != nil {
		<-c.loop
	}
	c.wg.Wait()
}
