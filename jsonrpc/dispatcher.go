package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher resolves requests against one namespace and invokes their
// handlers. It never lets a handler failure escape: every failure becomes an
// error response.
type Dispatcher struct {
	ns         *Namespace
	logger     *zap.Logger
	metrics    *Metrics
	batchLimit int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithBatchConcurrency bounds how many elements of one batch run at once.
// Values below 1 mean GOMAXPROCS.
func WithBatchConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.batchLimit = n
	}
}

// NewDispatcher creates a dispatcher for ns and seals ns.
func NewDispatcher(ns *Namespace, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ns:     ns,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.batchLimit < 1 {
		d.batchLimit = runtime.GOMAXPROCS(0)
	}
	d.logger = d.logger.Named("dispatcher").With(zap.String("namespace", ns.Name()))
	ns.Seal()
	return d
}

// Namespace returns the namespace served by d.
func (d *Dispatcher) Namespace() *Namespace {
	return d.ns
}

// Dispatch handles one request. It returns nil for notifications, including
// notifications whose handler failed or does not exist.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	if req.invalid != nil {
		markStarted(ctx)
		d.metrics.observe(d.ns.Name(), unknownMethod, req.invalid.Code, 0)
		return errorResponse(req.ID, req.Version, req.invalid)
	}

	m, ok := d.ns.resolve(req.Method)
	if !ok {
		markStarted(ctx)
		d.metrics.observe(d.ns.Name(), unknownMethod, CodeMethodNotFound, 0)
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, req.Version, NewMethodNotFoundError("method not found: "+req.Method))
	}

	start := time.Now()
	result, err := m.call(context.WithValue(ctx, requestKey{}, req), req.Params)
	// Covers binding failures, which return before the handler runs.
	markStarted(ctx)
	elapsed := time.Since(start)

	if err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			d.logger.Error("handler panicked",
				zap.String("method", req.Method),
				zap.Any("panic", pe.value),
				zap.ByteString("stack", pe.stack))
		}
		rpcErr := toError(err)
		d.metrics.observe(d.ns.Name(), req.Method, rpcErr.Code, elapsed)
		if req.IsNotification() {
			d.logger.Debug("notification failed", zap.String("method", req.Method), zap.Error(err))
			return nil
		}
		return errorResponse(req.ID, req.Version, rpcErr)
	}

	if req.IsNotification() {
		d.metrics.observe(d.ns.Name(), req.Method, 0, elapsed)
		return nil
	}

	// Serialize here so an unencodable result only fails its own request.
	raw, err := marshal(result)
	if err != nil {
		d.logger.Error("result is not serializable", zap.String("method", req.Method), zap.Error(err))
		d.metrics.observe(d.ns.Name(), req.Method, CodeInternalError, elapsed)
		return errorResponse(req.ID, req.Version, NewInternalError(""))
	}
	d.metrics.observe(d.ns.Name(), req.Method, 0, elapsed)
	return &Response{ID: req.ID, Version: req.Version, Result: json.RawMessage(raw)}
}

// DispatchBatch handles the elements of a batch independently and returns
// their responses in input order, without entries for notifications.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []*Request) []*Response {
	resps := make([]*Response, len(reqs))

	var g errgroup.Group
	if isSequential(ctx) {
		g.SetLimit(1)
	} else {
		g.SetLimit(d.batchLimit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			resps[i] = d.Dispatch(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	out := resps[:0]
	for _, resp := range resps {
		if resp != nil {
			out = append(out, resp)
		}
	}
	return out
}

// HandleFrame parses one inbound frame, dispatches it and encodes the reply.
// It returns nil when nothing must be sent back. A non-nil error reports a
// fault in the dispatch machinery itself; the returned frame then carries an
// InternalError response.
func (d *Dispatcher) HandleFrame(ctx context.Context, data []byte) ([]byte, error) {
	msg, errResp := Parse(data)
	if errResp != nil {
		markStarted(ctx)
		d.metrics.observe(d.ns.Name(), unknownMethod, errResp.Error.Code, 0)
		return Encode(errResp)
	}

	if !msg.Batch {
		resp := d.Dispatch(ctx, msg.Requests[0])
		if resp == nil {
			return nil, nil
		}
		out, err := Encode(resp)
		if err != nil {
			return d.internalFailure(resp.ID, resp.Version, err)
		}
		return out, nil
	}

	resps := d.DispatchBatch(ctx, msg.Requests)
	if len(resps) == 0 {
		return nil, nil
	}
	out, err := EncodeBatch(resps)
	if err != nil {
		return d.internalFailure(nil, Version2, err)
	}
	return out, nil
}

func (d *Dispatcher) internalFailure(id json.RawMessage, version Version, cause error) ([]byte, error) {
	d.logger.Error("failed to encode response", zap.Error(cause))
	out, err := Encode(errorResponse(id, version, NewInternalError("")))
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return out, fmt.Errorf("jsonrpc: encode response: %w", cause)
}

type sequentialKey struct{}

// withSequential marks ctx so that batches run one element at a time.
func withSequential(ctx context.Context) context.Context {
	return context.WithValue(ctx, sequentialKey{}, true)
}

func isSequential(ctx context.Context) bool {
	v, _ := ctx.Value(sequentialKey{}).(bool)
	return v
}
