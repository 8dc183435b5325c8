// Package endpoint is the HTTP layer in front of the RPC transports.
//
// A request runs through three phases:
//
//  1. Processors run in order. They authenticate, load sessions and enrich
//     the request context. They never write the response.
//  2. The params struct is decoded from the request (query, header, cookie
//     and path tags) and passed to the EndpointFunc, which returns a Renderer.
//  3. Deferred hooks run, then the Renderer writes the response. For a
//     WebSocket endpoint the Renderer performs the upgrade and serves the
//     connection.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// EndpointError is an error with an HTTP status. Handlers translate it into
// the response status; any other error is a 500.
type EndpointError struct {
	Status  int
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if msg == "" {
		msg = "unknown error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error returns an EndpointError, unless err already is one.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes the response. It must call WriteHeader, or take over the
// connection.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor runs before the endpoint. It calls next to continue, or returns
// an error to stop the chain. It must not write the response.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc handles a request with decoded params and returns the
// Renderer for the response.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is an http.Handler running processors, then an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// Logger receives errors turned into 5xx responses. Nil means no logging.
	Logger *zap.Logger
}

// Handler constructs an EndpointHandler.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// WithLogger sets the handler logger and returns h.
func (h *EndpointHandler[P]) WithLogger(logger *zap.Logger) *EndpointHandler[P] {
	h.Logger = logger
	return h
}

type hooksKey struct{}

type hooks struct {
	fns []func(http.ResponseWriter)
}

// Defer registers fn to run right before the response headers are written,
// in LIFO order. Outside an EndpointHandler it does nothing.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.fns = append(h.fns, fn)
	}
}

// Commit runs the functions registered with Defer. Later calls do nothing.
func Commit(ctx context.Context, w http.ResponseWriter) {
	h, ok := ctx.Value(hooksKey{}).(*hooks)
	if !ok {
		return
	}
	fns := h.fns
	h.fns = nil
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](w)
	}
}

func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}
	if _, ok := r.Context().Value(hooksKey{}).(*hooks); !ok {
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks{}))
	}

	err := h.run(0, w, r)
	if err == nil {
		return
	}

	status := http.StatusInternalServerError
	message := err.Error()
	var ee *EndpointError
	if errors.As(err, &ee) {
		if ee.Status >= 100 && ee.Status < 600 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	if status < 400 {
		// Short-circuit, such as a CORS preflight answer.
		Commit(r.Context(), w)
		w.WriteHeader(status)
		return
	}
	if status >= 500 && h.Logger != nil {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	Commit(r.Context(), w)
	http.Error(w, message, status)
}

func (h *EndpointHandler[P]) run(i int, w http.ResponseWriter, r *http.Request) error {
	if i < len(h.Processors) {
		p := h.Processors[i]
		if p == nil {
			return errors.New("endpoint: nil processor")
		}
		return p.Process(w, r, func(w http.ResponseWriter, r *http.Request) error {
			return h.run(i+1, w, r)
		})
	}

	var params P
	if err := Unmarshal(r, &params); err != nil {
		return err
	}
	renderer, err := h.Endpoint(w, r, params)
	if err != nil {
		return err
	}
	if renderer == nil {
		return errors.New("endpoint: nil renderer")
	}
	if c, ok := renderer.(io.Closer); ok {
		defer c.Close()
	}
	Commit(r.Context(), w)
	return renderer.Render(w, r)
}
