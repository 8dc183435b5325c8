package jsonrpc

import (
	"context"
	"sync"
)

type startedKey struct{}

// withStartNotifier returns a context that carries fn. The dispatcher calls
// it once, right before the first handler of the frame is invoked, or when it
// knows that no handler will be invoked.
func withStartNotifier(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, startedKey{}, sync.OnceFunc(fn))
}

// markStarted fires the start notifier carried by ctx, if any. It is a no-op
// after the first call.
func markStarted(ctx context.Context) {
	if fn, ok := ctx.Value(startedKey{}).(func()); ok && fn != nil {
		fn()
	}
}

type requestKey struct{}

// RequestFromContext returns the request being dispatched. Handlers can use it
// to read the id or version of the call they serve.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok && req != nil
}
