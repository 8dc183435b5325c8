// Package auth authenticates RPC connections during the handshake.
//
// A Processor reads a bearer token from the Authorization header, or from the
// access_token query parameter for browser WebSocket clients, and checks it
// with the configured Verifiers. The resulting Principal is stored in the
// request context, which becomes the connection context, so handlers can
// call PrincipalFromContext.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoToken is returned when a request carries no credentials.
	ErrNoToken = errors.New("auth: no token")
	// ErrInvalidToken is returned when no verifier accepts the token.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Issuer  string
	// Email is set only when the issuer asserts it is verified.
	Email  string
	Expiry time.Time
}

// ID returns a stable identifier of the form "issuer:subject".
func (p *Principal) ID() string {
	if p.Issuer == "" {
		return p.Subject
	}
	return p.Issuer + ":" + p.Subject
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
