package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/middleware"
)

// credentials are the places a bearer token may arrive in.
type credentials struct {
	Authorization string `header:"Authorization" maxLength:"8192"`
	AccessToken   string `query:"access_token" maxLength:"8192"`
}

func (c credentials) token() string {
	if scheme, tok, ok := strings.Cut(c.Authorization, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return c.AccessToken
}

// Processor authenticates requests. It is an endpoint.Processor.
type Processor struct {
	verifier Verifier
	optional bool
	realm    string
	logger   *zap.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// Optional lets requests without credentials through as anonymous callers.
// Requests carrying a bad token are still rejected.
func Optional() ProcessorOption {
	return func(p *Processor) { p.optional = true }
}

// WithRealm sets the realm reported in WWW-Authenticate.
func WithRealm(realm string) ProcessorOption {
	return func(p *Processor) { p.realm = realm }
}

// WithLogger sets the processor logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a Processor trying verifiers in order.
func NewProcessor(verifiers []Verifier, opts ...ProcessorOption) *Processor {
	p := &Processor{
		verifier: Chain(verifiers),
		realm:    "onerpc",
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements endpoint.Processor.
//
// A verified token wins. Without a token, a session already bound to a
// subject authenticates the caller, so browsers reconnect with the cookie
// alone.
func (p *Processor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	var creds credentials
	if err := endpoint.Unmarshal(r, &creds); err != nil {
		return err
	}
	ctx := r.Context()
	sess, hasSession := middleware.SessionFromContext(ctx)

	if tok := creds.token(); tok != "" {
		principal, err := p.verifier.Verify(ctx, tok)
		if err != nil {
			p.logger.Debug("token rejected", zap.Error(err))
			return p.unauthorized(w, "invalid_token", err)
		}
		if hasSession {
			if err := sess.Bind(principal.ID()); err != nil {
				return endpoint.Error(http.StatusInternalServerError, "", err)
			}
		}
		return next(w, r.WithContext(WithPrincipal(ctx, principal)))
	}

	if hasSession {
		if subject, ok := sess.Subject(); ok {
			principal := &Principal{Subject: subject, Expiry: sess.Expires()}
			return next(w, r.WithContext(WithPrincipal(ctx, principal)))
		}
	}
	if p.optional {
		return next(w, r)
	}
	return p.unauthorized(w, "", ErrNoToken)
}

func (p *Processor) unauthorized(w http.ResponseWriter, code string, err error) error {
	challenge := `Bearer realm="` + p.realm + `"`
	if code != "" {
		challenge += `, error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	return endpoint.Error(http.StatusUnauthorized, "", err)
}

var _ endpoint.Processor = (*Processor)(nil)
