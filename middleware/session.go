package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/mnehpets/onerpc/endpoint"
)

// DefaultSessionCookie is the default session cookie name.
const DefaultSessionCookie = "onerpc_session"

const (
	// DefaultSessionPeriod is the lifetime of a new session.
	DefaultSessionPeriod = 24 * time.Hour
	// DefaultExtendThreshold extends a session once less than this is left.
	DefaultExtendThreshold = DefaultSessionPeriod / 4
	// MaxSessionLifetime bounds how long a session lives, extensions included.
	MaxSessionLifetime = 90 * 24 * time.Hour
)

const sessionIDBytes = 16

// ErrNoValue is returned by Session.Get for unknown keys.
var ErrNoValue = errors.New("session: no value for key")

// sessionData is the sealed cookie content.
type sessionData struct {
	ID      string                     `cbor:"1,keyasint"`
	Subject string                     `cbor:"2,keyasint,omitempty"`
	Issued  time.Time                  `cbor:"3,keyasint"`
	Expires time.Time                  `cbor:"4,keyasint"`
	Values  map[string]cbor.RawMessage `cbor:"5,keyasint,omitempty"`
}

// Session is the client session attached to an RPC connection.
//
// The session is loaded from its cookie during the handshake and stays
// available to every handler of the connection through SessionFromContext.
// Changes are written back with the handshake response; changes made later
// live as long as the connection.
type Session struct {
	mu    sync.RWMutex
	data  sessionData
	dirty bool
}

func newSessionData(now time.Time, period time.Duration) (sessionData, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return sessionData{}, err
	}
	now = now.Truncate(time.Second)
	return sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Issued:  now,
		Expires: now.Add(period),
	}, nil
}

// ID returns the session id. It is stable across reconnects.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ID
}

// Subject returns the principal bound to the session, if any.
func (s *Session) Subject() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Subject, s.data.Subject != ""
}

// Expires returns the session expiry.
func (s *Session) Expires() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Expires
}

// Bind attaches subject to the session. Binding a different subject starts a
// new session id and drops the stored values.
func (s *Session) Bind(subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Subject == subject {
		return nil
	}
	if s.data.Subject != "" || len(s.data.Values) > 0 {
		fresh, err := newSessionData(time.Now(), s.data.Expires.Sub(s.data.Issued))
		if err != nil {
			return err
		}
		s.data = fresh
	}
	s.data.Subject = subject
	s.dirty = true
	return nil
}

// Get decodes the value stored under key into dest.
func (s *Session) Get(key string, dest any) error {
	s.mu.RLock()
	raw, ok := s.data.Values[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNoValue
	}
	return cbor.Unmarshal(raw, dest)
}

// Set stores value under key.
func (s *Session) Set(key string, value any) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Values == nil {
		s.data.Values = make(map[string]cbor.RawMessage)
	}
	s.data.Values[key] = raw
	s.dirty = true
	return nil
}

// Delete removes the value stored under key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Values[key]; ok {
		delete(s.data.Values, key)
		s.dirty = true
	}
}

// validate reports whether the session is usable at now and extends it when
// fewer than threshold remains.
func (d *sessionData) validate(now time.Time, threshold, period time.Duration) (ok, extended bool) {
	if d.ID == "" || d.Issued.IsZero() || !now.Before(d.Expires) {
		return false, false
	}
	maxExpires := d.Issued.Add(MaxSessionLifetime)
	if d.Expires.After(maxExpires) {
		return false, false
	}
	if d.Expires.Sub(now) >= threshold {
		return true, false
	}
	next := now.Add(period).Truncate(time.Second)
	if next.After(maxExpires) {
		next = maxExpires
	}
	if !next.After(d.Expires) {
		return true, false
	}
	d.Expires = next
	return true, true
}

type sessionKey struct{}

// WithSession returns a context carrying sess.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session of the request or connection.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok && sess != nil
}

// SessionProcessor loads the session cookie, or starts a new session, and
// puts the Session in the request context.
type SessionProcessor struct {
	codec     *CookieCodec
	period    time.Duration
	threshold time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// SessionOption configures a SessionProcessor.
type SessionOption func(*SessionProcessor)

// WithSessionPeriod sets the lifetime of new sessions and extensions.
func WithSessionPeriod(d time.Duration) SessionOption {
	return func(p *SessionProcessor) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithExtendThreshold sets how close to expiry a session must be to be extended.
func WithExtendThreshold(d time.Duration) SessionOption {
	return func(p *SessionProcessor) {
		if d > 0 {
			p.threshold = d
		}
	}
}

// WithSessionLogger sets the processor logger.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(p *SessionProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewSessionProcessor creates a session processor storing sessions with codec.
func NewSessionProcessor(codec *CookieCodec, opts ...SessionOption) *SessionProcessor {
	p := &SessionProcessor{
		codec:     codec,
		period:    DefaultSessionPeriod,
		threshold: DefaultExtendThreshold,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.threshold > p.period {
		p.threshold = p.period
	}
	return p
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	now := p.now()
	sess := &Session{}

	if c, err := r.Cookie(p.codec.Name()); err == nil {
		var data sessionData
		if err := p.codec.Decode(c, &data); err != nil {
			p.logger.Debug("session cookie rejected", zap.Error(err))
		} else if ok, extended := data.validate(now, p.threshold, p.period); ok {
			sess.data = data
			sess.dirty = extended
		}
	}
	if sess.data.ID == "" {
		data, err := newSessionData(now, p.period)
		if err != nil {
			return endpoint.Error(http.StatusInternalServerError, "", err)
		}
		sess.data = data
		sess.dirty = true
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.save(w, sess)
	})
	return next(w, r.WithContext(WithSession(r.Context(), sess)))
}

func (p *SessionProcessor) save(w http.ResponseWriter, sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.dirty {
		return
	}
	remaining := sess.data.Expires.Sub(p.now())
	if remaining < time.Second {
		http.SetCookie(w, p.codec.Clear())
		return
	}
	c, err := p.codec.Encode(sess.data, remaining)
	if err != nil {
		p.logger.Error("session cookie not written", zap.Error(err))
		return
	}
	http.SetCookie(w, c)
	sess.dirty = false
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
