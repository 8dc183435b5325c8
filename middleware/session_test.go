package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/onerpc/endpoint"
)

type sessionView struct {
	ID      string
	Subject string
	Visits  int
}

func newTestProcessor(t *testing.T, opts ...SessionOption) *SessionProcessor {
	t.Helper()
	codec, err := NewCookieCodec(DefaultSessionCookie, testSealer(t), WithSecure(false))
	require.NoError(t, err)
	return NewSessionProcessor(codec, opts...)
}

// sessionHandler counts visits in the session and reports its state.
func sessionHandler(p *SessionProcessor) http.Handler {
	return endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			return nil, endpoint.Error(http.StatusInternalServerError, "no session", nil)
		}
		var visits int
		_ = sess.Get("visits", &visits)
		if r.URL.Query().Get("count") != "" {
			visits++
			if err := sess.Set("visits", visits); err != nil {
				return nil, err
			}
		}
		if sub := r.URL.Query().Get("bind"); sub != "" {
			if err := sess.Bind(sub); err != nil {
				return nil, err
			}
		}
		subject, _ := sess.Subject()
		return &endpoint.JSONRenderer{Value: sessionView{ID: sess.ID(), Subject: subject, Visits: visits}}, nil
	}, p)
}

func visit(t *testing.T, h http.Handler, target string, cookies ...*http.Cookie) (sessionView, *http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	var set *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultSessionCookie {
			set = c
		}
	}
	return view, set
}

func TestSessionStartsAndPersists(t *testing.T) {
	h := sessionHandler(newTestProcessor(t))

	first, cookie := visit(t, h, "/?count=1")
	require.NotNil(t, cookie)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Visits)

	second, next := visit(t, h, "/?count=1", cookie)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Visits)
	require.NotNil(t, next)

	// Unchanged sessions are not rewritten.
	third, none := visit(t, h, "/", next)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 2, third.Visits)
	assert.Nil(t, none)
}

func TestSessionRejectsTamperedCookie(t *testing.T) {
	h := sessionHandler(newTestProcessor(t))
	first, cookie := visit(t, h, "/")

	bad := *cookie
	bad.Value = bad.Value[:len(bad.Value)-2] + "AA"
	second, replaced := visit(t, h, "/", &bad)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotNil(t, replaced)
}

func TestSessionBindRotatesID(t *testing.T) {
	h := sessionHandler(newTestProcessor(t))
	anon, cookie := visit(t, h, "/")

	bound, cookie := visit(t, h, "/?bind=alice", cookie)
	assert.Equal(t, anon.ID, bound.ID)
	assert.Equal(t, "alice", bound.Subject)

	again, unchanged := visit(t, h, "/?bind=alice", cookie)
	assert.Nil(t, unchanged)
	assert.Equal(t, bound.ID, again.ID)

	other, _ := visit(t, h, "/?bind=bob", cookie)
	assert.NotEqual(t, bound.ID, other.ID)
	assert.Equal(t, "bob", other.Subject)
}

func TestSessionExpiryAndExtension(t *testing.T) {
	p := newTestProcessor(t, WithSessionPeriod(time.Hour), WithExtendThreshold(10*time.Minute))
	start := time.Now()
	p.now = func() time.Time { return start }
	h := sessionHandler(p)

	first, cookie := visit(t, h, "/")

	// Within the threshold: extended, same id.
	p.now = func() time.Time { return start.Add(55 * time.Minute) }
	second, extended := visit(t, h, "/", cookie)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, extended)

	// Past expiry: a new session.
	p.now = func() time.Time { return start.Add(3 * time.Hour) }
	third, _ := visit(t, h, "/", extended)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestSessionDataValidate(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	d := sessionData{ID: "x", Issued: now.Add(-MaxSessionLifetime + time.Minute), Expires: now.Add(time.Minute)}

	ok, extended := d.validate(now, time.Hour, 24*time.Hour)
	assert.True(t, ok)
	assert.False(t, extended, "cannot extend past the maximum lifetime")

	d = sessionData{ID: "x", Issued: now.Add(-time.Hour), Expires: now}
	ok, _ = d.validate(now, time.Hour, time.Hour)
	assert.False(t, ok)

	d = sessionData{ID: "x", Issued: now, Expires: now.Add(MaxSessionLifetime + time.Hour)}
	ok, _ = d.validate(now, time.Hour, time.Hour)
	assert.False(t, ok)
}

func TestSessionValues(t *testing.T) {
	s := &Session{}
	assert.ErrorIs(t, s.Get("missing", new(int)), ErrNoValue)

	require.NoError(t, s.Set("rooms", []string{"a", "b"}))
	var rooms []string
	require.NoError(t, s.Get("rooms", &rooms))
	assert.Equal(t, []string{"a", "b"}, rooms)

	s.Delete("rooms")
	assert.ErrorIs(t, s.Get("rooms", &rooms), ErrNoValue)
}
