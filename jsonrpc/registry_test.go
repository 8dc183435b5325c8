package jsonrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func ping() string { return "pong" }

func echo(s string) string { return s }

func add(ctx context.Context, a, b int) (int, error) { return a + b, nil }

type rooms struct{ joined []string }

type joinParams struct {
	Room string `json:"room"`
	Nick string `json:"nick,omitempty"`
}

func (r *rooms) Join(p joinParams) bool {
	r.joined = append(r.joined, p.Room)
	return true
}

type renameParams struct {
	_    struct{} `jsonrpc:"rename"`
	Name string   `json:"name"`
}

func (r *rooms) Rename(p renameParams) string { return p.Name }

func (r *rooms) Count() int { return len(r.joined) }

// Not exposed: more than two results.
func (r *rooms) Stats() (int, int, error) { return 0, 0, nil }

func (r *rooms) private() {}

func TestExposeUsesFunctionName(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	require.NoError(t, ns.Expose(ping))
	require.NoError(t, ns.Expose(echo))
	require.NoError(t, ns.Expose(add, Name("math.add")))

	assert.Equal(t, []string{"echo", "math.add", "ping"}, ns.Methods())
}

func TestExposeRejectsAnonymousFunctions(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	err := ns.Expose(func() string { return "x" })
	assert.ErrorIs(t, err, ErrInvalidHandler)

	require.NoError(t, ns.Expose(func() string { return "x" }, Name("x")))
	assert.Equal(t, []string{"x"}, ns.Methods())
}

func TestRegisterRejectsUnsupportedSignatures(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	tests := []struct {
		name string
		fn   any
	}{
		{"not a function", 42},
		{"nil", nil},
		{"variadic", func(xs ...int) int { return len(xs) }},
		{"second result not error", func() (int, int) { return 1, 2 }},
		{"three results", func() (int, int, error) { return 1, 2, nil }},
		{"context not first", func(a int, ctx context.Context) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ns.Register("m", tt.fn), ErrInvalidHandler)
		})
	}
	assert.ErrorIs(t, ns.Register("", ping), ErrInvalidHandler)
	assert.ErrorIs(t, ns.Handle("h", nil), ErrInvalidHandler)
}

func TestMustExposePanics(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	assert.Panics(t, func() { ns.MustExpose(42) })
	assert.NotPanics(t, func() { ns.MustExpose(ping) })
}

func TestReRegistrationReplacesAndWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ns := NewRegistry(WithRegistryLogger(zap.New(core))).Namespace("chat")

	require.NoError(t, ns.Register("greet", func() string { return "first" }))
	require.NoError(t, ns.Register("greet", func() string { return "second" }))

	entries := logs.FilterMessage("method re-registered, previous handler replaced").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "greet", entries[0].ContextMap()["method"])

	m, ok := ns.resolve("greet")
	require.True(t, ok)
	got, err := m.call(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestSealedNamespaceRejectsRegistration(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	ns.MustExpose(ping)
	NewDispatcher(ns)

	assert.True(t, ns.Sealed())
	assert.ErrorIs(t, ns.Expose(echo), ErrSealed)
	assert.Equal(t, []string{"ping"}, ns.Methods())
}

func TestPrivateNamesNeverResolve(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	require.NoError(t, ns.Register("_internal", ping))

	_, ok := ns.resolve("_internal")
	assert.False(t, ok)
}

func TestNamespacesAreIsolated(t *testing.T) {
	reg := NewRegistry()
	reg.Namespace("chat").MustExpose(ping)
	reg.Namespace("admin").MustExpose(echo)

	assert.Same(t, reg.Namespace("chat"), reg.Namespace("chat"))
	assert.Equal(t, []string{"admin", "chat"}, reg.Namespaces())

	_, ok := reg.Namespace("admin").resolve("ping")
	assert.False(t, ok)
	_, ok = reg.Namespace("chat").resolve("ping")
	assert.True(t, ok)
}

func TestRegisterReceiver(t *testing.T) {
	ns := NewRegistry().Namespace("chat")
	require.NoError(t, ns.RegisterReceiver("room", &rooms{}))
	assert.Equal(t, []string{"room.Count", "room.Join", "room.rename"}, ns.Methods())

	assert.ErrorIs(t, ns.RegisterReceiver("x", struct{}{}), ErrInvalidHandler)
	assert.ErrorIs(t, ns.RegisterReceiver("x", nil), ErrInvalidHandler)
}

func TestOrderingParse(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Ordering
	}{
		{"", Unordered},
		{"unordered", Unordered},
		{"Slight", Slight},
		{" STRICT ", Strict},
	} {
		got, err := ParseOrdering(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseOrdering("fifo")
	assert.ErrorIs(t, err, ErrUnknownOrdering)

	var o Ordering
	require.NoError(t, o.UnmarshalText([]byte("slight")))
	assert.Equal(t, Slight, o)
	assert.Equal(t, "slight", o.String())
	assert.Equal(t, "ordering", o.Type())
	assert.Equal(t, "Ordering(9)", Ordering(9).String())
}
