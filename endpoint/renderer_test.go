package endpoint

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, r Renderer, prep func(http.Header)) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	if prep != nil {
		prep(rec.Header())
	}
	require.NoError(t, r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)))
	return rec
}

func TestStringRenderer(t *testing.T) {
	rec := render(t, &StringRenderer{Body: "hello"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hello", rec.Body.String())

	rec = render(t, &StringRenderer{Body: "ok"}, func(h http.Header) { h.Set("Content-Type", "text/custom") })
	assert.Equal(t, "text/custom", rec.Header().Get("Content-Type"))

	rec = render(t, &StringRenderer{Status: http.StatusCreated, Body: "created"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestBytesRenderer(t *testing.T) {
	frame := []byte(`{"jsonrpc":"2.0","result":"pong","id":1}`)
	rec := render(t, &BytesRenderer{Body: frame, ContentType: "application/json"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, frame, rec.Body.Bytes())

	rec = render(t, &BytesRenderer{Status: http.StatusAccepted}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestJSONRenderer(t *testing.T) {
	rec := render(t, &JSONRenderer{Value: map[string]string{"q": "a<b"}}, nil)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\"q\":\"a<b\"}\n", rec.Body.String())

	rec = render(t, &JSONRenderer{Status: http.StatusTeapot, Value: []int{1}}, nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestNoContentRenderer(t *testing.T) {
	rec := render(t, &NoContentRenderer{}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}
