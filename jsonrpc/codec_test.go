package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"malformed", `{"id":1,`, `{"id":null,"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"}}`},
		{"empty", ``, `{"id":null,"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"}}`},
		{"empty batch", `[]`, `{"id":null,"jsonrpc":"2.0","error":{"code":-32600,"message":"empty batch"}}`},
		{"scalar", `42`, `{"id":null,"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, resp := Parse([]byte(tt.frame))
			assert.Nil(t, msg)
			require.NotNil(t, resp)
			out, err := Encode(resp)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		code     int
		version  Version
		notify   bool
		id       string
		method   string
		named    bool
		paramLen int
	}{
		{name: "v2 positional", frame: `{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]}`, version: Version2, id: "1", method: "add", paramLen: 2},
		{name: "v2 named", frame: `{"jsonrpc":"2.0","id":"a","method":"ping","params":{}}`, version: Version2, id: `"a"`, method: "ping", named: true},
		{name: "v1", frame: `{"id":7,"method":"echo","params":["x"]}`, version: Version1, id: "7", method: "echo", paramLen: 1},
		{name: "notification", frame: `{"jsonrpc":"2.0","method":"tick"}`, version: Version2, notify: true, method: "tick"},
		{name: "null id", frame: `{"jsonrpc":"2.0","id":null,"method":"tick"}`, version: Version2, notify: true, method: "tick"},
		{name: "null params", frame: `{"jsonrpc":"2.0","id":1,"method":"ping","params":null}`, version: Version2, id: "1", method: "ping"},
		{name: "missing method", frame: `{"jsonrpc":"2.0","id":1}`, code: CodeInvalidRequest, version: Version2, id: "1"},
		{name: "method not string", frame: `{"jsonrpc":"2.0","id":1,"method":3}`, code: CodeInvalidRequest, version: Version2, id: "1"},
		{name: "object id", frame: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, code: CodeInvalidRequest, version: Version2, notify: true},
		{name: "unknown version", frame: `{"jsonrpc":"3.0","id":1,"method":"ping"}`, code: CodeInvalidRequest, version: Version2, id: "1"},
		{name: "v1 named params", frame: `{"id":1,"method":"ping","params":{"a":1}}`, code: CodeInvalidRequest, version: Version1, id: "1", method: "ping"},
		{name: "scalar params", frame: `{"jsonrpc":"2.0","id":1,"method":"ping","params":5}`, code: CodeInvalidParams, version: Version2, id: "1", method: "ping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, resp := Parse([]byte(tt.frame))
			require.Nil(t, resp)
			require.False(t, msg.Batch)
			require.Len(t, msg.Requests, 1)
			req := msg.Requests[0]

			if tt.code != 0 {
				require.NotNil(t, req.Err())
				assert.Equal(t, tt.code, req.Err().Code)
			} else {
				assert.Nil(t, req.Err())
			}
			assert.Equal(t, tt.version, req.Version)
			assert.Equal(t, tt.notify, req.IsNotification())
			if tt.id != "" {
				assert.Equal(t, tt.id, string(req.ID))
			}
			assert.Equal(t, tt.method, req.Method)
			if tt.code == 0 {
				assert.Equal(t, tt.named, req.Params.IsNamed())
				assert.Equal(t, tt.paramLen, req.Params.Len())
			}
		})
	}
}

func TestParseBatchKeepsInvalidElements(t *testing.T) {
	msg, resp := Parse([]byte(`[{"jsonrpc":"2.0","id":1,"method":"a"}, 5, {"jsonrpc":"2.0","method":"b"}]`))
	require.Nil(t, resp)
	require.True(t, msg.Batch)
	require.Len(t, msg.Requests, 3)
	assert.Nil(t, msg.Requests[0].Err())
	require.NotNil(t, msg.Requests[1].Err())
	assert.Equal(t, CodeInvalidRequest, msg.Requests[1].Err().Code)
	assert.True(t, msg.Requests[2].IsNotification())
}

func TestEncodeResponse(t *testing.T) {
	out, err := Encode(&Response{ID: json.RawMessage("1"), Version: Version2, Result: "pong"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"jsonrpc":"2.0","result":"pong"}`, string(out))

	out, err = Encode(&Response{ID: json.RawMessage("1"), Version: Version2, Result: nil})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"jsonrpc":"2.0","result":null}`, string(out))

	out, err = Encode(&Response{Version: Version2, Result: "<&>"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":null,"jsonrpc":"2.0","result":"<&>"}`, string(out))
}

func TestEncodeDropsErrorDataForVersion1(t *testing.T) {
	e := NewErrorWithData(CodeApplicationError, "boom", []any{"boom"})

	out, err := Encode(&Response{ID: json.RawMessage(`"x"`), Version: Version1, Error: e})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x","jsonrpc":"1.0","error":{"code":-32000,"message":"boom"}}`, string(out))

	out, err = Encode(&Response{ID: json.RawMessage(`"x"`), Version: Version2, Error: e})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x","jsonrpc":"2.0","error":{"code":-32000,"message":"boom","data":["boom"]}}`, string(out))
}

func TestEncodeBatch(t *testing.T) {
	out, err := EncodeBatch([]*Response{
		{ID: json.RawMessage("1"), Version: Version2, Result: 3},
		{ID: json.RawMessage("2"), Version: Version2, Error: NewMethodNotFoundError("")},
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1,"jsonrpc":"2.0","result":3},{"id":2,"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"}}]`, string(out))
}

func TestResponseUnmarshal(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"jsonrpc":"2.0","result":{"a":1}}`), &resp))
	assert.Equal(t, "3", string(resp.ID))
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"a":1}`, string(resp.Result.(json.RawMessage)))

	require.NoError(t, json.Unmarshal([]byte(`{"id":null,"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"}}`), &resp))
	assert.Nil(t, resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"id":1,"result":1}`), &resp), errNoVersion)
}

func TestRequestMarshal(t *testing.T) {
	req := &Request{ID: json.RawMessage("1"), Version: Version1, Method: "echo", Params: Params{Positional: []json.RawMessage{json.RawMessage(`"x"`)}}}
	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"echo","params":["x"]}`, string(out))

	req = &Request{Version: Version2, Method: "tick"}
	out, err = json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"tick","params":[]}`, string(out))
}

func TestMakeParams(t *testing.T) {
	p, err := MakeParams(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())

	p, err = MakeParams([]any{1, "a"})
	require.NoError(t, err)
	assert.False(t, p.IsNamed())
	assert.Equal(t, []json.RawMessage{json.RawMessage("1"), json.RawMessage(`"a"`)}, p.Positional)

	p, err = MakeParams(struct {
		Name string `json:"name"`
	}{"x"})
	require.NoError(t, err)
	assert.True(t, p.IsNamed())
	assert.JSONEq(t, `"x"`, string(p.Named["name"]))

	_, err = MakeParams(42)
	assert.ErrorIs(t, err, ErrParamsShape)
}
