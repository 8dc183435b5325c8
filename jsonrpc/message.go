package jsonrpc

import (
	"encoding/json"
	"errors"
)

// Version is the protocol version of a request and its response.
type Version string

const (
	Version1 Version = "1.0"
	Version2 Version = "2.0"
)

// Params holds request parameters: either positional or named.
// Named params are only accepted from 2.0 requests.
type Params struct {
	Positional []json.RawMessage
	Named      map[string]json.RawMessage
}

// IsNamed reports whether the params were sent as a JSON object.
func (p Params) IsNamed() bool {
	return p.Named != nil
}

// Len returns the number of parameters.
func (p Params) Len() int {
	if p.Named != nil {
		return len(p.Named)
	}
	return len(p.Positional)
}

// ErrParamsShape is returned by MakeParams for values that are neither an
// array nor an object.
var ErrParamsShape = errors.New("jsonrpc: params must be an array or an object")

// MakeParams encodes v as request params. A nil v means no params; slices
// become positional params, structs and maps named params.
func MakeParams(v any) (Params, error) {
	if v == nil {
		return Params{}, nil
	}
	if p, ok := v.(Params); ok {
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Params{}, err
	}
	var p Params
	switch firstByte(raw) {
	case '[':
		err = json.Unmarshal(raw, &p.Positional)
	case '{':
		err = json.Unmarshal(raw, &p.Named)
	case 'n':
		return Params{}, nil
	default:
		return Params{}, ErrParamsShape
	}
	return p, err
}

// MarshalJSON encodes the params back to their wire form.
func (p Params) MarshalJSON() ([]byte, error) {
	if p.Named != nil {
		return json.Marshal(p.Named)
	}
	if p.Positional == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Positional)
}

// Request is a decoded JSON-RPC request.
type Request struct {
	// ID is the raw request id, nil for notifications.
	ID      json.RawMessage
	Version Version
	Method  string
	Params  Params

	// invalid is set by Parse when the request failed structural validation.
	invalid *Error
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Err returns the validation error found while parsing, if any.
func (r *Request) Err() *Error {
	return r.invalid
}

// MarshalJSON encodes the request; the jsonrpc member is omitted for 1.0.
func (r *Request) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID      json.RawMessage `json:"id,omitempty"`
		JSONRPC Version         `json:"jsonrpc,omitempty"`
		Method  string          `json:"method"`
		Params  Params          `json:"params"`
	}
	w := wire{ID: r.ID, Method: r.Method, Params: r.Params}
	if r.Version == Version2 {
		w.JSONRPC = Version2
	}
	return json.Marshal(w)
}

// Response is a JSON-RPC response. Exactly one of Result and Error is meaningful:
// a nil Error means success.
type Response struct {
	ID      json.RawMessage
	Version Version
	Result  any
	Error   *Error
}

// Message is the result of parsing one frame.
type Message struct {
	Batch    bool
	Requests []*Request
}

var errNoVersion = errors.New("jsonrpc: response without version")

// MarshalJSON encodes the response in id, jsonrpc, result|error order.
// Error data is dropped for 1.0 responses.
func (r *Response) MarshalJSON() ([]byte, error) {
	version := r.Version
	if version == "" {
		version = Version2
	}
	id := r.ID
	if id == nil {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		e := r.Error
		if version == Version1 && e.Data != nil {
			e = &Error{Code: e.Code, Message: e.Message}
		}
		return marshal(struct {
			ID      json.RawMessage `json:"id"`
			JSONRPC Version         `json:"jsonrpc"`
			Error   *Error          `json:"error"`
		}{id, version, e})
	}
	return marshal(struct {
		ID      json.RawMessage `json:"id"`
		JSONRPC Version         `json:"jsonrpc"`
		Result  any             `json:"result"`
	}{id, version, r.Result})
}

// UnmarshalJSON decodes a response. The result is kept as json.RawMessage.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w struct {
		ID      json.RawMessage `json:"id"`
		JSONRPC Version         `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.JSONRPC == "" {
		return errNoVersion
	}
	r.ID = nil
	if len(w.ID) > 0 && string(w.ID) != "null" {
		r.ID = w.ID
	}
	r.Version = w.JSONRPC
	r.Error = w.Error
	r.Result = nil
	if w.Error == nil {
		r.Result = w.Result
	}
	return nil
}
