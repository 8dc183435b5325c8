package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Parse decodes one inbound frame.
//
// On success it returns the requests found in the frame; requests that failed
// structural validation are still returned, with Err set, so their error
// responses keep their position in a batch. When the frame as a whole cannot
// be used (malformed JSON, empty batch, not an object or array), Parse
// returns a ready-to-send error response with a null id instead.
func Parse(data []byte) (*Message, *Response) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, errorResponse(nil, Version2, NewParseError(""))
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, errorResponse(nil, Version2, NewParseError(""))
		}
		if len(elems) == 0 {
			return nil, errorResponse(nil, Version2, NewInvalidRequestError("empty batch"))
		}
		msg := &Message{Batch: true, Requests: make([]*Request, 0, len(elems))}
		for _, elem := range elems {
			msg.Requests = append(msg.Requests, parseRequest(elem))
		}
		return msg, nil
	case '{':
		return &Message{Requests: []*Request{parseRequest(trimmed)}}, nil
	default:
		return nil, errorResponse(nil, Version2, NewInvalidRequestError(""))
	}
}

// parseRequest validates a single request object.
func parseRequest(raw json.RawMessage) *Request {
	req := &Request{Version: Version2}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		req.invalid = NewInvalidRequestError("request must be an object")
		return req
	}

	if rawID, ok := fields["id"]; ok {
		id, valid := parseID(rawID)
		if !valid {
			req.invalid = NewInvalidRequestError("id must be a string, number or null")
			return req
		}
		req.ID = id
	}

	req.Version = Version1
	if rawVersion, ok := fields["jsonrpc"]; ok {
		var v string
		if err := json.Unmarshal(rawVersion, &v); err != nil {
			req.invalid = NewInvalidRequestError("jsonrpc must be a string")
			return req
		}
		switch Version(v) {
		case Version1, Version2:
			req.Version = Version(v)
		default:
			req.Version = Version2
			req.invalid = NewInvalidRequestError("unsupported jsonrpc version " + v)
			return req
		}
	}

	rawMethod, ok := fields["method"]
	if !ok {
		req.invalid = NewInvalidRequestError("method required")
		return req
	}
	if err := json.Unmarshal(rawMethod, &req.Method); err != nil {
		req.invalid = NewInvalidRequestError("method must be a string")
		return req
	}

	rawParams, ok := fields["params"]
	if !ok || isNull(rawParams) {
		return req
	}
	switch firstByte(rawParams) {
	case '[':
		if err := json.Unmarshal(rawParams, &req.Params.Positional); err != nil {
			req.invalid = NewInvalidRequestError("malformed params")
			return req
		}
		if req.Params.Positional == nil {
			req.Params.Positional = []json.RawMessage{}
		}
	case '{':
		if req.Version == Version1 {
			req.invalid = NewInvalidRequestError("named params require jsonrpc 2.0")
			return req
		}
		if err := json.Unmarshal(rawParams, &req.Params.Named); err != nil {
			req.invalid = NewInvalidRequestError("malformed params")
			return req
		}
	default:
		req.invalid = NewInvalidParamsError("params must be an array or an object")
	}
	return req
}

// parseID returns the id to echo, nil for null, and whether the id has a
// permitted type.
func parseID(raw json.RawMessage) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, true
	}
	switch c := firstByte(raw); {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return append(json.RawMessage(nil), raw...), true
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func errorResponse(id json.RawMessage, version Version, err *Error) *Response {
	return &Response{ID: id, Version: version, Error: err}
}

// Encode serializes a single response frame.
func Encode(resp *Response) ([]byte, error) {
	return marshal(resp)
}

// EncodeBatch serializes the responses of a batch as one JSON array.
func EncodeBatch(resps []*Response) ([]byte, error) {
	if resps == nil {
		resps = []*Response{}
	}
	return marshal(resps)
}

// marshal encodes v without HTML escaping and without a trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
