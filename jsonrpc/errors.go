package jsonrpc

import (
	"errors"
	"fmt"
)

// Standard error codes. These are wire constants.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeApplicationError = -32000
)

var (
	// ErrSealed is returned when registering into a namespace that is already serving.
	ErrSealed = errors.New("jsonrpc: namespace is sealed")
	// ErrInvalidHandler is returned when a handler has an unsupported signature.
	ErrInvalidHandler = errors.New("jsonrpc: invalid handler")
	// ErrClosed is returned by Controller.Accept after Close.
	ErrClosed = errors.New("jsonrpc: controller closed")
)

var standardMessages = map[int]string{
	CodeParseError:       "Parse error",
	CodeInvalidRequest:   "Invalid Request",
	CodeMethodNotFound:   "Method not found",
	CodeInvalidParams:    "Invalid params",
	CodeInternalError:    "Internal error",
	CodeApplicationError: "Application error",
}

// Error is a JSON-RPC error object. It also implements error so handlers can
// return it to choose the code and data sent to the client.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "jsonrpc: error: <nil>"
	}
	if e.Message == "" {
		if msg, ok := standardMessages[e.Code]; ok {
			return msg
		}
		return fmt.Sprintf("jsonrpc: error %d", e.Code)
	}
	return e.Message
}

// NewError creates an Error with the given code. An empty message is
// replaced by the standard message for the code, if there is one.
func NewError(code int, message string) *Error {
	if message == "" {
		message = standardMessages[code]
	}
	return &Error{Code: code, Message: message}
}

// NewErrorWithData creates an Error carrying structured data. Data is only
// sent to 2.0 clients.
func NewErrorWithData(code int, message string, data any) *Error {
	e := NewError(code, message)
	e.Data = data
	return e
}

func NewParseError(message string) *Error { return NewError(CodeParseError, message) }

func NewInvalidRequestError(message string) *Error { return NewError(CodeInvalidRequest, message) }

func NewMethodNotFoundError(message string) *Error { return NewError(CodeMethodNotFound, message) }

func NewInvalidParamsError(message string) *Error { return NewError(CodeInvalidParams, message) }

func NewInternalError(message string) *Error { return NewError(CodeInternalError, message) }

// CodedError lets a handler error choose its wire code without being an *Error.
type CodedError interface {
	error
	ErrorCode() int
}

// DataError lets a handler error attach structured data to the response.
type DataError interface {
	error
	ErrorData() any
}

// toError converts a handler failure to a wire error.
//
// *Error values are used as-is. Other errors become application errors
// (-32000) whose data is the failure's arguments, unless the error chain
// provides ErrorCode or ErrorData.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	e := &Error{
		Code:    CodeApplicationError,
		Message: err.Error(),
		Data:    []any{err.Error()},
	}
	var coded CodedError
	if errors.As(err, &coded) {
		e.Code = coded.ErrorCode()
	}
	var withData DataError
	if errors.As(err, &withData) {
		e.Data = withData.ErrorData()
	}
	return e
}
