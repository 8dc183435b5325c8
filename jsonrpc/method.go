package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
)

// Handler is a handler that receives the raw params. It is the non-reflective
// way to bind a method.
type Handler func(ctx context.Context, params Params) (any, error)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// method holds the binding data for a registered handler.
type method struct {
	name string

	// handler is set for methods bound with Namespace.Handle.
	handler Handler

	fn        reflect.Value
	hasCtx    bool
	args      []reflect.Type
	hasResult bool
	hasError  bool

	// Set when the only argument is a struct: its fields can be bound
	// positionally or by their json names.
	structArg   bool
	paramNames  []string
	paramFields []int
	required    map[string]bool
}

// newMethod inspects fn and builds its binding.
//
// Supported signatures:
//
//	func([ctx context.Context,] args...) [R | error | (R, error)]
func newMethod(fn any) (*method, error) {
	if h, ok := fn.(Handler); ok {
		return &method{handler: h}, nil
	}
	if h, ok := fn.(func(context.Context, Params) (any, error)); ok {
		return &method{handler: h}, nil
	}

	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidHandler, fn)
	}
	return newMethodValue(v)
}

func newMethodValue(v reflect.Value) (*method, error) {
	ft := v.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic functions are not supported", ErrInvalidHandler)
	}

	m := &method{fn: v}

	in := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		m.hasCtx = true
		in = 1
	}
	for ; in < ft.NumIn(); in++ {
		if ft.In(in) == contextType {
			return nil, fmt.Errorf("%w: context.Context must be the first argument", ErrInvalidHandler)
		}
		m.args = append(m.args, ft.In(in))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.hasError = true
		} else {
			m.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("%w: second result must be error, got %v", ErrInvalidHandler, ft.Out(1))
		}
		m.hasResult = true
		m.hasError = true
	default:
		return nil, fmt.Errorf("%w: too many results", ErrInvalidHandler)
	}

	if len(m.args) == 1 && m.args[0].Kind() == reflect.Struct {
		m.bindStruct(m.args[0])
	}
	return m, nil
}

// bindStruct records the json names of a struct argument. A `_` field with a
// jsonrpc tag overrides the method name.
func (m *method) bindStruct(t reflect.Type) {
	m.structArg = true
	m.required = map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Name == "_" {
			if tag := field.Tag.Get("jsonrpc"); tag != "" {
				m.name = tag
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		name := field.Name
		omitempty := false
		if jsonTag := field.Tag.Get("json"); jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" || opt == "omitzero" {
					omitempty = true
				}
			}
		}
		m.paramNames = append(m.paramNames, name)
		m.paramFields = append(m.paramFields, i)
		m.required[name] = !omitempty && field.Type.Kind() != reflect.Pointer
	}
}

// panicError is a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprint(e.value)
}

// call binds params and invokes the handler.
func (m *method) call(ctx context.Context, params Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	if m.handler != nil {
		markStarted(ctx)
		return m.handler(ctx, params)
	}

	args, bindErr := m.bind(params)
	if bindErr != nil {
		return nil, bindErr
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if m.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	markStarted(ctx)
	out := m.fn.Call(in)

	switch {
	case m.hasResult && m.hasError:
		result = out[0].Interface()
		if !out[1].IsNil() {
			err = out[1].Interface().(error)
		}
	case m.hasResult:
		result = out[0].Interface()
	case m.hasError:
		if !out[0].IsNil() {
			err = out[0].Interface().(error)
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// bind converts params into argument values.
func (m *method) bind(params Params) ([]reflect.Value, error) {
	if params.IsNamed() {
		return m.bindNamed(params.Named)
	}
	pos := params.Positional

	// A struct argument receives positional params field by field, unless
	// the only param is itself the object.
	if m.structArg && !(len(pos) == 1 && firstByte(pos[0]) == '{') {
		if len(pos) != len(m.paramFields) {
			return nil, NewInvalidParamsError(fmt.Sprintf("expected %d params, got %d", len(m.paramFields), len(pos)))
		}
		arg := reflect.New(m.args[0])
		for i, raw := range pos {
			field := arg.Elem().Field(m.paramFields[i])
			if err := json.Unmarshal(raw, field.Addr().Interface()); err != nil {
				return nil, NewInvalidParamsError(fmt.Sprintf("invalid param %q", m.paramNames[i]))
			}
		}
		return []reflect.Value{arg.Elem()}, nil
	}

	if len(pos) != len(m.args) {
		return nil, NewInvalidParamsError(fmt.Sprintf("expected %d params, got %d", len(m.args), len(pos)))
	}
	values := make([]reflect.Value, len(m.args))
	for i, raw := range pos {
		v := reflect.New(m.args[i])
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("invalid param %d", i))
		}
		values[i] = v.Elem()
	}
	return values, nil
}

func (m *method) bindNamed(named map[string]json.RawMessage) ([]reflect.Value, error) {
	switch {
	case len(m.args) == 0:
		if len(named) != 0 {
			return nil, NewInvalidParamsError("method takes no params")
		}
		return nil, nil
	case m.structArg:
		for name := range named {
			if _, ok := m.required[name]; !ok {
				return nil, NewInvalidParamsError("unexpected param: " + name)
			}
		}
		for _, name := range m.paramNames {
			if _, ok := named[name]; !ok && m.required[name] {
				return nil, NewInvalidParamsError("missing param: " + name)
			}
		}
		raw, err := json.Marshal(named)
		if err != nil {
			return nil, NewInvalidParamsError("invalid params")
		}
		arg := reflect.New(m.args[0])
		if err := json.Unmarshal(raw, arg.Interface()); err != nil {
			return nil, NewInvalidParamsError("invalid params")
		}
		return []reflect.Value{arg.Elem()}, nil
	case len(m.args) == 1 && m.args[0].Kind() == reflect.Map && m.args[0].Key().Kind() == reflect.String:
		raw, err := json.Marshal(named)
		if err != nil {
			return nil, NewInvalidParamsError("invalid params")
		}
		arg := reflect.New(m.args[0])
		if err := json.Unmarshal(raw, arg.Interface()); err != nil {
			return nil, NewInvalidParamsError("invalid params")
		}
		return []reflect.Value{arg.Elem()}, nil
	default:
		return nil, NewInvalidParamsError("method does not accept named params")
	}
}

// funcName returns the declared identifier of fn: the last path element,
// without package, receiver or method value suffix. Anonymous functions
// have no usable name.
func funcName(fn any) (string, bool) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "", false
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "", false
	}
	name := f.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || isAnonymous(name) {
		return "", false
	}
	return name, true
}

func isAnonymous(name string) bool {
	rest, ok := strings.CutPrefix(name, "func")
	if !ok || rest == "" {
		return false
	}
	return len(bytes.TrimLeft([]byte(rest), "0123456789")) == 0
}
