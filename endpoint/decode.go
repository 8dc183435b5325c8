package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit caps the byte length of a decoded value unless the field
// has a maxLength tag.
var defaultFieldLimit = 16 * 1024

// sources in precedence order: the first source with a value wins.
var sources = []string{"path", "query", "header", "cookie"}

// Unmarshal populates the struct pointed to by dst from the request.
//
// Fields are bound with tags:
//
//	Ordering string `query:"ordering"`
//	Token    string `header:"Authorization"`
//	Session  string `cookie:"session" maxLength:"4096"`
//
// An empty tag name means the lowercased field name; "-" skips the source.
// Supported field types are strings, booleans, numbers, types implementing
// encoding.TextUnmarshaler, pointers to these and slices of these. Fields
// without a value in the request are left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	t := root.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", err)
		}
		for _, source := range sources {
			tag, ok := sf.Tag.Lookup(source)
			if !ok || tag == "-" {
				continue
			}
			name := strings.TrimSpace(tag)
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			values := lookup(r, source, name)
			if len(values) == 0 {
				continue
			}
			for _, s := range values {
				if limit > 0 && len(s) > limit {
					return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q exceeds %d bytes", source, name, limit))
				}
			}
			if err := setField(root.Field(i), values); err != nil {
				return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q: %w", source, name, err))
			}
			break
		}
	}
	return nil
}

func lookup(r *http.Request, source, name string) []string {
	switch source {
	case "path":
		if s := r.PathValue(name); s != "" {
			return []string{s}
		}
	case "query":
		if r.URL != nil {
			return r.URL.Query()[name]
		}
	case "header":
		return r.Header.Values(name)
	case "cookie":
		var out []string
		for _, c := range r.Cookies() {
			if c.Name == name {
				out = append(out, c.Value)
			}
		}
		return out
	}
	return nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	val, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: field %s: invalid maxLength %q", sf.Name, val)
	}
	return n, nil
}

func setField(v reflect.Value, values []string) error {
	if v.Kind() == reflect.Slice && !isTextUnmarshaler(v) {
		out := reflect.MakeSlice(v.Type(), len(values), len(values))
		for i, s := range values {
			if err := setScalar(out.Index(i), s); err != nil {
				return err
			}
		}
		v.Set(out)
		return nil
	}
	return setScalar(v, values[0])
}

func isTextUnmarshaler(v reflect.Value) bool {
	return reflect.PointerTo(v.Type()).Implements(textUnmarshalerType)
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func setScalar(v reflect.Value, s string) error {
	if v.Kind() == reflect.Pointer {
		p := reflect.New(v.Type().Elem())
		if err := setScalar(p.Elem(), s); err != nil {
			return err
		}
		v.Set(p)
		return nil
	}
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(s))
		}
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
