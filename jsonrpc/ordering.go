package jsonrpc

import (
	"errors"
	"fmt"
	"strings"
)

// Ordering selects how requests on one connection are scheduled.
type Ordering int

const (
	// Unordered dispatches every frame as soon as it arrives; responses are
	// sent in completion order.
	Unordered Ordering = iota
	// Slight starts handler invocations in arrival order without waiting
	// for them to complete.
	Slight
	// Strict completes each frame, response included, before the next one
	// is dispatched.
	Strict
)

// ErrUnknownOrdering is returned when parsing an unknown ordering name.
var ErrUnknownOrdering = errors.New("jsonrpc: unknown ordering")

var orderingNames = [...]string{
	Unordered: "unordered",
	Slight:    "slight",
	Strict:    "strict",
}

func (o Ordering) String() string {
	if o < 0 || int(o) >= len(orderingNames) {
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
	return orderingNames[o]
}

// ParseOrdering parses "unordered", "slight" or "strict" (case-insensitive).
// The empty string is Unordered.
func ParseOrdering(s string) (Ordering, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Unordered, nil
	}
	for o, name := range orderingNames {
		if s == name {
			return Ordering(o), nil
		}
	}
	return Unordered, fmt.Errorf("%w: %q", ErrUnknownOrdering, s)
}

// Set implements flag.Value.
func (o *Ordering) Set(s string) error {
	v, err := ParseOrdering(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Type names the flag value type.
func (o *Ordering) Type() string {
	return "ordering"
}

// MarshalText implements encoding.TextMarshaler.
func (o Ordering) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Ordering) UnmarshalText(text []byte) error {
	return o.Set(string(text))
}
