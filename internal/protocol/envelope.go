// Package protocol defines the relaycore envelope and its single-line wire
// codec. One envelope travels per UDP datagram.
package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Categories known to the core. The set is closed at build time; dispatch
// registers handlers for these once at process start.
const (
	CategoryAck      = "ACK"
	CategoryChat     = "CHAT"
	CategoryGame     = "GAME"
	CategoryRequest  = "REQUEST"
	CategoryResponse = "RESPONSE"
)

// Envelope is one protocol message. Treat it as immutable once handed to a
// sender.
//
// An empty ID means fire-and-forget: no ACK is expected and nothing is
// retransmitted. A non-empty ID means the receiver must acknowledge it.
type Envelope struct {
	ID       string
	Category string
	Command  string

	// Params is the application payload. Supported element types are
	// int64, float64 and string; use Params to build it from other kinds.
	Params []any

	// Concealed carries metadata out of band from the payload.
	Concealed []string

	// Sender is the sending user's identity. On the wire it is the last
	// element of the concealed list.
	Sender string
}

// Reliable reports whether the envelope expects an acknowledgement.
func (e Envelope) Reliable() bool {
	return e.ID != ""
}

// WithID returns a copy of the envelope carrying the given id.
func (e Envelope) WithID(id string) Envelope {
	e.ID = id
	return e
}

// NormalizedCategory returns the category trimmed and uppercased.
func (e Envelope) NormalizedCategory() string {
	return NormalizeName(e.Category)
}

// NormalizedCommand returns the command name trimmed and uppercased.
func (e Envelope) NormalizedCommand() string {
	return NormalizeName(e.Command)
}

// NormalizeName strips surrounding whitespace and uppercases a category or
// command name before registry lookup.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// PayloadEqual compares the application-visible parts of two envelopes.
// Concealed parameters and the sender are ignored.
func (e Envelope) PayloadEqual(other Envelope) bool {
	if e.ID != other.ID || e.Category != other.Category || e.Command != other.Command {
		return false
	}
	if len(e.Params) != len(other.Params) {
		return false
	}
	for i := range e.Params {
		if !paramEqual(e.Params[i], other.Params[i]) {
			return false
		}
	}
	return true
}

func paramEqual(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	default:
		return a == nil && b == nil
	}
}

// NewRequest builds a REQUEST envelope for the given command.
func NewRequest(id, command, sender string, params ...any) Envelope {
	return Envelope{
		ID:       id,
		Category: CategoryRequest,
		Command:  command,
		Params:   Params(params...),
		Sender:   sender,
	}
}

// NewAck builds the acknowledgement for a reliable envelope id. ACKs are
// themselves fire-and-forget.
func NewAck(id string) Envelope {
	return Envelope{
		Category: CategoryAck,
		Params:   []any{id},
	}
}

// Params normalizes Go numeric kinds into the representable subset:
// signed and unsigned integers become int64, float32 becomes float64.
// Unsigned values above math.MaxInt64 and values of other types are kept
// as-is and rejected by Encode.
func Params(values ...any) []any {
	if len(values) == 0 {
		return nil
	}
	out := make([]any, len(values))
	for i, v := range values {
		switch n := v.(type) {
		case int:
			out[i] = int64(n)
		case int8:
			out[i] = int64(n)
		case int16:
			out[i] = int64(n)
		case int32:
			out[i] = int64(n)
		case uint8:
			out[i] = int64(n)
		case uint16:
			out[i] = int64(n)
		case uint32:
			out[i] = int64(n)
		case uint:
			if uint64(n) > math.MaxInt64 {
				out[i] = v
			} else {
				out[i] = int64(n)
			}
		case uint64:
			if n > math.MaxInt64 {
				out[i] = v
			} else {
				out[i] = int64(n)
			}
		case float32:
			out[i] = float64(n)
		case bool:
			if n {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		default:
			out[i] = v
		}
	}
	return out
}

// Param returns the i-th parameter, or nil when out of range.
func (e Envelope) Param(i int) any {
	if i < 0 || i >= len(e.Params) {
		return nil
	}
	return e.Params[i]
}

// StringParam returns the i-th parameter rendered as a string. Numbers are
// formatted; a missing parameter yields ok=false.
func (e Envelope) StringParam(i int) (string, bool) {
	switch v := e.Param(i).(type) {
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	default:
		return "", false
	}
}

// FloatParam returns the i-th parameter as a finite float64, parsing
// strings. NaN and infinities are rejected.
func (e Envelope) FloatParam(i int) (float64, error) {
	switch v := e.Param(i).(type) {
	case int64:
		return float64(v), nil
	case float64:
		return finite(i, v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("param %d: %w", i, err)
		}
		return finite(i, f)
	case nil:
		return 0, fmt.Errorf("param %d: missing", i)
	default:
		return 0, fmt.Errorf("param %d: unsupported type %T", i, v)
	}
}

// IntParam returns the i-th parameter as an int64. Whole floats and numeric
// strings are accepted.
func (e Envelope) IntParam(i int) (int64, error) {
	switch v := e.Param(i).(type) {
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("param %d: %v is not a whole number", i, v)
		}
		// -2^63 is exact; 2^63 is the first float past MaxInt64.
		if v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, fmt.Errorf("param %d: %v overflows int64", i, v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("param %d: %w", i, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("param %d: missing", i)
	default:
		return 0, fmt.Errorf("param %d: unsupported type %T", i, v)
	}
}

func finite(i int, f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("param %d: non-finite value %v", i, f)
	}
	return f, nil
}

// String renders the envelope for logs.
func (e Envelope) String() string {
	if e.Command != "" {
		return fmt.Sprintf("%s/%s[id=%q params=%d]", e.Category, e.Command, e.ID, len(e.Params))
	}
	return fmt.Sprintf("%s[id=%q params=%d]", e.Category, e.ID, len(e.Params))
}
