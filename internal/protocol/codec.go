package protocol

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultMaxDatagramSize keeps one envelope inside a typical MTU.
	DefaultMaxDatagramSize = 1400

	fieldSep  = "|"
	listSep   = ","
	listOpen  = '['
	listClose = ']'
	quote     = '"'

	// category, command, id, concealed list, param list
	fieldCount = 5
)

// escaper percent-encodes every character that has a meaning in the frame.
var escaper = strings.NewReplacer(
	"%", "%25",
	"|", "%7C",
	",", "%2C",
	"[", "%5B",
	"]", "%5D",
	`"`, "%22",
	"\r", "%0D",
	"\n", "%0A",
)

// Codec converts envelopes to and from the single-line wire format:
//
//	CATEGORY|COMMAND|ID|["concealed",...,"sender"]|[param,...]
//
// Strings are quoted, integers are bare decimal literals and floats always
// carry a decimal point or exponent.
type Codec struct {
	maxSize int
}

// NewCodec creates a codec enforcing the given datagram size. A size <= 0
// selects DefaultMaxDatagramSize.
func NewCodec(maxSize int) Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxDatagramSize
	}
	return Codec{maxSize: maxSize}
}

// MaxSize returns the datagram limit enforced by the codec.
func (c Codec) MaxSize() int {
	if c.maxSize <= 0 {
		return DefaultMaxDatagramSize
	}
	return c.maxSize
}

// Encode renders an envelope as one wire line.
func Encode(e Envelope) (string, error) {
	return NewCodec(0).Encode(e)
}

// Decode parses one wire line.
func Decode(line string) (Envelope, error) {
	return NewCodec(0).Decode(line)
}

// Encode renders an envelope as one wire line.
func (c Codec) Encode(e Envelope) (string, error) {
	if strings.TrimSpace(e.Category) == "" {
		return "", fmt.Errorf("%w: empty category", ErrUnrepresentable)
	}

	var b strings.Builder
	b.WriteString(escaper.Replace(e.Category))
	b.WriteString(fieldSep)
	b.WriteString(escaper.Replace(e.Command))
	b.WriteString(fieldSep)
	b.WriteString(escaper.Replace(e.ID))
	b.WriteString(fieldSep)

	b.WriteByte(listOpen)
	if len(e.Concealed) > 0 || e.Sender != "" {
		for _, s := range e.Concealed {
			writeQuoted(&b, s)
			b.WriteString(listSep)
		}
		writeQuoted(&b, e.Sender)
	}
	b.WriteByte(listClose)
	b.WriteString(fieldSep)

	b.WriteByte(listOpen)
	for i, p := range e.Params {
		if i > 0 {
			b.WriteString(listSep)
		}
		if err := writeParam(&b, p); err != nil {
			return "", fmt.Errorf("param %d: %w", i, err)
		}
	}
	b.WriteByte(listClose)

	if b.Len() > c.MaxSize() {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrOversized, b.Len(), c.MaxSize())
	}
	return b.String(), nil
}

// Decode parses one wire line. Any failure is returned as a *DecodeError.
func (c Codec) Decode(line string) (Envelope, error) {
	size := len(line)
	if size > c.MaxSize() {
		return Envelope{}, &DecodeError{
			Reason: fmt.Sprintf("limit is %d bytes", c.MaxSize()),
			Size:   size,
			Err:    ErrOversized,
		}
	}

	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, fieldSep)
	if len(fields) != fieldCount {
		return Envelope{}, malformed(size, "expected %d fields, got %d", fieldCount, len(fields))
	}

	var env Envelope
	var err error

	if env.Category, err = unescape(fields[0]); err != nil {
		return Envelope{}, malformed(size, "category: %v", err)
	}
	if strings.TrimSpace(env.Category) == "" {
		return Envelope{}, malformed(size, "empty category")
	}
	if env.Command, err = unescape(fields[1]); err != nil {
		return Envelope{}, malformed(size, "command: %v", err)
	}
	if env.ID, err = unescape(fields[2]); err != nil {
		return Envelope{}, malformed(size, "id: %v", err)
	}

	concealed, err := splitList(fields[3])
	if err != nil {
		return Envelope{}, malformed(size, "concealed list: %v", err)
	}
	if n := len(concealed); n > 0 {
		values := make([]string, n)
		for i, raw := range concealed {
			if values[i], err = decodeString(raw); err != nil {
				return Envelope{}, malformed(size, "concealed %d: %v", i, err)
			}
		}
		env.Sender = values[n-1]
		if n > 1 {
			env.Concealed = values[:n-1]
		}
	}

	params, err := splitList(fields[4])
	if err != nil {
		return Envelope{}, malformed(size, "param list: %v", err)
	}
	if len(params) > 0 {
		env.Params = make([]any, len(params))
		for i, raw := range params {
			if env.Params[i], err = decodeValue(raw); err != nil {
				return Envelope{}, malformed(size, "param %d: %v", i, err)
			}
		}
	}

	return env, nil
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte(quote)
	b.WriteString(escaper.Replace(s))
	b.WriteByte(quote)
}

func writeParam(b *strings.Builder, p any) error {
	switch v := p.(type) {
	case string:
		writeQuoted(b, v)
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite float %v", ErrUnrepresentable, v)
		}
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		b.WriteString(s)
	default:
		return fmt.Errorf("%w: type %T", ErrUnrepresentable, p)
	}
	return nil
}

// splitList strips the brackets from a list field and returns its raw
// elements. An empty list yields nil.
func splitList(field string) ([]string, error) {
	if len(field) < 2 || field[0] != listOpen || field[len(field)-1] != listClose {
		return nil, fmt.Errorf("missing brackets in %q", field)
	}
	inner := field[1 : len(field)-1]
	if strings.ContainsAny(inner, "[]") {
		return nil, fmt.Errorf("mismatched brackets in %q", field)
	}
	if inner == "" {
		return nil, nil
	}
	return strings.Split(inner, listSep), nil
}

func isQuoted(raw string) bool {
	return len(raw) >= 2 && raw[0] == quote && raw[len(raw)-1] == quote
}

func decodeString(raw string) (string, error) {
	if isQuoted(raw) {
		raw = raw[1 : len(raw)-1]
	}
	return unescape(raw)
}

// decodeValue sniffs the element type: quoted means string, otherwise the
// value is tried as an integer, then a finite float, then kept as a string.
func decodeValue(raw string) (any, error) {
	if isQuoted(raw) {
		return unescape(raw[1 : len(raw)-1])
	}
	s, err := unescape(raw)
	if err != nil {
		return nil, err
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f, nil
	}
	return s, nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	return url.PathUnescape(s)
}
