package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is wrapped by every DecodeError caused by bad framing.
	ErrMalformed = errors.New("malformed envelope")

	// ErrOversized reports an envelope larger than the datagram limit.
	ErrOversized = errors.New("envelope exceeds datagram size")

	// ErrUnrepresentable reports a value the wire format cannot carry.
	ErrUnrepresentable = errors.New("unrepresentable envelope value")
)

// DecodeError describes why a wire payload could not be turned into an
// Envelope. The transport drops such datagrams and keeps receiving.
type DecodeError struct {
	Reason string
	Size   int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope (%d bytes): %s: %v", e.Size, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(size int, format string, args ...any) *DecodeError {
	return &DecodeError{
		Reason: fmt.Sprintf(format, args...),
		Size:   size,
		Err:    ErrMalformed,
	}
}
