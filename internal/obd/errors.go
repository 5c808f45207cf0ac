package obd

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotReady             = errors.New("connection not ready")
	ErrDuplicateConnection  = errors.New("duplicate connection")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrUnsupportedPID       = errors.New("unsupported pid")
	ErrTimeout              = errors.New("timeout")
	ErrTransportClosed      = errors.New("transport closed")
	ErrInvalidCommand       = errors.New("invalid command")
	ErrIllegalTransition    = errors.New("illegal state transition")
	ErrProtocol             = errors.New("protocol error")
	ErrDecode               = errors.New("decode error")
	ErrTransport            = errors.New("transport error")
)

// TransportError is a physical-layer failure. Op is "open", "write", "read"
// or "close".
type TransportError struct {
	Kind string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s transport %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError is a malformed or unexpected response. Negative is set when
// the ECU (or the adapter, for "NO DATA") refused the request rather than
// the framing being broken.
type ProtocolError struct {
	Mode     Mode
	Reason   string
	Negative bool
	NRC      byte
	Raw      []byte
}

func (e *ProtocolError) Error() string {
	if e.Negative && e.NRC != 0 {
		return fmt.Sprintf("negative response to %s: NRC 0x%02X (%s)", e.Mode, e.NRC, nrcText(e.NRC))
	}
	if len(e.Raw) > 0 {
		return fmt.Sprintf("protocol: %s (raw %q)", e.Reason, e.Raw)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TimeoutError means no complete response arrived within After.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout lets net.Error style checks see this as a timeout.
func (e *TimeoutError) Timeout() bool { return true }

// UnsupportedPIDError is returned when neither the vehicle profile nor the
// generic table knows the (mode, pid) pair.
type UnsupportedPIDError struct {
	Mode    Mode
	PID     uint16
	Profile string
}

func (e *UnsupportedPIDError) Error() string {
	if e.Profile != "" {
		return fmt.Sprintf("unsupported pid %s (profile %s)", FormatRef(e.Mode, e.PID), e.Profile)
	}
	return "unsupported pid " + FormatRef(e.Mode, e.PID)
}

func (e *UnsupportedPIDError) Is(target error) bool { return target == ErrUnsupportedPID }

// DecodeError reports a payload that does not match its descriptor.
type DecodeError struct {
	Name string
	Want int
	Got  int
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("decode %s: need %d bytes, got %d", e.Name, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

var nrcNames = map[byte]string{
	0x10: "general reject",
	0x11: "service not supported",
	0x12: "sub-function not supported",
	0x13: "incorrect message length",
	0x21: "busy, repeat request",
	0x22: "conditions not correct",
	0x31: "request out of range",
	0x33: "security access denied",
	0x78: "response pending",
}

func nrcText(code byte) string {
	if s, ok := nrcNames[code]; ok {
		return s
	}
	return "unknown"
}

// Class groups errors by what the caller should do next.
type Class int

const (
	ClassNone Class = iota
	// ClassTransient: ask again later.
	ClassTransient
	// ClassUnanswerable: this PID or vehicle cannot answer.
	ClassUnanswerable
	// ClassDead: the connection must be reopened.
	ClassDead
	// ClassInvalid: the request itself was wrong.
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassUnanswerable:
		return "unanswerable"
	case ClassDead:
		return "dead"
	case ClassInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps err onto a Class. Anything unrecognised, including
// cancellation and transport failures, is treated as a dead connection.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var perr *ProtocolError
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNotReady):
		return ClassTransient
	case errors.Is(err, ErrUnsupportedPID), errors.Is(err, ErrDecode):
		return ClassUnanswerable
	case errors.As(err, &perr):
		if perr.Negative {
			return ClassUnanswerable
		}
		return ClassDead
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrDuplicateConnection),
		errors.Is(err, ErrUnknownConnection), errors.Is(err, ErrUnsupportedTransport):
		return ClassInvalid
	default:
		return ClassDead
	}
}

// IsNegative reports whether err is a refusal from the vehicle rather than
// a framing or transport failure.
func IsNegative(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Negative
}
