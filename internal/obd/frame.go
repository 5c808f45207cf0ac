package obd

import (
	"encoding/hex"
	"strings"
	"time"
)

// Frame is one decoded positive response. Only the codec builds frames; the
// accessors hand out copies so a Frame never changes after construction.
type Frame struct {
	mode    Mode
	pid     uint16
	payload []byte
	raw     []byte
}

// NewFrame copies payload and raw into a new Frame.
func NewFrame(mode Mode, pid uint16, payload, raw []byte) Frame {
	return Frame{
		mode:    mode,
		pid:     pid,
		payload: append([]byte(nil), payload...),
		raw:     append([]byte(nil), raw...),
	}
}

// Mode is the request mode the frame answers (not the +0x40 response byte).
func (f Frame) Mode() Mode { return f.mode }

func (f Frame) PID() uint16 { return f.pid }

// Payload returns the data bytes following the mode/PID header.
func (f Frame) Payload() []byte { return append([]byte(nil), f.payload...) }

// Raw returns the bytes exactly as read from the transport.
func (f Frame) Raw() []byte { return append([]byte(nil), f.raw...) }

// PayloadLen avoids a copy when only the size matters.
func (f Frame) PayloadLen() int { return len(f.payload) }

// HexPayload renders the payload as spaced upper-case hex ("1A F8").
func (f Frame) HexPayload() string {
	return FormatHex(f.payload)
}

// FormatHex renders bytes as spaced upper-case hex.
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := strings.ToUpper(hex.EncodeToString(b))
	var sb strings.Builder
	sb.Grow(len(s) + len(b))
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}

// Response pairs a decoded frame with the value its PID descriptor produced.
type Response struct {
	Frame Frame
	Name  string
	Unit  string
	// Value is float64 for numeric PIDs, []DTC for code lists, []uint16 for
	// supported-PID bitmaps, string for VIN-style text, or a typed struct.
	Value    any
	Received time.Time
}

// DTCs returns Value as a trouble code list, or nil.
func (r *Response) DTCs() []DTC {
	if r == nil {
		return nil
	}
	codes, _ := r.Value.([]DTC)
	return codes
}

// Number returns Value as a float64 when it is numeric.
func (r *Response) Number() (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Value.(float64)
	return v, ok
}
