package codec

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Codec is stateless apart from its Profile and safe for concurrent use.
type Codec struct {
	profile Profile
}

func New(p Profile) *Codec {
	return &Codec{profile: p}
}

func (c *Codec) Profile() Profile { return c.profile }

// Encode renders cmd as request bytes. Callers validate cmd first.
func (c *Codec) Encode(cmd obd.Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	msg := requestBytes(cmd)
	if c.profile.Dialect == DialectBinary {
		return encodeISOTP(msg, c.profile.FramePad)
	}
	return c.elmLine(msg), nil
}

// EncodeInit frames one init-sequence entry. A missing terminator is added.
func (c *Codec) EncodeInit(s string) []byte {
	s = strings.TrimRight(s, "\r\n")
	term := c.profile.Terminator
	if term == 0 {
		term = '\r'
	}
	return append([]byte(s), term)
}

// Complete reports whether buf holds a whole response. Transports use it
// to stop reading early.
func (c *Codec) Complete(buf []byte) bool {
	if c.profile.Dialect == DialectBinary {
		return isotpComplete(buf)
	}
	prompt := c.profile.Prompt
	if prompt == 0 {
		prompt = '>'
	}
	return bytes.IndexByte(buf, prompt) >= 0
}

// CheckReply validates an adapter's answer to an init command. A bare "?"
// means the adapter did not understand the command.
func (c *Codec) CheckReply(cmd string, raw []byte) error {
	if c.profile.Dialect == DialectBinary {
		return nil
	}
	for _, line := range c.elmLines(raw) {
		if line == "?" {
			return &obd.ProtocolError{Reason: fmt.Sprintf("adapter rejected %q", cmd), Raw: raw}
		}
	}
	return nil
}

// Decode turns raw transport bytes into a Frame for cmd. expected is the
// payload length to enforce; zero skips the check.
func (c *Codec) Decode(cmd obd.Command, raw []byte, expected int) (obd.Frame, error) {
	var msgs [][]byte
	var err error
	if c.profile.Dialect == DialectBinary {
		var msg []byte
		msg, err = decodeISOTP(raw)
		msgs = [][]byte{msg}
	} else {
		msgs, err = c.elmMessages(cmd, raw)
	}
	if err != nil {
		return obd.Frame{}, err
	}
	return interpret(cmd, msgs, raw, expected)
}

// requestBytes is the service request: mode, PID (if any), extra payload.
func requestBytes(cmd obd.Command) []byte {
	msg := []byte{byte(cmd.Mode)}
	switch cmd.Mode.PIDWidth() {
	case 1:
		msg = append(msg, byte(cmd.PID))
	case 2:
		msg = append(msg, byte(cmd.PID>>8), byte(cmd.PID))
	}
	return append(msg, cmd.Payload...)
}

// interpret matches decoded messages against the request and extracts the
// payload.
func interpret(cmd obd.Command, msgs [][]byte, raw []byte, expected int) (obd.Frame, error) {
	var (
		payload  []byte
		found    bool
		negative *obd.ProtocolError
		mismatch []byte
	)
	width := cmd.Mode.PIDWidth()

	for _, msg := range msgs {
		if len(msg) == 0 {
			continue
		}
		if msg[0] == obd.NegativeResponse {
			if len(msg) >= 3 && msg[1] == byte(cmd.Mode) {
				if msg[2] == 0x78 {
					continue // response pending; the real answer follows
				}
				if negative == nil {
					negative = &obd.ProtocolError{Mode: cmd.Mode, Negative: true, NRC: msg[2], Reason: "negative response", Raw: raw}
				}
			}
			continue
		}
		if msg[0] != cmd.Mode.Response() {
			if mismatch == nil {
				mismatch = msg
			}
			continue
		}

		body := msg[1:]
		if cmd.Mode.ReturnsDTCs() {
			// CAN replies lead with a count byte; legacy buses pad to
			// three codes. Replies from several ECUs are merged.
			if len(body)%2 == 1 {
				body = body[1:]
			}
			payload = append(payload, body...)
			found = true
			continue
		}
		if found {
			// First ECU to answer wins for single-value requests.
			continue
		}
		if len(body) < width {
			return obd.Frame{}, &obd.ProtocolError{Mode: cmd.Mode, Reason: "response too short for pid", Raw: raw}
		}
		var pid uint16
		if width == 1 {
			pid = uint16(body[0])
		} else if width == 2 {
			pid = uint16(body[0])<<8 | uint16(body[1])
		}
		if width > 0 && pid != cmd.PID {
			if mismatch == nil {
				mismatch = msg
			}
			continue
		}
		body = body[width:]
		if cmd.Mode == obd.ModeFreezeFrame && len(body) > 0 {
			body = body[1:] // frame number
		}
		payload = append([]byte(nil), body...)
		found = true
	}

	if !found {
		if negative != nil {
			return obd.Frame{}, negative
		}
		if mismatch != nil {
			return obd.Frame{}, &obd.ProtocolError{
				Mode:   cmd.Mode,
				Reason: fmt.Sprintf("unexpected response %s to %s", obd.FormatHex(mismatch), cmd),
				Raw:    raw,
			}
		}
		return obd.Frame{}, &obd.ProtocolError{Mode: cmd.Mode, Reason: "empty response", Raw: raw}
	}
	if expected > 0 && len(payload) != expected {
		return obd.Frame{}, &obd.DecodeError{Name: cmd.String(), Want: expected, Got: len(payload)}
	}
	return obd.NewFrame(cmd.Mode, cmd.PID, payload, raw), nil
}
