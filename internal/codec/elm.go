package codec

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Adapter status lines. NO DATA means the vehicle did not answer, the
// others mean the adapter or bus is in trouble.
var (
	noDataReplies = []string{"NO DATA"}
	faultReplies  = []string{
		"?", "ERROR", "UNABLE TO CONNECT", "CAN ERROR", "BUS ERROR", "BUS BUSY",
		"BUS INIT: ...ERROR", "BUFFER FULL", "DATA ERROR", "FB ERROR",
		"<RX ERROR", "<DATA ERROR", "STOPPED", "LV RESET", "ACT ALERT",
	}
	noiseReplies = []string{"SEARCHING...", "BUS INIT: ...", "BUS INIT: ...OK", "OK"}
)

func (c *Codec) elmLine(msg []byte) []byte {
	var sb strings.Builder
	for i, b := range msg {
		if i > 0 && c.profile.Spaces {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{b})))
	}
	term := c.profile.Terminator
	if term == 0 {
		term = '\r'
	}
	sb.WriteByte(term)
	return []byte(sb.String())
}

// elmLines splits a reply into trimmed non-empty lines with the prompt
// removed.
func (c *Codec) elmLines(raw []byte) []string {
	prompt := c.profile.Prompt
	if prompt == 0 {
		prompt = '>'
	}
	text := strings.ReplaceAll(string(raw), string(prompt), "")
	text = strings.ReplaceAll(text, "\x00", "")
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			lines = append(lines, f)
		}
	}
	return lines
}

func compactHex(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

func isSegmentLine(compact string) bool {
	return len(compact) >= 2 && compact[1] == ':' && isHexDigit(compact[0])
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

// elmMessages converts reply text into service messages. Echo, bus noise
// and segment numbering are removed; status lines become errors.
func (c *Codec) elmMessages(cmd obd.Command, raw []byte) ([][]byte, error) {
	lines := c.elmLines(raw)
	echo := compactHex(strings.TrimRight(string(c.elmLine(requestBytes(cmd))), "\r\n"))

	var (
		msgs      [][]byte
		segment   []byte
		segLen    = -1
		inSegment bool
	)
	flush := func() {
		if !inSegment {
			return
		}
		if segLen >= 0 && len(segment) > segLen {
			segment = segment[:segLen]
		}
		msgs = append(msgs, segment)
		segment, segLen, inSegment = nil, -1, false
	}

	for i, line := range lines {
		upper := strings.ToUpper(line)
		if containsAny(upper, noDataReplies) {
			return nil, &obd.ProtocolError{Mode: cmd.Mode, Negative: true, Reason: "no data", Raw: raw}
		}
		if containsAny(upper, faultReplies) {
			return nil, &obd.ProtocolError{Mode: cmd.Mode, Reason: "adapter reported " + line, Raw: raw}
		}
		if containsAny(upper, noiseReplies) {
			continue
		}

		compact := compactHex(line)
		if compact == echo {
			continue
		}
		if isSegmentLine(compact) {
			data, err := hex.DecodeString(compact[2:])
			if err != nil {
				return nil, &obd.ProtocolError{Mode: cmd.Mode, Reason: "malformed segment " + strconv.Quote(line), Raw: raw}
			}
			segment = append(segment, data...)
			inSegment = true
			continue
		}
		// A short line followed by "0:" is the total byte count.
		if len(compact) <= 3 && i+1 < len(lines) && isSegmentLine(compactHex(lines[i+1])) {
			flush()
			n, err := strconv.ParseUint(compact, 16, 16)
			if err != nil {
				return nil, &obd.ProtocolError{Mode: cmd.Mode, Reason: "malformed length " + strconv.Quote(line), Raw: raw}
			}
			segLen = int(n)
			continue
		}

		flush()
		data, err := hex.DecodeString(compact)
		if err != nil {
			return nil, &obd.ProtocolError{Mode: cmd.Mode, Reason: "malformed line " + strconv.Quote(line), Raw: raw}
		}
		msgs = append(msgs, data)
	}
	flush()
	return msgs, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if s == sub || (len(sub) > 2 && strings.Contains(s, sub)) {
			return true
		}
	}
	return false
}
