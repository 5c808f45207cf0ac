package codec

import (
	"fmt"

	"github.com/shaunagostinho/goobd/internal/obd"
)

const canFrameLen = 8

// ISO 15765-2 protocol control information types.
const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

// encodeISOTP wraps a request in one single frame. OBD requests always fit.
func encodeISOTP(msg []byte, pad byte) ([]byte, error) {
	if len(msg) > canFrameLen-1 {
		return nil, fmt.Errorf("%w: request of %d bytes needs segmentation", obd.ErrInvalidCommand, len(msg))
	}
	frame := make([]byte, canFrameLen)
	frame[0] = byte(len(msg))
	copy(frame[1:], msg)
	for i := 1 + len(msg); i < canFrameLen; i++ {
		frame[i] = pad
	}
	return frame, nil
}

// reassemble walks 8-byte frames. complete is false while more consecutive
// frames are expected.
func reassemble(raw []byte) (msg []byte, complete bool, err error) {
	var (
		total   int
		nextSeq byte
		started bool
	)
	for off := 0; off+canFrameLen <= len(raw); off += canFrameLen {
		f := raw[off : off+canFrameLen]
		switch f[0] >> 4 {
		case pciSingle:
			if started {
				continue
			}
			n := int(f[0] & 0x0F)
			if n == 0 || n > canFrameLen-1 {
				return nil, true, fmt.Errorf("single frame length %d", n)
			}
			return append([]byte(nil), f[1:1+n]...), true, nil
		case pciFirst:
			total = int(f[0]&0x0F)<<8 | int(f[1])
			if total < canFrameLen {
				return nil, true, fmt.Errorf("first frame length %d", total)
			}
			msg = append(msg[:0], f[2:]...)
			nextSeq = 1
			started = true
		case pciConsecutive:
			if !started {
				return nil, true, fmt.Errorf("consecutive frame before first frame")
			}
			if seq := f[0] & 0x0F; seq != nextSeq {
				return nil, true, fmt.Errorf("sequence %d, want %d", seq, nextSeq)
			}
			nextSeq = (nextSeq + 1) & 0x0F
			msg = append(msg, f[1:]...)
			if len(msg) >= total {
				return msg[:total], true, nil
			}
		case pciFlowControl:
			// Sent by the adapter on our behalf; nothing to collect.
		default:
			return nil, true, fmt.Errorf("unknown frame type 0x%X", f[0]>>4)
		}
	}
	return msg, false, nil
}

func decodeISOTP(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%canFrameLen != 0 {
		return nil, &obd.ProtocolError{Reason: fmt.Sprintf("binary reply of %d bytes is not whole CAN frames", len(raw)), Raw: raw}
	}
	msg, complete, err := reassemble(raw)
	if err != nil {
		return nil, &obd.ProtocolError{Reason: "iso-tp: " + err.Error(), Raw: raw}
	}
	if !complete {
		return nil, &obd.ProtocolError{Reason: "iso-tp: incomplete multi-frame message", Raw: raw}
	}
	return msg, nil
}

func isotpComplete(buf []byte) bool {
	_, complete, err := reassemble(buf)
	return complete || err != nil
}
