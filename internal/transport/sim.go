package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Sim emulates an ELM327 wired to a running engine. It backs demo mode and
// the tests of every layer above transport.
type Sim struct {
	opts Options
	log  *zap.Logger
	in   *inbox

	mu        sync.Mutex
	open      bool
	echo      bool
	spaces    bool
	pending   string
	gen       int
	writes    int
	overrides map[string]string
	silent    bool
	latency   time.Duration
	openErr   error
	dtcs      []obd.DTC
	vin       string
	engine    *engine
	initEcho  bool
}

type SimOption func(*Sim)

// WithResponse answers request (compact hex or AT command, no terminator)
// with reply verbatim. reply should end with the prompt.
func WithResponse(request, reply string) SimOption {
	return func(s *Sim) {
		s.overrides[strings.ToUpper(strings.ReplaceAll(request, " ", ""))] = reply
	}
}

// WithSilence makes the adapter swallow every request.
func WithSilence() SimOption {
	return func(s *Sim) { s.silent = true }
}

// WithEcho sets the power-on echo state. Real adapters start with echo on.
func WithEcho(on bool) SimOption {
	return func(s *Sim) { s.initEcho = on }
}

// WithLatency delays every reply.
func WithLatency(d time.Duration) SimOption {
	return func(s *Sim) { s.latency = d }
}

// WithOpenError makes Open fail.
func WithOpenError(err error) SimOption {
	return func(s *Sim) { s.openErr = err }
}

// WithDTCs sets the stored trouble codes ("P0301").
func WithDTCs(codes ...string) SimOption {
	return func(s *Sim) {
		for _, c := range codes {
			if d, err := obd.ParseDTC(c); err == nil {
				s.dtcs = append(s.dtcs, d)
			}
		}
	}
}

func WithVIN(vin string) SimOption {
	return func(s *Sim) { s.vin = vin }
}

func NewSim(opts Options, simOpts ...SimOption) *Sim {
	s := &Sim{
		opts:      opts,
		log:       opts.logger().Named("sim"),
		in:        newInbox(),
		overrides: make(map[string]string),
		vin:       "1GOOBD5IMULATED42",
		engine:    newEngine(),
		initEcho:  true,
	}
	for _, o := range simOpts {
		o(s)
	}
	return s
}

// SimConstructor registers the simulator in place of real hardware.
func SimConstructor(simOpts ...SimOption) Constructor {
	return func(address string, opts Options) (Transport, error) {
		opts.Logger = opts.logger().With(zap.String("address", address))
		return NewSim(opts, simOpts...), nil
	}
}

func (s *Sim) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return opErr(KindSerial, "open", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return opErr(KindSerial, "open", s.openErr)
	}
	s.open = true
	s.echo = s.initEcho
	s.spaces = true
	s.pending = ""
	s.in.reopen()
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.gen++
	s.in.close()
	return nil
}

func (s *Sim) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Writes counts Write calls since construction.
func (s *Sim) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Sim) Write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return closedErr(KindSerial, "write")
	}
	s.writes++
	s.gen++
	s.in.discard()
	s.pending += string(p)
	for {
		i := strings.IndexAny(s.pending, "\r\n")
		if i < 0 {
			break
		}
		line := s.pending[:i]
		s.pending = s.pending[i+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		reply := s.respond(line)
		if s.silent {
			continue
		}
		s.deliver(reply)
	}
	return nil
}

func (s *Sim) deliver(reply string) {
	if s.latency <= 0 {
		s.in.push([]byte(reply))
		return
	}
	gen := s.gen
	time.AfterFunc(s.latency, func() {
		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if !stale {
			s.in.push([]byte(reply))
		}
	})
}

func (s *Sim) Read(ctx context.Context, max int) ([]byte, error) {
	if !s.IsOpen() {
		return nil, closedErr(KindSerial, "read")
	}
	buf, err := s.in.read(ctx, max, s.opts.Complete)
	if err != nil {
		return nil, wrapReadErr(KindSerial, err)
	}
	return buf, nil
}

// respond builds the full adapter reply to one request line.
func (s *Sim) respond(line string) string {
	var sb strings.Builder
	if s.echo {
		sb.WriteString(line)
		sb.WriteByte('\r')
	}
	compact := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
	if r, ok := s.overrides[compact]; ok {
		sb.WriteString(r)
		return sb.String()
	}
	var lines []string
	if strings.HasPrefix(compact, "AT") {
		lines = s.command(compact)
	} else if req, err := hex.DecodeString(compact); err != nil || len(req) == 0 {
		lines = []string{"?"}
	} else {
		lines = s.request(req)
	}
	sb.WriteString(strings.Join(lines, "\r"))
	sb.WriteString("\r\r>")
	return sb.String()
}

func (s *Sim) command(c string) []string {
	at := c[2:]
	switch {
	case at == "Z" || at == "WS":
		s.echo, s.spaces = s.initEcho, true
		return []string{"", "ELM327 v1.5"}
	case at == "I":
		return []string{"ELM327 v1.5"}
	case at == "E0" || at == "E1":
		s.echo = at == "E1"
	case at == "S0" || at == "S1":
		s.spaces = at == "S1"
	case at == "RV":
		return []string{fmt.Sprintf("%.1fV", s.engine.battery())}
	case at == "DP":
		return []string{"AUTO, ISO 15765-4 (CAN 11/500)"}
	case at == "DPN":
		return []string{"A6"}
	case strings.HasPrefix(at, "L"), strings.HasPrefix(at, "H"), strings.HasPrefix(at, "SP"),
		strings.HasPrefix(at, "ST"), strings.HasPrefix(at, "AT"), strings.HasPrefix(at, "D"):
	default:
		return []string{"?"}
	}
	return []string{"OK"}
}

func (s *Sim) hexLine(b []byte) string {
	h := strings.ToUpper(hex.EncodeToString(b))
	if !s.spaces {
		return h
	}
	return obd.FormatHex(b)
}

func (s *Sim) request(req []byte) []string {
	mode := obd.Mode(req[0])
	resp := mode.Response()
	switch mode {
	case obd.ModeCurrentData, obd.ModeFreezeFrame:
		if len(req) < 2 {
			return []string{"?"}
		}
		s.engine.tick()
		data, ok := s.engine.pid(req[1], len(s.dtcs))
		if !ok {
			return []string{"NO DATA"}
		}
		msg := []byte{resp, req[1]}
		if mode == obd.ModeFreezeFrame {
			msg = append(msg, 0x00)
		}
		return []string{s.hexLine(append(msg, data...))}
	case obd.ModeStoredCodes:
		msg := []byte{resp, byte(len(s.dtcs))}
		for _, d := range s.dtcs {
			msg = append(msg, byte(d>>8), byte(d))
		}
		return []string{s.hexLine(msg)}
	case obd.ModePendingCodes, obd.ModePermanentCodes:
		return []string{s.hexLine([]byte{resp, 0x00})}
	case obd.ModeClearCodes:
		s.dtcs = nil
		return []string{s.hexLine([]byte{resp})}
	case obd.ModeVehicleInfo:
		if len(req) < 2 {
			return []string{"?"}
		}
		switch req[1] {
		case 0x00:
			b := bitmap(0x00, 0x02, 0x0A)
			return []string{s.hexLine(append([]byte{resp, 0x00}, b[:]...))}
		case 0x02:
			return s.segmented(append([]byte{resp, 0x02, 0x01}, s.vin...))
		case 0x0A:
			name := append([]byte("ECM-EngineControl"), 0, 0, 0)
			return s.segmented(append([]byte{resp, 0x0A, 0x01}, name...))
		}
		return []string{"NO DATA"}
	default:
		return []string{s.hexLine([]byte{obd.NegativeResponse, byte(mode), 0x11})}
	}
}

// segmented renders a long message the way an ELM327 prints CAN
// multi-frame replies with headers off.
func (s *Sim) segmented(msg []byte) []string {
	lines := []string{fmt.Sprintf("%03X", len(msg))}
	first := 6
	if first > len(msg) {
		first = len(msg)
	}
	lines = append(lines, "0: "+s.hexLine(msg[:first]))
	for i, off := 1, first; off < len(msg); i++ {
		end := off + 7
		if end > len(msg) {
			end = len(msg)
		}
		lines = append(lines, fmt.Sprintf("%X: %s", i%16, s.hexLine(msg[off:end])))
		off = end
	}
	return lines
}

func bitmap(base byte, pids ...byte) [4]byte {
	var bits uint32
	for _, p := range pids {
		if p > base && p <= base+32 {
			bits |= 1 << (31 - uint(p-base-1))
		}
	}
	return [4]byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

// engine generates plausible sensor values that drift between idle and
// high revs.
type engine struct {
	t     float64
	rng   *rand.Rand
	start time.Time
}

func newEngine() *engine {
	return &engine{rng: rand.New(rand.NewSource(1)), start: time.Now()}
}

func (e *engine) tick() { e.t += 0.05 }

func (e *engine) rpm() float64 {
	s := math.Sin(e.t * 0.3)
	return 850 + 4000*s*s + e.rng.Float64()*50
}

func (e *engine) throttle(rpm float64) float64 {
	tps := (rpm - 850) / (8000 - 850) * 100
	return math.Max(0, math.Min(100, tps))
}

func (e *engine) battery() float64 { return 13.8 + e.rng.Float64()*0.4 }

func pct(v float64) byte { return byte(math.Round(v * 255 / 100)) }

func word16(v float64) []byte {
	w := uint16(math.Max(0, math.Min(65535, v)))
	return []byte{byte(w >> 8), byte(w)}
}

var simSupported = []byte{0x01, 0x04, 0x05, 0x0B, 0x0C, 0x0D, 0x0F, 0x10, 0x11, 0x1F, 0x20, 0x2F, 0x33, 0x40, 0x42, 0x46, 0x5C}

func (e *engine) pid(pid byte, dtcs int) ([]byte, bool) {
	rpm := e.rpm()
	tps := e.throttle(rpm)
	switch pid {
	case 0x00, 0x20, 0x40:
		b := bitmap(pid, simSupported...)
		return b[:], true
	case 0x01:
		a := byte(dtcs & 0x7F)
		if dtcs > 0 {
			a |= 0x80
		}
		return []byte{a, 0x07, 0xE5, 0x00}, true
	case 0x04:
		return []byte{pct(20 + tps*0.7)}, true
	case 0x05:
		return []byte{byte(85 + e.rng.Float64()*5 + 40)}, true
	case 0x0B:
		return []byte{byte(math.Min(255, 30+(rpm-850)/(8000-850)*170))}, true
	case 0x0C:
		return word16(rpm * 4), true
	case 0x0D:
		return []byte{byte(tps / 100 * 220)}, true
	case 0x0F:
		return []byte{byte(30 + e.rng.Float64()*8 + 40)}, true
	case 0x10:
		return word16(rpm / 1000 * 4.5 * 100), true
	case 0x11:
		return []byte{pct(tps)}, true
	case 0x1F:
		return word16(time.Since(e.start).Seconds()), true
	case 0x2F:
		return []byte{pct(62)}, true
	case 0x33:
		return []byte{101}, true
	case 0x42:
		return word16(e.battery() * 1000), true
	case 0x46:
		return []byte{22 + 40}, true
	case 0x5C:
		return []byte{95 + 40}, true
	}
	return nil, false
}
