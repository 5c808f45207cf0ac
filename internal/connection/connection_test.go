package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/obd"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// hang is a reply with no prompt, so reads wait for their deadline.
const hang = "41 0C 1A"

func newSimConn(t *testing.T, cfg Config, opts ...transport.SimOption) (*Connection, *transport.Sim) {
	t.Helper()
	cd := codec.New(codec.ELM327)
	sim := transport.NewSim(transport.Options{Complete: cd.Complete, Logger: zaptest.NewLogger(t)}, opts...)
	cfg.Codec = cd
	cfg.Logger = zaptest.NewLogger(t)
	cfg.InitTimeout = time.Second
	return New("sim:test", sim, cfg), sim
}

func openSimConn(t *testing.T, opts ...transport.SimOption) (*Connection, *transport.Sim) {
	t.Helper()
	c, sim := newSimConn(t, Config{}, opts...)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, sim
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{Disconnected, Connecting},
		{Connecting, Ready},
		{Connecting, Faulted},
		{Ready, Busy},
		{Busy, Ready},
		{Busy, Faulted},
		{Faulted, Connecting},
		{Busy, Disconnected},
		{Faulted, Disconnected},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be legal", e[0], e[1])
		}
	}
	illegal := [][2]State{
		{Disconnected, Ready},
		{Disconnected, Busy},
		{Ready, Faulted},
		{Faulted, Ready},
		{Faulted, Busy},
		{Busy, Busy},
	}
	for _, e := range illegal {
		if CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be illegal", e[0], e[1])
		}
	}
}

func TestOpenRunsInitSequence(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []string
	)
	c, sim := newSimConn(t, Config{Observer: func(id string, from, to State, err error) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, from.String()+">"+to.String())
	}})
	defer c.Close()

	if c.State() != Disconnected {
		t.Fatalf("initial state = %s", c.State())
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if got, want := sim.Writes(), len(codec.DefaultInitSequence); got != want {
		t.Errorf("writes = %d, want %d", got, want)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"disconnected>connecting", "connecting>ready"}
	if len(steps) != len(want) || steps[0] != want[0] || steps[1] != want[1] {
		t.Errorf("transitions = %v, want %v", steps, want)
	}

	if err := c.Open(context.Background()); !errors.Is(err, obd.ErrIllegalTransition) {
		t.Errorf("second Open: %v", err)
	}
}

func TestOpenFailsOnRejectedInit(t *testing.T) {
	c, _ := newSimConn(t, Config{}, transport.WithResponse("ATSP0", "?\r\r>"))
	defer c.Close()
	err := c.Open(context.Background())
	if !errors.Is(err, obd.ErrProtocol) {
		t.Fatalf("Open: %v, want protocol error", err)
	}
	if c.State() != Faulted {
		t.Errorf("state = %s, want faulted", c.State())
	}
	if c.LastError() == nil {
		t.Error("LastError not recorded")
	}
}

func TestOpenTransportFailure(t *testing.T) {
	c, _ := newSimConn(t, Config{}, transport.WithOpenError(errors.New("no such device")))
	err := c.Open(context.Background())
	if !errors.Is(err, obd.ErrTransport) {
		t.Fatalf("Open: %v", err)
	}
	if c.State() != Faulted {
		t.Errorf("state = %s", c.State())
	}
}

func TestExecuteDecodesRPM(t *testing.T) {
	c, _ := openSimConn(t, transport.WithResponse("010C", "41 0C 1A F8\r\r>"))
	resp, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v, ok := resp.Number(); !ok || v != 1726 {
		t.Errorf("value = %v, want 1726", resp.Value)
	}
	if resp.Name != "rpm" || resp.Unit != "rpm" {
		t.Errorf("descriptor = %s/%s", resp.Name, resp.Unit)
	}
	if got := resp.Frame.HexPayload(); got != "1A F8" {
		t.Errorf("payload = %q", got)
	}
	if c.State() != Ready {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestExecuteTimeoutFaults(t *testing.T) {
	c, _ := openSimConn(t, transport.WithResponse("010C", hang))
	start := time.Now()
	_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C).WithTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	var terr *obd.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Execute: %v, want timeout", err)
	}
	if terr.After != 200*time.Millisecond {
		t.Errorf("After = %s", terr.After)
	}
	if elapsed < 150*time.Millisecond || elapsed > time.Second {
		t.Errorf("returned after %s", elapsed)
	}
	if c.State() != Faulted {
		t.Errorf("state = %s, want faulted", c.State())
	}

	_, err = c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x05))
	if !errors.Is(err, obd.ErrNotReady) {
		t.Errorf("Execute on faulted: %v", err)
	}
}

func TestExecuteWhileBusy(t *testing.T) {
	c, sim := openSimConn(t, transport.WithResponse("010C", hang))
	before := sim.Writes()

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C).WithTimeout(500*time.Millisecond))
		done <- err
	}()
	waitState(t, c, Busy)

	_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x05))
	if !errors.Is(err, obd.ErrNotReady) {
		t.Fatalf("concurrent Execute: %v, want not ready", err)
	}
	if got := sim.Writes() - before; got != 1 {
		t.Errorf("writes during busy = %d, want 1", got)
	}
	if err := <-done; !errors.Is(err, obd.ErrTimeout) {
		t.Errorf("first Execute: %v", err)
	}
}

func TestCloseDuringBusy(t *testing.T) {
	c, sim := openSimConn(t, transport.WithResponse("010C", hang))

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C).WithTimeout(5*time.Second))
		done <- err
	}()
	waitState(t, c, Busy)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, obd.ErrTransportClosed) {
			t.Errorf("Execute: %v, want transport closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Close")
	}
	if c.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
	if sim.IsOpen() {
		t.Error("transport still open")
	}
}

func TestNegativeResponseKeepsReady(t *testing.T) {
	tests := []struct {
		name, reply string
		nrc         byte
	}{
		{"nrc", "7F 01 12\r\r>", 0x12},
		{"no data", "NO DATA\r\r>", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := openSimConn(t, transport.WithResponse("010C", tt.reply))
			_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C))
			var perr *obd.ProtocolError
			if !errors.As(err, &perr) || !perr.Negative {
				t.Fatalf("Execute: %v, want negative response", err)
			}
			if perr.NRC != tt.nrc {
				t.Errorf("NRC = %02X, want %02X", perr.NRC, tt.nrc)
			}
			if c.State() != Ready {
				t.Errorf("state = %s, want ready", c.State())
			}
		})
	}
}

func TestMalformedResponseFaults(t *testing.T) {
	c, _ := openSimConn(t, transport.WithResponse("010C", "41 0C 1A F8 00\r\r>"))
	_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C))
	if !errors.Is(err, obd.ErrDecode) {
		t.Fatalf("Execute: %v, want decode error", err)
	}
	if c.State() != Faulted {
		t.Errorf("state = %s, want faulted", c.State())
	}
}

func TestRejectedBeforeBusy(t *testing.T) {
	c, sim := openSimConn(t)
	before := sim.Writes()

	if _, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0xFE)); !errors.Is(err, obd.ErrUnsupportedPID) {
		t.Errorf("unknown pid: %v", err)
	}
	if _, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeEnhancedData, 0x1E1C)); !errors.Is(err, obd.ErrUnsupportedPID) {
		t.Errorf("profile pid without profile: %v", err)
	}
	if _, err := c.Execute(context.Background(), obd.Command{Mode: 0x0B}); !errors.Is(err, obd.ErrInvalidCommand) {
		t.Errorf("bad mode: %v", err)
	}
	if _, err := c.Execute(context.Background(), obd.ModeCommand(obd.ModeCurrentData)); !errors.Is(err, obd.ErrInvalidCommand) {
		t.Errorf("missing pid: %v", err)
	}
	if sim.Writes() != before {
		t.Errorf("rejected commands reached the wire")
	}
	if c.State() != Ready {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestNotReadyWinsOverCommandErrors(t *testing.T) {
	bad := []obd.Command{
		obd.PIDCommand(obd.ModeCurrentData, 0xFE),
		{Mode: 0x0B},
	}
	check := func(t *testing.T, c *Connection) {
		t.Helper()
		for _, cmd := range bad {
			if _, err := c.Execute(context.Background(), cmd); !errors.Is(err, obd.ErrNotReady) {
				t.Errorf("Execute(%s) in %s: %v, want not ready", cmd, c.State(), err)
			}
		}
	}

	t.Run("busy", func(t *testing.T) {
		c, _ := openSimConn(t, transport.WithResponse("010C", hang))
		done := make(chan struct{})
		go func() {
			c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C).WithTimeout(500*time.Millisecond))
			close(done)
		}()
		waitState(t, c, Busy)
		check(t, c)
		<-done
	})

	t.Run("faulted", func(t *testing.T) {
		c, _ := openSimConn(t, transport.WithResponse("010C", hang))
		c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C).WithTimeout(100*time.Millisecond))
		if c.State() != Faulted {
			t.Fatalf("state = %s, want faulted", c.State())
		}
		check(t, c)
	})

	t.Run("disconnected", func(t *testing.T) {
		c, _ := newSimConn(t, Config{})
		check(t, c)
	})
}

func TestExecuteBeforeOpen(t *testing.T) {
	c, _ := newSimConn(t, Config{})
	_, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C))
	if !errors.Is(err, obd.ErrNotReady) {
		t.Errorf("Execute: %v", err)
	}
}

func TestReopenRecoversFault(t *testing.T) {
	c, _ := openSimConn(t, transport.WithResponse("010C", hang))
	c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x0C).WithTimeout(100*time.Millisecond))
	if c.State() != Faulted {
		t.Fatalf("state = %s, want faulted", c.State())
	}
	if err := c.Reopen(context.Background()); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	resp, err := c.Execute(context.Background(), obd.PIDCommand(obd.ModeCurrentData, 0x05))
	if err != nil {
		t.Fatalf("Execute after reopen: %v", err)
	}
	if v, _ := resp.Number(); v < 80 || v > 95 {
		t.Errorf("coolant = %v", v)
	}
	if err := c.Reopen(context.Background()); !errors.Is(err, obd.ErrIllegalTransition) {
		t.Errorf("Reopen from ready: %v", err)
	}
}

func TestCloseIsAlwaysAllowed(t *testing.T) {
	c, _ := newSimConn(t, Config{})
	if err := c.Close(); err != nil {
		t.Errorf("Close disconnected: %v", err)
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	c.Close()
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("reopen after Close: %v", err)
	}
	c.Close()
}

func TestSupportedPIDs(t *testing.T) {
	c, _ := openSimConn(t)
	pids, err := c.SupportedPIDs(context.Background())
	if err != nil {
		t.Fatalf("SupportedPIDs: %v", err)
	}
	for _, want := range []uint16{0x0C, 0x0D, 0x2F, 0x42, 0x5C} {
		if !contains(pids, want) {
			t.Errorf("missing %02X in %v", want, pids)
		}
	}
	if contains(pids, 0x0E) {
		t.Errorf("unexpected 0E in %v", pids)
	}
}

func TestTroubleCodes(t *testing.T) {
	c, _ := openSimConn(t, transport.WithDTCs("P0301", "P0420"))
	codes, err := c.ReadDTCs(context.Background(), obd.ModeStoredCodes)
	if err != nil {
		t.Fatalf("ReadDTCs: %v", err)
	}
	if len(codes) != 2 || codes[0].String() != "P0301" || codes[1].String() != "P0420" {
		t.Fatalf("codes = %v", codes)
	}
	if err := c.ClearDTCs(context.Background()); err != nil {
		t.Fatalf("ClearDTCs: %v", err)
	}
	codes, err = c.ReadDTCs(context.Background(), obd.ModeStoredCodes)
	if err != nil || len(codes) != 0 {
		t.Errorf("after clear: %v %v", codes, err)
	}
	if _, err := c.ReadDTCs(context.Background(), obd.ModeCurrentData); !errors.Is(err, obd.ErrInvalidCommand) {
		t.Errorf("ReadDTCs(01): %v", err)
	}
}

func TestVINAndQuery(t *testing.T) {
	c, _ := openSimConn(t, transport.WithVIN("1FTFW1ET5DFC10312"))
	vin, err := c.VIN(context.Background())
	if err != nil {
		t.Fatalf("VIN: %v", err)
	}
	if vin != "1FTFW1ET5DFC10312" {
		t.Errorf("VIN = %q", vin)
	}
	resp, err := c.Query(context.Background(), "speed")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Name != "speed" || resp.Frame.Mode() != obd.ModeCurrentData {
		t.Errorf("Query resolved %s %s", resp.Name, resp.Frame.Mode())
	}
}
