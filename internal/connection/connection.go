// Package connection runs the OBD2 request/response cycle for one vehicle
// over one transport.
//
// A Connection serializes requests: while one command is in flight the
// connection is Busy and further Execute calls fail with obd.ErrNotReady
// instead of queueing. The state mutex is only held across transitions, never
// across transport I/O, so Close can always interrupt a stuck request.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/obd"
	"github.com/shaunagostinho/goobd/internal/pid"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// DefaultInitTimeout bounds each init-sequence command. ATZ resets the
// adapter and can take close to a second on cheap clones.
const DefaultInitTimeout = 3 * time.Second

// Observer is told about every state change. It runs with no locks held.
type Observer func(id string, from, to State, err error)

type Config struct {
	// Codec frames requests for the adapter. Nil selects a plain ELM327.
	Codec *codec.Codec
	// Registry resolves PID descriptors. Nil selects pid.Default().
	Registry *pid.Registry
	// VehicleProfile selects manufacturer extensions in the registry.
	VehicleProfile string
	InitTimeout    time.Duration
	Observer       Observer
	Logger         *zap.Logger
}

// Connection binds one transport, one codec and one registry view.
type Connection struct {
	id       string
	tr       transport.Transport
	codec    *codec.Codec
	registry *pid.Registry
	vehicle  string
	initWait time.Duration
	observe  Observer
	log      *zap.Logger

	mu        sync.Mutex
	state     State
	epoch     uint64
	lastErr   error
	cancelReq context.CancelFunc
	lastOK    time.Time
}

func New(id string, tr transport.Transport, cfg Config) *Connection {
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.ELM327)
	}
	if cfg.Registry == nil {
		cfg.Registry = pid.Default()
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		id:       id,
		tr:       tr,
		codec:    cfg.Codec,
		registry: cfg.Registry,
		vehicle:  cfg.VehicleProfile,
		initWait: cfg.InitTimeout,
		observe:  cfg.Observer,
		log:      log.Named("connection").With(zap.String("id", id)),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) VehicleProfile() string { return c.vehicle }

func (c *Connection) Codec() *codec.Codec { return c.codec }

func (c *Connection) Registry() *pid.Registry { return c.registry }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the error that last moved the connection to Faulted.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Status is a point-in-time snapshot for APIs and logs.
type Status struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	VehicleProfile string    `json:"vehicle_profile,omitempty"`
	Adapter        string    `json:"adapter"`
	LastError      string    `json:"last_error,omitempty"`
	LastResponse   time.Time `json:"last_response,omitempty"`
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		ID:             c.id,
		State:          c.state,
		VehicleProfile: c.vehicle,
		Adapter:        c.codec.Profile().Name,
		LastResponse:   c.lastOK,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// begin moves from -> to under the lock and returns the epoch the caller
// must present to finish.
func (c *Connection) begin(from, to State) (uint64, error) {
	c.mu.Lock()
	prev := c.state
	if prev != from || !CanTransition(from, to) {
		c.mu.Unlock()
		if from == Ready && to == Busy {
			return 0, fmt.Errorf("%w: %s is %s", obd.ErrNotReady, c.id, prev)
		}
		return 0, fmt.Errorf("%w: %s cannot go %s -> %s", obd.ErrIllegalTransition, c.id, prev, to)
	}
	c.state = to
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()
	c.notify(prev, to, nil)
	return epoch, nil
}

// finish completes a transition started by begin. It reports false when
// Close ran in between, in which case the state is left alone.
func (c *Connection) finish(epoch uint64, to State, err error) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = to
	c.cancelReq = nil
	if to == Faulted {
		c.lastErr = err
	} else if to == Ready {
		c.lastErr = nil
		c.lastOK = time.Now()
	}
	c.mu.Unlock()
	c.notify(prev, to, err)
	return true
}

func (c *Connection) notify(from, to State, err error) {
	if from == to {
		return
	}
	if err != nil {
		c.log.Warn("state change", zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(err))
	} else {
		c.log.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	if c.observe != nil {
		c.observe(c.id, from, to, err)
	}
}

// Open brings the transport up and runs the adapter init sequence.
func (c *Connection) Open(ctx context.Context) error {
	epoch, err := c.begin(Disconnected, Connecting)
	if err != nil {
		return err
	}
	return c.handshake(ctx, epoch)
}

// Reopen recovers a Faulted connection by cycling the transport and
// repeating the init sequence.
func (c *Connection) Reopen(ctx context.Context) error {
	epoch, err := c.begin(Faulted, Connecting)
	if err != nil {
		return err
	}
	if err := c.tr.Close(); err != nil {
		c.log.Debug("close before reopen", zap.Error(err))
	}
	return c.handshake(ctx, epoch)
}

func (c *Connection) handshake(ctx context.Context, epoch uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setCancel(epoch, cancel)

	fail := func(err error) error {
		if !c.finish(epoch, Faulted, err) {
			return fmt.Errorf("%w: closed during open", obd.ErrTransportClosed)
		}
		return err
	}

	if err := c.tr.Open(ctx); err != nil {
		return fail(err)
	}
	seq := c.codec.Profile().InitSequence
	for _, step := range seq {
		if err := c.initStep(ctx, step); err != nil {
			return fail(err)
		}
	}
	if !c.finish(epoch, Ready, nil) {
		return fmt.Errorf("%w: closed during open", obd.ErrTransportClosed)
	}
	c.log.Info("ready", zap.String("adapter", c.codec.Profile().Name), zap.Int("init_steps", len(seq)))
	return nil
}

func (c *Connection) initStep(ctx context.Context, step string) error {
	ctx, cancel := context.WithTimeout(ctx, c.initWait)
	defer cancel()
	if err := c.tr.Write(ctx, c.codec.EncodeInit(step)); err != nil {
		return err
	}
	raw, err := c.tr.Read(ctx, transport.DefaultReadSize)
	if err != nil {
		return c.timeoutFor(ctx, "init "+step, c.initWait, err)
	}
	c.log.Debug("init", zap.String("cmd", step), zap.ByteString("reply", raw))
	return c.codec.CheckReply(step, raw)
}

func (c *Connection) setCancel(epoch uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.cancelReq = cancel
	}
}

// Execute sends cmd and decodes the answer. A connection that is not Ready
// fails with obd.ErrNotReady before cmd is looked at. Commands are then
// validated and the PID is resolved before the connection goes Busy, so
// those failures leave the state untouched.
func (c *Connection) Execute(ctx context.Context, cmd obd.Command) (*obd.Response, error) {
	if st := c.State(); st != Ready {
		return nil, fmt.Errorf("%w: %s is %s", obd.ErrNotReady, c.id, st)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	desc, err := c.registry.ForCommand(cmd, c.vehicle)
	if err != nil {
		return nil, err
	}
	wire, err := c.codec.Encode(cmd)
	if err != nil {
		return nil, err
	}
	expected := cmd.ExpectedLength
	if expected == 0 {
		expected = desc.Length
	}

	epoch, err := c.begin(Ready, Busy)
	if err != nil {
		return nil, err
	}

	timeout := cmd.EffectiveTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c.setCancel(epoch, cancel)

	resp, err := c.roundTrip(ctx, cmd, desc, wire, expected, timeout)
	switch {
	case err == nil, obd.IsNegative(err):
		// A refusal from the vehicle leaves the link usable.
		if !c.finish(epoch, Ready, nil) {
			return nil, c.closedDuring(cmd)
		}
	default:
		if !c.finish(epoch, Faulted, err) {
			return nil, c.closedDuring(cmd)
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Connection) roundTrip(ctx context.Context, cmd obd.Command, desc pid.Descriptor, wire []byte, expected int, timeout time.Duration) (*obd.Response, error) {
	if err := c.tr.Write(ctx, wire); err != nil {
		return nil, c.timeoutFor(ctx, "write "+cmd.String(), timeout, err)
	}
	raw, err := c.tr.Read(ctx, transport.DefaultReadSize)
	if err != nil {
		return nil, c.timeoutFor(ctx, "read "+cmd.String(), timeout, err)
	}
	c.log.Debug("rx", zap.Stringer("cmd", cmd), zap.ByteString("raw", raw))

	frame, err := c.codec.Decode(cmd, raw, expected)
	if err != nil {
		return nil, err
	}
	value, err := desc.Decode(frame.Payload())
	if err != nil {
		return nil, err
	}
	return &obd.Response{
		Frame:    frame,
		Name:     desc.Name,
		Unit:     desc.Unit,
		Value:    value,
		Received: time.Now(),
	}, nil
}

// timeoutFor normalises a deadline hit into an *obd.TimeoutError carrying
// the command's budget.
func (c *Connection) timeoutFor(ctx context.Context, op string, after time.Duration, err error) error {
	if errors.Is(err, obd.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &obd.TimeoutError{Op: op, After: after}
	}
	return err
}

func (c *Connection) closedDuring(cmd obd.Command) error {
	return fmt.Errorf("%w: closed during %s", obd.ErrTransportClosed, cmd)
}

// Close releases the transport from any state. An in-flight request is
// cancelled and its result discarded.
func (c *Connection) Close() error {
	c.mu.Lock()
	prev := c.state
	c.state = Disconnected
	c.epoch++
	cancel := c.cancelReq
	c.cancelReq = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.tr.Close()
	c.notify(prev, Disconnected, nil)
	if err != nil {
		c.log.Warn("close", zap.Error(err))
	}
	return err
}
