// Package manager supervises the set of open vehicle connections and gives
// callers one command surface regardless of transport kind.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/connection"
	"github.com/shaunagostinho/goobd/internal/obd"
	"github.com/shaunagostinho/goobd/internal/pid"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// ID is the connection id for a transport kind and device address.
func ID(kind transport.Kind, address string) string {
	return kind.String() + ":" + address
}

// Info is a read-only snapshot of one managed connection.
type Info struct {
	ID             string           `json:"id"`
	Kind           transport.Kind   `json:"kind"`
	Address        string           `json:"address"`
	State          connection.State `json:"state"`
	Adapter        string           `json:"adapter"`
	VehicleProfile string           `json:"vehicle_profile,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	LastResponse   time.Time        `json:"last_response,omitempty"`
	Polling        []string         `json:"polling,omitempty"`
}

type entry struct {
	id      string
	kind    transport.Kind
	address string
	cfg     ConnConfig
	conn    *connection.Connection
	retry   connection.RetryPolicy
	poller  *poller
}

// Manager owns the id -> connection map. All creation and removal goes
// through it.
type Manager struct {
	factory  *transport.Factory
	registry *pid.Registry
	log      *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	cbMu      sync.RWMutex
	onState   connection.Observer
	onReading func(obd.Reading)
}

func New(factory *transport.Factory, registry *pid.Registry, log *zap.Logger) *Manager {
	if factory == nil {
		factory = transport.DefaultFactory()
	}
	if registry == nil {
		registry = pid.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		factory:  factory,
		registry: registry,
		log:      log.Named("manager"),
		entries:  make(map[string]*entry),
	}
}

// SetOnStateChange registers a callback for state changes of every
// connection.
func (m *Manager) SetOnStateChange(fn connection.Observer) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onState = fn
}

// SetOnReading registers the sink for polled readings.
func (m *Manager) SetOnReading(fn func(obd.Reading)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onReading = fn
}

func (m *Manager) Registry() *pid.Registry { return m.registry }

func (m *Manager) Kinds() []transport.Kind { return m.factory.Kinds() }

// Connect opens a connection to address over kind. The id is reserved
// before the transport opens, so a concurrent Connect for the same device
// gets ErrDuplicateConnection instead of a second transport.
func (m *Manager) Connect(ctx context.Context, kind transport.Kind, address string, cfg ConnConfig) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", obd.ErrInvalidCommand)
	}
	id := ID(kind, address)
	log := m.log.With(zap.String("id", id))

	profile, err := cfg.codecProfile()
	if err != nil {
		return "", err
	}
	var pollCmds []obd.Command
	for _, name := range cfg.Poll {
		cmd, err := commandFor(m.registry, name, cfg.VehicleProfile)
		if err != nil {
			return "", fmt.Errorf("poll %q: %w", name, err)
		}
		pollCmds = append(pollCmds, cmd)
	}
	cd := codec.New(profile)
	opts := cfg.transportOptions()
	opts.Complete = cd.Complete
	opts.Logger = m.log

	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", obd.ErrDuplicateConnection, id)
	}
	tr, err := m.factory.New(kind, address, opts)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	e := &entry{
		id:      id,
		kind:    kind,
		address: address,
		cfg:     cfg,
		retry:   cfg.retryPolicy(),
	}
	e.conn = connection.New(id, tr, connection.Config{
		Codec:          cd,
		Registry:       m.registry,
		VehicleProfile: cfg.VehicleProfile,
		Observer:       m.observe,
		Logger:         m.log,
	})
	if len(pollCmds) > 0 {
		e.poller = m.newPoller(e, pollCmds)
	}
	m.entries[id] = e
	m.mu.Unlock()

	if err := e.conn.Open(ctx); err != nil {
		m.remove(e)
		e.conn.Close()
		log.Warn("connect failed", zap.Error(err))
		return "", err
	}
	log.Info("connected", zap.String("adapter", profile.Name), zap.String("vehicle_profile", cfg.VehicleProfile))

	if e.poller != nil {
		e.poller.start()
	}
	return id, nil
}

// remove deletes e from the map if it is still the registered entry.
func (m *Manager) remove(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[e.id]; ok && cur == e {
		delete(m.entries, e.id)
		return true
	}
	return false
}

func (m *Manager) observe(id string, from, to connection.State, err error) {
	m.cbMu.RLock()
	fn := m.onState
	m.cbMu.RUnlock()
	if fn != nil {
		fn(id, from, to, err)
	}
	// A transport that closed underneath us will not come back on its own.
	if to == connection.Faulted && errors.Is(err, obd.ErrTransportClosed) {
		m.mu.RLock()
		e := m.entries[id]
		m.mu.RUnlock()
		if e != nil && !e.cfg.ReopenOnFault {
			go m.teardown(e, err)
		}
	}
}

func (m *Manager) teardown(e *entry, cause error) {
	if !m.remove(e) {
		return
	}
	m.log.Warn("transport lost, removing connection", zap.String("id", e.id), zap.Error(cause))
	if e.poller != nil {
		e.poller.stop()
	}
	e.conn.Close()
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", obd.ErrUnknownConnection, id)
	}
	return e, nil
}

// Connection returns the live connection for id.
func (m *Manager) Connection(id string) (*connection.Connection, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// Disconnect closes and forgets id. Unknown ids are not an error.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.shutdown(e)
}

func (m *Manager) shutdown(e *entry) error {
	if e.poller != nil {
		e.poller.stop()
	}
	err := e.conn.Close()
	m.log.Info("disconnected", zap.String("id", e.id))
	return err
}

// Execute forwards cmd to the connection under its retry policy. A command
// without its own timeout gets the connection's configured one.
func (m *Manager) Execute(ctx context.Context, id string, cmd obd.Command) (*obd.Response, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if cmd.Timeout <= 0 && e.cfg.Timeout > 0 {
		cmd.Timeout = time.Duration(e.cfg.Timeout)
	}
	return e.retry.Execute(ctx, e.conn, cmd)
}

// Query resolves name ("rpm", "01:0C") against the connection's vehicle
// profile and executes it.
func (m *Manager) Query(ctx context.Context, id, name string) (*obd.Response, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	cmd, err := commandFor(m.registry, name, e.cfg.VehicleProfile)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, id, cmd)
}

func commandFor(reg *pid.Registry, name, profile string) (obd.Command, error) {
	d, err := reg.Resolve(name, profile)
	if err != nil {
		return obd.Command{}, err
	}
	return d.Command(), nil
}

func (m *Manager) ReadDTCs(ctx context.Context, id string, mode obd.Mode) ([]obd.DTC, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.conn.ReadDTCs(ctx, mode)
}

func (m *Manager) ClearDTCs(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.conn.ClearDTCs(ctx)
}

func (m *Manager) SupportedPIDs(ctx context.Context, id string) ([]uint16, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.conn.SupportedPIDs(ctx)
}

func (m *Manager) VIN(ctx context.Context, id string) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return e.conn.VIN(ctx)
}

// Reopen recovers a Faulted connection.
func (m *Manager) Reopen(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.conn.Reopen(ctx)
}

// Get returns the snapshot for id.
func (m *Manager) Get(id string) (Info, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return e.info(), nil
}

func (e *entry) info() Info {
	st := e.conn.Status()
	return Info{
		ID:             e.id,
		Kind:           e.kind,
		Address:        e.address,
		State:          st.State,
		Adapter:        st.Adapter,
		VehicleProfile: st.VehicleProfile,
		LastError:      st.LastError,
		LastResponse:   st.LastResponse,
		Polling:        e.cfg.Poll,
	}
}

// List returns a snapshot of every connection, sorted by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAllError collects the per-connection failures of CloseAll.
type CloseAllError struct {
	Errs []error
}

func (e *CloseAllError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("close %d connection(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *CloseAllError) Unwrap() []error { return e.Errs }

// CloseAll disconnects every connection, continuing past failures.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	var errs []error
	for _, e := range entries {
		if err := m.shutdown(e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.id, err))
		}
	}
	if len(errs) > 0 {
		return &CloseAllError{Errs: errs}
	}
	return nil
}
