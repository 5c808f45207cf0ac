// Package publish fans polled readings out to external sinks. Readings are
// queued by Multi and delivered from a single goroutine so a slow broker
// never stalls a connection's poll loop.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Sink is one reading destination.
type Sink interface {
	Name() string
	Start(ctx context.Context) error
	Publish(ctx context.Context, r obd.Reading) error
	Stop() error
}

// Config enables and configures each sink.
type Config struct {
	MQTT   MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	Valkey ValkeyConfig `yaml:"valkey" json:"valkey"`
	Kafka  KafkaConfig  `yaml:"kafka" json:"kafka"`
	CSV    CSVConfig    `yaml:"csv" json:"csv"`
}

const (
	queueSize      = 256
	publishTimeout = 2 * time.Second
)

// Multi delivers every reading to all started sinks.
type Multi struct {
	log   *zap.Logger
	sinks []Sink

	mu      sync.Mutex
	started []Sink
	queue   chan obd.Reading
	done    chan struct{}
	dropped atomic.Int64
}

// New builds the sinks enabled in cfg.
func New(cfg Config, log *zap.Logger) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	var sinks []Sink
	if cfg.MQTT.Enabled {
		sinks = append(sinks, NewMQTT(cfg.MQTT, log))
	}
	if cfg.Valkey.Enabled {
		sinks = append(sinks, NewValkey(cfg.Valkey, log))
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafka(cfg.Kafka, log))
	}
	if cfg.CSV.Enabled {
		sinks = append(sinks, NewCSV(cfg.CSV, log))
	}
	return NewMulti(log, sinks...)
}

func NewMulti(log *zap.Logger, sinks ...Sink) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multi{log: log.Named("publish"), sinks: sinks}
}

// Start starts each sink. A sink that fails to start is logged and left out;
// the error returned joins every such failure.
func (m *Multi) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue != nil {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Start(ctx); err != nil {
			m.log.Warn("sink failed to start", zap.String("sink", s.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		m.log.Info("sink started", zap.String("sink", s.Name()))
		m.started = append(m.started, s)
	}
	m.queue = make(chan obd.Reading, queueSize)
	m.done = make(chan struct{})
	go m.run(m.queue, m.done, m.started)
	return errors.Join(errs...)
}

// Active reports the names of the running sinks.
func (m *Multi) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.started))
	for i, s := range m.started {
		names[i] = s.Name()
	}
	return names
}

// Publish queues r for delivery. It never blocks; when the queue is full the
// reading is dropped and counted.
func (m *Multi) Publish(r obd.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue == nil || len(m.started) == 0 {
		return
	}
	select {
	case m.queue <- r:
	default:
		if n := m.dropped.Add(1); n%100 == 1 {
			m.log.Warn("queue full, dropping readings", zap.Int64("dropped", n))
		}
	}
}

// Dropped is the number of readings discarded because the queue was full.
func (m *Multi) Dropped() int64 { return m.dropped.Load() }

func (m *Multi) run(queue <-chan obd.Reading, done chan<- struct{}, sinks []Sink) {
	defer close(done)
	for r := range queue {
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := s.Publish(ctx, r); err != nil {
				m.log.Debug("publish failed",
					zap.String("sink", s.Name()),
					zap.String("connection", r.Connection),
					zap.String("pid", r.Name),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop drains the queue, then stops every started sink.
func (m *Multi) Stop() error {
	m.mu.Lock()
	queue, done, started := m.queue, m.done, m.started
	m.queue, m.done, m.started = nil, nil, nil
	m.mu.Unlock()
	if queue == nil {
		return nil
	}
	close(queue)
	<-done

	var errs []error
	for _, s := range started {
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// changes remembers the last value seen per connection and PID.
type changes struct {
	mu   sync.Mutex
	last map[string]string
}

func newChanges() *changes { return &changes{last: make(map[string]string)} }

// changed records r and reports whether its value differs from the last one
// seen for the same connection and PID.
func (c *changes) changed(r obd.Reading) bool {
	key := r.Connection + "/" + r.Ref
	val := fmt.Sprintf("%v", r.Value)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[key]; ok && prev == val {
		return false
	}
	c.last[key] = val
	return true
}

// forget drops the value recorded for r so the next one is always sent.
func (c *changes) forget(r obd.Reading) {
	c.mu.Lock()
	delete(c.last, r.Connection+"/"+r.Ref)
	c.mu.Unlock()
}

// message is the JSON document sent by the network sinks.
type message struct {
	Connection string `json:"connection"`
	PID        string `json:"pid"`
	Ref        string `json:"ref"`
	Value      any    `json:"value"`
	Unit       string `json:"unit,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func newMessage(r obd.Reading) message {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return message{
		Connection: r.Connection,
		PID:        r.Name,
		Ref:        r.Ref,
		Value:      r.Value,
		Unit:       r.Unit,
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
	}
}
