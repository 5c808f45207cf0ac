package publish

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/goobd/internal/obd"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func reading(conn, name string, v any) obd.Reading {
	return obd.Reading{Connection: conn, Name: name, Ref: "01:0C", Unit: "rpm", Value: v, Time: t0}
}

type recordSink struct {
	name     string
	startErr error

	mu      sync.Mutex
	got     []obd.Reading
	stopped bool
}

func (s *recordSink) Name() string { return s.name }
func (s *recordSink) Start(context.Context) error { return s.startErr }
func (s *recordSink) Stop() error { s.stopped = true; return nil }
func (s *recordSink) Publish(_ context.Context, r obd.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, r)
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestMultiFansOut(t *testing.T) {
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b"}
	bad := &recordSink{name: "bad", startErr: errors.New("refused")}
	m := NewMulti(zaptest.NewLogger(t), a, bad, b)

	// Before Start nothing is queued.
	m.Publish(reading("sim:x", "RPM", 800.0))

	if err := m.Start(context.Background()); err == nil {
		t.Error("Start should report the failed sink")
	}
	if got := m.Active(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Active = %v", got)
	}
	for i := 0; i < 3; i++ {
		m.Publish(reading("sim:x", "RPM", float64(i)))
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.count() != 3 || b.count() != 3 || bad.count() != 0 {
		t.Errorf("counts a=%d b=%d bad=%d", a.count(), b.count(), bad.count())
	}
	if !a.stopped || !b.stopped || bad.stopped {
		t.Error("only started sinks should be stopped")
	}
	// Publish after Stop is a no-op.
	m.Publish(reading("sim:x", "RPM", 1.0))
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestNewBuildsEnabledSinks(t *testing.T) {
	m := New(Config{CSV: CSVConfig{Enabled: true, Path: t.TempDir()}, Kafka: KafkaConfig{Enabled: true}}, nil)
	var names []string
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "csv" || names[1] != "kafka" {
		t.Errorf("sinks = %v", names)
	}
}

func TestChanges(t *testing.T) {
	c := newChanges()
	r := reading("sim:x", "RPM", 800.0)
	if !c.changed(r) {
		t.Error("first value must count as a change")
	}
	if c.changed(r) {
		t.Error("same value reported as change")
	}
	r.Value = 900.0
	if !c.changed(r) {
		t.Error("new value not reported")
	}
	other := r
	other.Connection = "sim:y"
	if !c.changed(other) {
		t.Error("connections must be tracked separately")
	}
	c.forget(r)
	if !c.changed(r) {
		t.Error("forgotten value must be resent")
	}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeBroker struct {
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	failNext  bool
	connected bool
}

func (b *fakeBroker) Connect() pahomqtt.Token { b.connected = true; return doneToken{} }
func (b *fakeBroker) Disconnect(uint) { b.connected = false }
func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return doneToken{err: errors.New("not connected")}
	}
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload.([]byte))
	return doneToken{}
}

func TestMQTTTopic(t *testing.T) {
	p := NewMQTT(MQTTConfig{RootTopic: "cars/"}, nil)
	tests := []struct{ conn, pid, want string }{
		{"ble:AA:BB:CC:DD:EE:FF", "RPM", "cars/ble:AA:BB:CC:DD:EE:FF/RPM"},
		{"serial:/dev/ttyUSB0", "SPEED", "cars/serial:_dev_ttyUSB0/SPEED"},
		{"wifi:x", "A+B#", "cars/wifi:x/A_B_"},
	}
	for _, tt := range tests {
		if got := p.Topic(tt.conn, tt.pid); got != tt.want {
			t.Errorf("Topic(%q, %q) = %q, want %q", tt.conn, tt.pid, got, tt.want)
		}
	}
	if got := NewMQTT(MQTTConfig{Broker: "h", UseTLS: true, Port: 8883}, nil).Address(); got != "ssl://h:8883" {
		t.Errorf("Address = %q", got)
	}
}

func TestMQTTClientID(t *testing.T) {
	a := NewMQTT(MQTTConfig{}, nil).cfg.ClientID
	b := NewMQTT(MQTTConfig{}, nil).cfg.ClientID
	if !strings.HasPrefix(a, "goobd-") || a == b {
		t.Errorf("generated ids %q, %q", a, b)
	}
	if got := NewMQTT(MQTTConfig{ClientID: "dash"}, nil).cfg.ClientID; got != "dash" {
		t.Errorf("explicit id replaced: %q", got)
	}
}

func TestMQTTPublish(t *testing.T) {
	broker := &fakeBroker{}
	p := NewMQTT(MQTTConfig{Broker: "localhost", OnChange: true}, zaptest.NewLogger(t))
	p.dial = func(*pahomqtt.ClientOptions) mqttClient { return broker }
	ctx := context.Background()

	// Not started: silently ignored.
	if err := p.Publish(ctx, reading("sim:x", "RPM", 800.0)); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !broker.connected || !p.IsRunning() {
		t.Fatal("not connected")
	}

	for _, v := range []float64{800, 800, 850} {
		if err := p.Publish(ctx, reading("sim:x", "RPM", v)); err != nil {
			t.Fatal(err)
		}
	}
	if len(broker.topics) != 2 {
		t.Fatalf("published %d messages, want 2 (unchanged value suppressed)", len(broker.topics))
	}
	if broker.topics[0] != "goobd/sim:x/RPM" {
		t.Errorf("topic = %q", broker.topics[0])
	}
	var msg message
	if err := json.Unmarshal(broker.payloads[1], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Connection != "sim:x" || msg.PID != "RPM" || msg.Value != 850.0 || msg.Unit != "rpm" || msg.Ref != "01:0C" {
		t.Errorf("message = %+v", msg)
	}

	broker.failNext = true
	if err := p.Publish(ctx, reading("sim:x", "RPM", 900.0)); err == nil {
		t.Error("expected publish error")
	}
	// The failed value is retried even though it was seen.
	if err := p.Publish(ctx, reading("sim:x", "RPM", 900.0)); err != nil || len(broker.topics) != 3 {
		t.Errorf("retry: err=%v published=%d", err, len(broker.topics))
	}

	p.Stop()
	if broker.connected || p.IsRunning() {
		t.Error("still connected after Stop")
	}
}

func TestValkeyKeys(t *testing.T) {
	p := NewValkey(ValkeyConfig{Namespace: "fleet:"}, nil)
	if got := p.Key("ble:AA:BB", "RPM"); got != "fleet:ble:AA:BB:pids:RPM" {
		t.Errorf("Key = %q", got)
	}
	ch := p.Channels("wifi:car")
	if len(ch) != 2 || ch[0] != "fleet:wifi:car:changes" || ch[1] != "fleet:_all:changes" {
		t.Errorf("Channels = %v", ch)
	}

	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"a", "b"}, "a:b"},
		{[]string{":a:", "", "b:"}, "a:b"},
		{[]string{"", ""}, ""},
	}
	for _, tt := range tests {
		if got := joinKey(tt.in...); got != tt.want {
			t.Errorf("joinKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if err := p.Publish(context.Background(), reading("x", "RPM", 1.0)); err != nil {
		t.Errorf("Publish before Start: %v", err)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafka(KafkaConfig{}, zaptest.NewLogger(t))
	p.attach(w)

	if err := p.Publish(context.Background(), reading("usb:0403:6001", "RPM", 1726.0)); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "usb:0403:6001" || !m.Time.Equal(t0) {
		t.Errorf("key=%q time=%v", m.Key, m.Time)
	}
	if len(m.Headers) != 2 || string(m.Headers[0].Value) != "RPM" {
		t.Errorf("headers = %+v", m.Headers)
	}
	var msg message
	if err := json.Unmarshal(m.Value, &msg); err != nil || msg.Value != 1726.0 {
		t.Errorf("value = %s (%v)", m.Value, err)
	}

	w.err = errors.New("leader not available")
	if err := p.Publish(context.Background(), reading("x", "RPM", 1.0)); err == nil {
		t.Error("expected produce error")
	}
	p.Stop()
	if !w.closed {
		t.Error("writer not closed")
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVRotates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l := NewCSV(CSVConfig{Path: dir, MaxRows: 2}, zaptest.NewLogger(t))
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		r := reading("sim:x", "RPM", 800.5+float64(i))
		r.Time = t0.Add(time.Duration(i) * time.Second)
		if err := l.Publish(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	dtc := reading("sim:x", "DTCS", []obd.DTC{0x0301, 0x0420})
	dtc.Time = t0.Add(10 * time.Second)
	if err := l.Publish(context.Background(), dtc); err != nil {
		t.Fatal(err)
	}
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "goobd_*.csv"))
	sort.Strings(files)
	if len(files) != 3 {
		t.Fatalf("files = %v", files)
	}
	first := readCSV(t, files[0])
	if len(first) != 3 || first[0][0] != "timestamp" {
		t.Fatalf("first file = %v", first)
	}
	if first[1][1] != "sim:x" || first[1][3] != "RPM" || first[1][4] != "800.5" || first[1][5] != "rpm" {
		t.Errorf("row = %v", first[1])
	}
	last := readCSV(t, files[2])
	if got := last[len(last)-1][4]; got != "P0301 P0420" {
		t.Errorf("dtc cell = %q", got)
	}
}

func TestCSVInterval(t *testing.T) {
	dir := t.TempDir()
	l := NewCSV(CSVConfig{Path: dir, IntervalMs: 1000}, nil)
	for i := 0; i < 4; i++ {
		r := reading("sim:x", "RPM", float64(i))
		r.Time = t0.Add(time.Duration(i) * 400 * time.Millisecond)
		if err := l.Publish(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	l.Stop()
	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	// Rows at 0ms and 1200ms survive; 400ms and 800ms are throttled.
	if rows := readCSV(t, files[0]); len(rows) != 3 {
		t.Errorf("rows = %v", rows)
	}
}
