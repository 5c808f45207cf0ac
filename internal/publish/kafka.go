package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	UseTLS  bool     `yaml:"use_tls" json:"useTLS"`
	// RequiredAcks: -1 all replicas, 0 none, 1 leader only.
	RequiredAcks int           `yaml:"required_acks" json:"requiredAcks"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batchTimeout"`
	AutoCreate   bool          `yaml:"auto_create_topic" json:"autoCreateTopic"`
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka produces one message per reading, keyed by connection id so a
// connection's readings stay ordered within a partition.
type Kafka struct {
	cfg KafkaConfig
	log *zap.Logger

	mu      sync.RWMutex
	writer  messageWriter
	running bool
}

func NewKafka(cfg KafkaConfig, log *zap.Logger) *Kafka {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.Topic == "" {
		cfg.Topic = "goobd.readings"
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Kafka{cfg: cfg, log: log.Named("kafka")}
}

func (p *Kafka) Name() string { return "kafka" }

func (p *Kafka) tlsConfig() *tls.Config {
	if !p.cfg.UseTLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// Start checks that the first broker answers before creating the writer.
func (p *Kafka) Start(ctx context.Context) error {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if running {
		return nil
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true, TLS: p.tlsConfig()}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("connect %v: %w", p.cfg.Brokers, err)
	}
	conn.Close()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.cfg.Brokers...),
		Topic:                  p.cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(p.cfg.RequiredAcks),
		BatchTimeout:           p.cfg.BatchTimeout,
		AllowAutoTopicCreation: p.cfg.AutoCreate,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			p.log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	if tc := p.tlsConfig(); tc != nil {
		w.Transport = &kafka.Transport{TLS: tc}
	}
	p.log.Info("connected", zap.Strings("brokers", p.cfg.Brokers), zap.String("topic", p.cfg.Topic))
	p.attach(w)
	return nil
}

func (p *Kafka) attach(w messageWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		w.Close()
		return
	}
	p.writer = w
	p.running = true
}

func (p *Kafka) Publish(ctx context.Context, r obd.Reading) error {
	p.mu.RLock()
	w, running := p.writer, p.running
	p.mu.RUnlock()
	if !running || w == nil {
		return nil
	}
	msg, err := kafkaMessage(r)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", p.cfg.Topic, err)
	}
	return nil
}

func kafkaMessage(r obd.Reading) (kafka.Message, error) {
	value, err := json.Marshal(newMessage(r))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal reading: %w", err)
	}
	return kafka.Message{
		Key:   []byte(r.Connection),
		Value: value,
		Time:  r.Time,
		Headers: []kafka.Header{
			{Key: "pid", Value: []byte(r.Name)},
			{Key: "ref", Value: []byte(r.Ref)},
		},
	}, nil
}

func (p *Kafka) Stop() error {
	p.mu.Lock()
	w := p.writer
	p.writer, p.running = nil, false
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
