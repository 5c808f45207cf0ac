package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Broker    string `yaml:"broker" json:"broker"`
	Port      int    `yaml:"port" json:"port"`
	UseTLS    bool   `yaml:"use_tls" json:"useTLS"`
	ClientID  string `yaml:"client_id" json:"clientId"`
	Username  string `yaml:"username" json:"username,omitempty"`
	Password  string `yaml:"password" json:"-"`
	RootTopic string `yaml:"root_topic" json:"rootTopic"`
	QoS       byte   `yaml:"qos" json:"qos"`
	Retain    bool   `yaml:"retain" json:"retain"`
	// OnChange suppresses readings whose value equals the last one sent.
	OnChange bool `yaml:"on_change" json:"onChange"`
}

// mqttClient is the part of pahomqtt.Client the sink uses.
type mqttClient interface {
	Connect() pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each reading to <root>/<connection>/<pid-name>.
type MQTT struct {
	cfg  MQTTConfig
	log  *zap.Logger
	dial func(*pahomqtt.ClientOptions) mqttClient

	mu      sync.RWMutex
	client  mqttClient
	running bool

	seen *changes
}

func NewMQTT(cfg MQTTConfig, log *zap.Logger) *MQTT {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.RootTopic == "" {
		cfg.RootTopic = "goobd"
	}
	if cfg.ClientID == "" {
		// Brokers drop the older session when two clients share an id.
		cfg.ClientID = "goobd-" + uuid.NewString()[:8]
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTT{
		cfg:  cfg,
		log:  log.Named("mqtt"),
		dial: func(o *pahomqtt.ClientOptions) mqttClient { return pahomqtt.NewClient(o) },
		seen: newChanges(),
	}
}

func (p *MQTT) Name() string { return "mqtt" }

// Address returns the broker URL.
func (p *MQTT) Address() string {
	scheme := "tcp"
	if p.cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Broker, p.cfg.Port)
}

func (p *MQTT) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *MQTT) Start(ctx context.Context) error {
	if p.IsRunning() {
		return nil
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warn("connection lost", zap.Error(err))
	})

	client := p.dial(opts)
	p.log.Info("connecting", zap.String("broker", p.Address()))
	if err := wait(ctx, client.Connect(), 5*time.Second); err != nil {
		return fmt.Errorf("connect %s: %w", p.Address(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Topic builds <root>/<connection>/<pid-name>. MQTT wildcard and separator
// characters inside a segment are replaced with '_'.
func (p *MQTT) Topic(conn, pid string) string {
	return strings.Join([]string{
		strings.Trim(p.cfg.RootTopic, "/"),
		topicSegment(conn),
		topicSegment(pid),
	}, "/")
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string { return topicReplacer.Replace(s) }

func (p *MQTT) Publish(ctx context.Context, r obd.Reading) error {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return nil
	}
	if p.cfg.OnChange && !p.seen.changed(r) {
		return nil
	}
	payload, err := json.Marshal(newMessage(r))
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	if err := wait(ctx, client.Publish(p.Topic(r.Connection, r.Name), p.cfg.QoS, p.cfg.Retain, payload), publishTimeout); err != nil {
		// Resend next time rather than believing the broker has it.
		p.seen.forget(r)
		return err
	}
	return nil
}

func (p *MQTT) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client, p.running = nil, false
	p.mu.Unlock()
	if client != nil {
		client.Disconnect(500)
		p.log.Info("disconnected")
	}
	return nil
}

var errTokenTimeout = errors.New("mqtt: timed out waiting for broker")

// wait blocks until tok completes, ctx ends or limit passes.
func wait(ctx context.Context, tok pahomqtt.Token, limit time.Duration) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
