package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

type ValkeyConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password" json:"-"`
	Database  int    `yaml:"database" json:"database"`
	UseTLS    bool   `yaml:"use_tls" json:"useTLS"`
	Namespace string `yaml:"namespace" json:"namespace"`
	// KeyTTL expires stored readings; zero keeps them forever.
	KeyTTL time.Duration `yaml:"key_ttl" json:"keyTTL"`
	// PublishChanges also sends every reading on the connection's and the
	// global change channels.
	PublishChanges bool `yaml:"publish_changes" json:"publishChanges"`
}

// Valkey stores the latest value of each PID under
// <namespace>:<connection>:pids:<pid-name>.
type Valkey struct {
	cfg ValkeyConfig
	log *zap.Logger

	mu      sync.RWMutex
	client  *redis.Client
	running bool
}

func NewValkey(cfg ValkeyConfig, log *zap.Logger) *Valkey {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "goobd"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Valkey{cfg: cfg, log: log.Named("valkey")}
}

func (p *Valkey) Name() string { return "valkey" }

func (p *Valkey) Address() string {
	scheme := "redis"
	if p.cfg.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.cfg.Address)
}

func (p *Valkey) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Valkey) Start(ctx context.Context) error {
	if p.IsRunning() {
		return nil
	}
	opts := &redis.Options{
		Addr:         p.cfg.Address,
		Password:     p.cfg.Password,
		DB:           p.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect %s: %w", p.Address(), err)
	}
	p.log.Info("connected", zap.String("address", p.Address()), zap.Int("db", p.cfg.Database))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Key is where the latest value of pid on conn is stored.
func (p *Valkey) Key(conn, pid string) string {
	return joinKey(p.cfg.Namespace, conn, "pids", pid)
}

// Channels are the Pub/Sub channels a reading from conn is published on.
func (p *Valkey) Channels(conn string) []string {
	return []string{
		joinKey(p.cfg.Namespace, conn, "changes"),
		joinKey(p.cfg.Namespace, "_all", "changes"),
	}
}

func (p *Valkey) Publish(ctx context.Context, r obd.Reading) error {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return nil
	}
	data, err := json.Marshal(newMessage(r))
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.Key(r.Connection, r.Name), data, p.cfg.KeyTTL)
		if p.cfg.PublishChanges {
			for _, ch := range p.Channels(r.Connection) {
				pipe.Publish(ctx, ch, data)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", p.Key(r.Connection, r.Name), err)
	}
	return nil
}

func (p *Valkey) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client, p.running = nil, false
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// joinKey joins segments with ':' after trimming stray colons so no empty
// key parts appear. Connection ids keep their inner colons.
func joinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s = strings.Trim(s, ":"); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}
