package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/discovery"
	"github.com/shaunagostinho/goobd/internal/manager"
	"github.com/shaunagostinho/goobd/internal/obd"
	"github.com/shaunagostinho/goobd/internal/pid"
	"github.com/shaunagostinho/goobd/internal/publish"
	"github.com/shaunagostinho/goobd/internal/server"
	"github.com/shaunagostinho/goobd/internal/transport"
	"github.com/shaunagostinho/goobd/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Replace every transport with a simulated ELM327")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	scan := flag.String("scan", "", "Scan for adapters of this kind (ble, serial), print them and exit")
	scanFor := flag.Duration("scan-timeout", 5*time.Second, "How long -scan listens")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goobd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goobd: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("goobd starting", zap.String("config", cfg.Path()), zap.Bool("config_loaded", cfg.Loaded()), zap.Bool("demo", *demo))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scanners := map[transport.Kind]discovery.Scanner{
		transport.KindBLE:    discovery.NewBLEScanner(log),
		transport.KindSerial: discovery.NewSerialScanner(log),
		transport.KindUSB:    discovery.NewSerialScanner(log),
	}

	if *scan != "" {
		if err := runScan(ctx, scanners, *scan, *scanFor); err != nil {
			log.Fatal("scan failed", zap.Error(err))
		}
		return
	}

	factory := transport.DefaultFactory()
	if *demo {
		factory = transport.NewFactory()
		for _, k := range transport.Kinds() {
			factory.Register(k, transport.SimConstructor(transport.WithDTCs("P0301", "P0420")))
		}
	}
	mgr := manager.New(factory, pid.Default(), log)

	pub := publish.New(cfg.Publish, log)
	if err := pub.Start(ctx); err != nil {
		log.Warn("some publishers failed to start", zap.Error(err))
	}

	srv := server.New(cfg, mgr, scanners, log)
	srv.MountUI(web.FS)
	mgr.SetOnStateChange(srv.BroadcastState)
	mgr.SetOnReading(func(r obd.Reading) {
		srv.BroadcastReading(r)
		pub.Publish(r)
	})

	conns := cfg.Connections
	if *demo && len(conns) == 0 {
		conns = []server.ConnectionConfig{{
			Kind:       transport.KindSerial,
			Address:    "/dev/demo",
			ConnConfig: manager.ConnConfig{Poll: []string{"rpm", "speed", "coolant_temp", "throttle_pos"}},
		}}
	}
	// Connect with exponential backoff (non-blocking, the API starts regardless)
	for _, cc := range conns {
		go connectWithRetry(ctx, log, mgr, cc.Kind, cc.Address, cfg.Resolve(cc.ConnConfig), 10)
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}

	if err := mgr.CloseAll(); err != nil {
		log.Warn("close connections", zap.Error(err))
	}
	if err := pub.Stop(); err != nil {
		log.Warn("stop publishers", zap.Error(err))
	}
	log.Info("goobd stopped", zap.Int64("dropped_readings", pub.Dropped()))
}

func newLogger(cfg server.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func runScan(ctx context.Context, scanners map[transport.Kind]discovery.Scanner, kind string, timeout time.Duration) error {
	k, err := transport.ParseKind(kind)
	if err != nil {
		return err
	}
	s, ok := scanners[k]
	if !ok {
		return fmt.Errorf("%w: no scanner for %s", obd.ErrUnsupportedTransport, k)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch, err := s.Scan(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(discovery.Collect(ch))
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs attempt numbers up to
// maxAttempts and then continues at the max interval indefinitely. Requests
// that can never succeed (bad kind, bad profile) are not retried.
func connectWithRetry(ctx context.Context, log *zap.Logger, mgr *manager.Manager, kind transport.Kind, address string, cc manager.ConnConfig, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0
	log = log.With(zap.String("id", manager.ID(kind, address)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := mgr.Connect(ctx, kind, address, cc)
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt+1))
			return
		}
		if obd.Classify(err) == obd.ClassInvalid {
			log.Error("connection config rejected", zap.Error(err))
			return
		}
		attempt++
		if attempt <= maxAttempts {
			log.Warn("connect attempt failed", zap.Int("attempt", attempt), zap.Int("of", maxAttempts),
				zap.Duration("retry_in", delay), zap.Error(err))
		} else {
			log.Warn("connect attempt failed", zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
