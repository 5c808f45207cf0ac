package publish

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// CSVConfig holds data logger configuration.
type CSVConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000

var csvHeader = []string{"timestamp", "connection", "ref", "pid", "value", "unit"}

// CSV records readings to timestamped files in a directory, starting a new
// file every MaxRows rows.
type CSV struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	last   map[string]time.Time
}

func NewCSV(cfg CSVConfig, log *zap.Logger) *CSV {
	if cfg.Path == "" {
		cfg.Path = "/var/log/goobd"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CSV{
		dir:      cfg.Path,
		interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		maxRows:  cfg.MaxRows,
		log:      log.Named("csv"),
		last:     make(map[string]time.Time),
	}
}

func (l *CSV) Name() string { return "csv" }

func (l *CSV) Start(context.Context) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	return nil
}

// Publish appends one row unless the same PID on the same connection was
// written less than the configured interval ago.
func (l *CSV) Publish(_ context.Context, r obd.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	key := r.Connection + "/" + r.Ref
	if l.interval > 0 && ts.Sub(l.last[key]) < l.interval {
		return nil
	}
	l.last[key] = ts

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(ts); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	}
	row := []string{
		ts.Format(time.RFC3339Nano),
		r.Connection,
		r.Ref,
		r.Name,
		formatValue(r.Value),
		r.Unit,
	}
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	l.writer.Flush()
	l.rows++
	return l.writer.Error()
}

func (l *CSV) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *CSV) rotateFile(now time.Time) error {
	if err := l.closeFile(); err != nil {
		l.log.Warn("close failed", zap.Error(err))
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	path := filepath.Join(l.dir, fmt.Sprintf("goobd_%s.csv", now.Format("2006-01-02_150405.000")))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()
	l.log.Info("opened", zap.String("path", path))
	return nil
}

func (l *CSV) closeFile() error {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case []obd.DTC:
		codes := make([]string, len(v))
		for i, d := range v {
			codes[i] = d.String()
		}
		return strings.Join(codes, " ")
	case []uint8:
		return fmt.Sprintf("% X", v)
	}
	return fmt.Sprint(v)
}
