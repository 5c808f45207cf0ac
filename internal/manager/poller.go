package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/connection"
	"github.com/shaunagostinho/goobd/internal/obd"
)

// poller reads a fixed PID list from one connection in its own goroutine.
type poller struct {
	m        *Manager
	e        *entry
	cmds     []obd.Command
	interval time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (m *Manager) newPoller(e *entry, cmds []obd.Command) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		m:        m,
		e:        e,
		cmds:     cmds,
		interval: e.cfg.pollInterval(),
		log:      m.log.Named("poll").With(zap.String("id", e.id)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *poller) start() {
	p.wg.Add(1)
	go p.loop()
}

// stop cancels any in-flight request and waits for the loop to exit.
func (p *poller) stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("polling", zap.Int("pids", len(p.cmds)), zap.Duration("interval", p.interval))
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *poller) poll() {
	conn := p.e.conn
	switch conn.State() {
	case connection.Ready:
	case connection.Faulted:
		if !p.e.cfg.ReopenOnFault {
			return
		}
		if err := conn.Reopen(p.ctx); err != nil {
			p.log.Debug("reopen failed", zap.Error(err))
			return
		}
		p.log.Info("reopened after fault")
	default:
		return
	}

	timeout := time.Duration(p.e.cfg.Timeout)
	for _, cmd := range p.cmds {
		if p.ctx.Err() != nil {
			return
		}
		if timeout > 0 {
			cmd.Timeout = timeout
		}
		resp, err := conn.Execute(p.ctx, cmd)
		if err != nil {
			switch obd.Classify(err) {
			case obd.ClassTransient, obd.ClassUnanswerable:
				// Busy with an API request, or the vehicle does not know
				// this PID. Try the next one.
				p.log.Debug("poll skipped", zap.Stringer("cmd", cmd), zap.Error(err))
				continue
			default:
				p.log.Warn("poll failed", zap.Stringer("cmd", cmd), zap.Error(err))
				return
			}
		}
		p.m.emit(obd.NewReading(p.e.id, resp))
	}
}

func (m *Manager) emit(r obd.Reading) {
	m.cbMu.RLock()
	fn := m.onReading
	m.cbMu.RUnlock()
	if fn != nil {
		fn(r)
	}
}
