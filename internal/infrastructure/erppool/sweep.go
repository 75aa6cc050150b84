package erppool

import (
	"context"
	"errors"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"go.uber.org/zap"
)

var healthCheckerType = erp.ComponentType[erp.HealthChecker]()

func (p *ConnectionPool) startSweeper() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.done:
				return
			}
		}
	}()
}

// sweep runs one round of maintenance on the available handles.
func (p *ConnectionPool) sweep() {
	p.sweepAged()
	p.sweepIdle()
	p.checkHealth()
}

// sweepIdle disposes available handles that have been idle longer than
// IdleTimeout, keeping at least MinIdle of them. The oldest handles sit at
// the front of the available stack.
func (p *ConnectionPool) sweepIdle() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	deadline := nowFunc().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return 0
	}
	var expired []idleHandle
	for len(p.available) > p.cfg.MinIdle && p.available[0].returnedAt.Before(deadline) {
		ih := p.available[0]
		p.available[0] = idleHandle{}
		p.available = p.available[1:]
		delete(p.all, ih.h.ID())
		expired = append(expired, ih)
	}
	p.mu.Unlock()

	for _, ih := range expired {
		p.disposeHandle(ih.h, "idle timeout")
		p.idleClosed.Add(1)
	}
	if len(expired) > 0 {
		p.logger.Debug("Idle ERP handles closed", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// sweepAged disposes available handles older than MaxAge and schedules
// replacements up to MinIdle.
func (p *ConnectionPool) sweepAged() int {
	if p.cfg.MaxAge <= 0 {
		return 0
	}
	now := nowFunc()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return 0
	}
	var aged []erp.Handle
	kept := p.available[:0]
	for _, ih := range p.available {
		if m, ok := p.all[ih.h.ID()]; ok && p.expiredLocked(m, now) {
			delete(p.all, ih.h.ID())
			aged = append(aged, ih.h)
			continue
		}
		kept = append(kept, ih)
	}
	for i := len(kept); i < len(p.available); i++ {
		p.available[i] = idleHandle{}
	}
	p.available = kept
	deficit := p.deficitLocked()
	p.mu.Unlock()

	for _, h := range aged {
		p.disposeHandle(h, "max age")
		p.agedClosed.Add(1)
	}
	if len(aged) > 0 {
		p.logger.Debug("Aged ERP handles closed", zap.Int("count", len(aged)))
		p.topUp(deficit, "max age")
	}
	return len(aged)
}

// checkHealth pings every available handle. Handles are checked out for the
// ping and healthy ones go back with their original idle time.
func (p *ConnectionPool) checkHealth() int {
	if !p.cfg.HealthCheck {
		return 0
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return 0
	}
	type checked struct {
		m          *member
		returnedAt time.Time
	}
	batch := make([]checked, 0, len(p.available))
	for _, ih := range p.available {
		if m, ok := p.all[ih.h.ID()]; ok {
			m.inUse = true
			m.returning = true
			batch = append(batch, checked{m: m, returnedAt: ih.returnedAt})
		}
	}
	p.available = nil
	p.mu.Unlock()

	failed := 0
	for _, c := range batch {
		err := p.ping(c.m.h)
		p.closeHandle(c.m.h)

		p.mu.Lock()
		if p.disposed {
			// Dispose reached the handle through p.all.
			p.mu.Unlock()
			continue
		}
		c.m.returning = false
		c.m.inUse = false
		if err == nil {
			p.restoreLocked(c.m, c.returnedAt)
			p.mu.Unlock()
			continue
		}
		delete(p.all, c.m.h.ID())
		p.mu.Unlock()

		p.logger.Warn("ERP handle failed health check",
			zap.String("handle_id", c.m.h.ID().String()),
			zap.Error(err),
		)
		p.disposeHandle(c.m.h, "health check failed")
		p.unhealthy.Add(1)
		failed++
	}

	if failed > 0 {
		p.mu.Lock()
		deficit := p.deficitLocked()
		p.mu.Unlock()
		p.topUp(deficit, "health check")
	}
	return failed
}

func (p *ConnectionPool) ping(h erp.Handle) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.HealthCheckTimeout)
	defer cancel()

	v, err := h.CreateComponent(ctx, healthCheckerType)
	if errors.Is(err, erp.ErrUnknownComponent) {
		return nil
	}
	if err != nil {
		return err
	}
	hc, ok := v.(erp.HealthChecker)
	if !ok {
		return nil
	}
	return hc.Ping(ctx)
}

// deficitLocked is the number of creations needed to bring the idle handles,
// counting those in flight, back to MinIdle. p.mu is held.
func (p *ConnectionPool) deficitLocked() int {
	n := p.cfg.MinIdle - len(p.available) - p.pending
	if n < 0 {
		return 0
	}
	return n
}

func (p *ConnectionPool) topUp(n int, reason string) {
	for i := 0; i < n; i++ {
		p.replenish(reason)
	}
}
