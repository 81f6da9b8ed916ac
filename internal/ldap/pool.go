package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// Pool keeps bound connections to one server for reuse.
type Pool struct {
	ctx     context.Context // Logging context for background work
	lib     *Library
	config  *Config
	metrics *Metrics
	idle    chan *Conn
	mu      sync.RWMutex
	closed  bool

	// Statistics
	activeConns    int64
	totalCreated   int64
	totalDiscarded int64
	totalErrors    int64
	startTime      time.Time

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// NewPool creates a pool allocating connections for cfg from lib.
func NewPool(ctx context.Context, lib *Library, cfg *Config) (*Pool, error) {
	if lib == nil {
		return nil, errors.New("library cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		ctx:        ctx,
		lib:        lib,
		config:     cfg,
		metrics:    lib.metrics,
		idle:       make(chan *Conn, cfg.Pool.MaxConnections),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	if cfg.Pool.HealthCheck > 0 {
		p.startHealthChecker()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"connection":      cfg.Name,
		"max_connections": cfg.Pool.MaxConnections,
		"max_idle_time":   cfg.Pool.MaxIdleTime.String(),
		"health_check":    cfg.Pool.HealthCheck.String(),
	})
	return p, nil
}

// Get returns an idle connection or allocates and binds a new one.
// Allocation failures are returned as is.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	p.mu.RUnlock()

	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if time.Since(c.lastUsed) > p.config.Pool.MaxIdleTime || !c.Active() {
				p.destroy(ctx, c, "connection_discarded", "idle_timeout")
				continue
			}

			c.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			LogPoolEvent(ctx, "connection_acquired", c.fields(nil))
			p.updateMetrics()
			return c, nil

		default:
		}
		break
	}

	c, err := p.allocate(ctx)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		LogPoolEvent(ctx, "allocation_failed", map[string]any{
			"connection": p.config.Name,
			"error":      err.Error(),
		})
		return nil, err
	}

	atomic.AddInt64(&p.totalCreated, 1)
	atomic.AddInt64(&p.activeConns, 1)
	LogPoolEvent(ctx, "connection_allocated", c.fields(nil))
	p.updateMetrics()
	return c, nil
}

// allocate creates a connection and binds it with the administrative identity.
func (p *Pool) allocate(ctx context.Context) (*Conn, error) {
	c, err := p.lib.Allocate(ctx, p.config)
	if err != nil {
		return nil, err
	}

	status, err := c.Bind(ctx, BindRequest{
		DN:       p.config.Identity,
		Password: p.config.Password,
		SASL:     &p.config.SASL,
	})
	if status != StatusSuccess {
		_ = c.Destroy(ctx)
		if err == nil {
			err = fmt.Errorf("administrative bind returned %s", status)
		}
		return nil, err
	}

	c.lastUsed = time.Now()
	return c, nil
}

// Put hands c back. status is the outcome of the last operation on c; a
// connection that reported StatusBadConnection is destroyed.
func (p *Pool) Put(ctx context.Context, c *Conn, status Status) {
	if c == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)
	defer p.updateMetrics()

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		p.destroy(ctx, c, "connection_closed", "pool_closed")
		return
	case status == StatusBadConnection || !c.Active():
		p.destroy(ctx, c, "connection_discarded", "bad_connection")
		return
	}

	c.lastUsed = time.Now()
	select {
	case p.idle <- c:
		LogPoolEvent(ctx, "connection_released", c.fields(nil))
	default:
		p.destroy(ctx, c, "pool_full", "pool_full")
	}
}

// destroy tears c down and logs event.
func (p *Pool) destroy(ctx context.Context, c *Conn, event, reason string) error {
	if event == "connection_discarded" {
		atomic.AddInt64(&p.totalDiscarded, 1)
	}

	LogPoolEvent(ctx, event, c.fields(map[string]any{"reason": reason}))

	err := c.Destroy(ctx)
	if errors.Is(err, ErrNoHandle) {
		return nil
	}
	return err
}

// Close destroys every idle connection and stops health checking.
// Connections still checked out are destroyed when they are Put back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// A running health check puts connections back, which needs the lock.
	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	close(p.idle)
	for c := range p.idle {
		if err := p.destroy(ctx, c, "connection_closed", "pool_closed"); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		LogPoolEvent(ctx, "pool_close_failed", map[string]any{
			"connection": p.config.Name,
			"error":      err.Error(),
		})
		return err
	}

	p.metrics.setPool(0, atomic.LoadInt64(&p.activeConns))
	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Idle:      len(p.idle),
		Active:    atomic.LoadInt64(&p.activeConns),
		Created:   atomic.LoadInt64(&p.totalCreated),
		Discarded: atomic.LoadInt64(&p.totalDiscarded),
		Errors:    atomic.LoadInt64(&p.totalErrors),
		Uptime:    time.Since(p.startTime),
	}
}

// HealthCheck runs a root DSE search on every idle connection, destroying
// those that fail.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.mu.RUnlock()

	var toCheck []*Conn
checkLoop:
	for range cap(p.idle) {
		select {
		case c, ok := <-p.idle:
			if !ok {
				break checkLoop
			}
			toCheck = append(toCheck, c)
		default:
			break checkLoop
		}
	}

	var result *multierror.Error
	for _, c := range toCheck {
		atomic.AddInt64(&p.activeConns, 1)

		status, err := p.testConnection(ctx, c)
		if err != nil {
			LogPoolEvent(ctx, "health_check_failed", c.fields(map[string]any{
				"status": status.String(),
				"error":  err.Error(),
			}))
			result = multierror.Append(result, fmt.Errorf("connection %s: %w", c.ID(), err))
			status = StatusBadConnection
		}

		p.Put(ctx, c, status)
	}

	return result.ErrorOrNil()
}

// testConnection performs a minimal search that every server answers.
func (p *Pool) testConnection(ctx context.Context, c *Conn) (Status, error) {
	_, status, err := c.Search(ctx, &SearchRequest{
		BaseDN:        "",
		Scope:         ScopeBase,
		Filter:        defaultSearchFilter,
		Attributes:    []string{"1.1"},
		DiscardResult: true,
	})
	if status != StatusSuccess && err == nil {
		err = fmt.Errorf("root DSE search returned %s", status)
	}
	return status, err
}

// startHealthChecker starts the periodic health checker.
func (p *Pool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.Pool.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := p.healthCheckContext()
	defer cancel()

	_ = LogOperation(ctx, SubsystemPool, "health_check", map[string]any{"connection": p.config.Name}, func() error {
		if err := p.HealthCheck(ctx); err != nil && !errors.Is(err, ErrPoolClosed) {
			return err
		}
		return nil
	})
}

// healthCheckContext bounds a health check by the result and network
// timeouts. Both zero means no bound.
func (p *Pool) healthCheckContext() (context.Context, context.CancelFunc) {
	if budget := p.config.ResultTimeout + p.config.NetworkTimeout; budget > 0 {
		return context.WithTimeout(p.ctx, budget)
	}
	return context.WithCancel(p.ctx)
}

func (p *Pool) updateMetrics() {
	p.metrics.setPool(len(p.idle), atomic.LoadInt64(&p.activeConns))
}
