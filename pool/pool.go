// Package pool caches live protocol handles keyed by endpoint identity. It
// owns liveness verification and the evict/reconnect policy; callers never
// hold a handle across the pool's back.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
	"github.com/fieldgrid/otlink/telemetry"
)

type entry struct {
	key       string
	protocol  config.Protocol
	handle    drivers.Handle
	createdAt time.Time
}

// Pool is safe for concurrent callers. The entry map is guarded by a coarse
// lock; connect/verify work runs under a per-key lock so slow devices do not
// serialize lookups for unrelated keys.
type Pool struct {
	drivers   map[config.Protocol]drivers.Driver
	logger    zerolog.Logger
	collector telemetry.Collector

	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex
	closed  bool
}

// New builds a pool over the given drivers.
func New(drvs []drivers.Driver, logger zerolog.Logger, collector telemetry.Collector) *Pool {
	if collector == nil {
		collector = telemetry.Noop()
	}
	byProtocol := make(map[config.Protocol]drivers.Driver, len(drvs))
	for _, drv := range drvs {
		if drv != nil {
			byProtocol[drv.Protocol()] = drv
		}
	}
	return &Pool{
		drivers:   byProtocol,
		logger:    logger,
		collector: collector,
		entries:   make(map[string]*entry),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Get returns a live handle for the config, reusing a cached one when its
// liveness check passes. A stale handle is evicted, disconnected best-effort,
// and replaced by a fresh connect. Failed connects are never cached.
func (p *Pool) Get(ctx context.Context, cfg config.ConnectionConfig) (drivers.Handle, error) {
	driver, ok := p.drivers[cfg.Protocol]
	if !ok {
		return nil, &drivers.UnavailableError{Protocol: cfg.Protocol}
	}

	key := cfg.CacheKey()
	keyLock, err := p.lockFor(key)
	if err != nil {
		return nil, err
	}
	keyLock.Lock()
	defer keyLock.Unlock()

	if cached := p.lookup(key); cached != nil {
		if cached.handle.Verify(ctx) {
			p.collector.IncPoolHit(string(cfg.Protocol))
			return cached.handle, nil
		}
		p.evict(cached, "liveness check failed")
	}

	p.collector.IncPoolMiss(string(cfg.Protocol))
	handle, err := driver.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeQuietly(handle, p.logger, key)
		return nil, fmt.Errorf("pool is closed")
	}
	p.entries[key] = &entry{key: key, protocol: cfg.Protocol, handle: handle, createdAt: time.Now()}
	p.mu.Unlock()

	p.logger.Debug().Str("key", key).Msg("pool: cached new handle")
	return handle, nil
}

// Invalidate drops the cached handle for the key, disconnecting it
// best-effort. Read paths call this when a read fails on a protocol without
// its own liveness probe.
func (p *Pool) Invalidate(key string) {
	p.mu.Lock()
	cached, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.collector.IncPoolEviction(string(cached.protocol))
	closeQuietly(cached.handle, p.logger, key)
	p.logger.Debug().Str("key", key).Msg("pool: handle invalidated")
}

// Size reports the number of cached handles.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CloseAll disconnects every cached handle and marks the pool closed. Used at
// graceful shutdown.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, cached := range p.entries {
		entries = append(entries, cached)
	}
	p.entries = make(map[string]*entry)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, cached := range entries {
		if err := cached.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", cached.key, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) lockFor(key string) (*sync.Mutex, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("pool is closed")
	}
	lock, ok := p.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[key] = lock
	}
	return lock, nil
}

func (p *Pool) lookup(key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[key]
}

func (p *Pool) evict(cached *entry, reason string) {
	p.mu.Lock()
	if current, ok := p.entries[cached.key]; ok && current == cached {
		delete(p.entries, cached.key)
	}
	p.mu.Unlock()
	p.collector.IncPoolEviction(string(cached.protocol))
	closeQuietly(cached.handle, p.logger, cached.key)
	p.logger.Info().Str("key", cached.key).Str("reason", reason).Msg("pool: evicted stale handle")
}

func closeQuietly(handle drivers.Handle, logger zerolog.Logger, key string) {
	if err := handle.Close(); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("pool: disconnect failed")
	}
}
