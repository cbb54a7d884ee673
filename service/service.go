// Package service ties the connection pool, drivers, and store together. It
// hosts the on-demand probe and read facade used by the route layer, and the
// background health-check scheduler.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers/modbus"
	"github.com/fieldgrid/otlink/drivers/mqtt"
	"github.com/fieldgrid/otlink/drivers/opcua"
	"github.com/fieldgrid/otlink/pool"
	"github.com/fieldgrid/otlink/telemetry"
	"github.com/fieldgrid/otlink/timed"
)

// ProbeResult is the outcome of one connectivity test.
type ProbeResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latencyMs"`
}

const syntheticPassMessage = "not auto-checked"

// Service is the probe and read facade shared by the scheduler and the
// foreground API callers. All network I/O goes through the pool and is
// bounded by the configured deadlines.
type Service struct {
	pool      *pool.Pool
	logger    zerolog.Logger
	collector telemetry.Collector
	scheduler config.SchedulerConfig
}

// New builds the facade around an existing pool.
func New(p *pool.Pool, scheduler config.SchedulerConfig, logger zerolog.Logger, collector telemetry.Collector) *Service {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Service{
		pool:      p,
		logger:    logger.With().Str("component", "service").Logger(),
		collector: collector,
		scheduler: scheduler,
	}
}

// TestConnection parses the raw record config and probes the device through
// the pool with the probe deadline. OT protocols without a driver pass
// synthetically so they never alarm; anything else must parse and connect.
func (s *Service) TestConnection(ctx context.Context, protocol config.Protocol, raw json.RawMessage) ProbeResult {
	if !protocol.HasDriver() {
		if protocol.IsOT() {
			return ProbeResult{Success: true, Message: syntheticPassMessage}
		}
		return ProbeResult{Success: false, Message: fmt.Sprintf("unsupported protocol %q", protocol)}
	}

	cfg, err := config.ParseConnection(protocol, raw)
	if err != nil {
		return ProbeResult{Success: false, Message: err.Error()}
	}
	return s.probe(ctx, cfg)
}

// probe acquires a verified handle within the probe deadline. The pool's Get
// already performs connect-or-reuse plus the protocol's liveness check, so a
// successful return is the probe passing.
func (s *Service) probe(ctx context.Context, cfg config.ConnectionConfig) ProbeResult {
	started := time.Now()
	_, err := timed.Run(ctx, s.scheduler.ProbeDeadline(), func(ctx context.Context) (struct{}, error) {
		_, err := s.pool.Get(ctx, cfg)
		return struct{}{}, err
	})
	elapsed := time.Since(started)
	s.collector.ObserveProbe(string(cfg.Protocol), err == nil, elapsed)

	result := ProbeResult{Success: err == nil, LatencyMs: elapsed.Milliseconds()}
	if err != nil {
		result.Message = err.Error()
		var timeout *timed.TimeoutError
		if errors.As(err, &timeout) {
			result.Message = fmt.Sprintf("connectivity test timed out after %s", timeout.After)
		}
	}
	return result
}

// ReadOPCUA reads a batch of node ids within the read deadline. The result
// preserves input order with per-node quality and status.
func (s *Service) ReadOPCUA(ctx context.Context, raw json.RawMessage, nodeIDs []string) ([]opcua.NodeValue, error) {
	cfg, err := config.ParseConnection(config.ProtocolOPCUA, raw)
	if err != nil {
		return nil, err
	}
	return timed.Run(ctx, s.scheduler.ReadDeadline(), func(ctx context.Context) ([]opcua.NodeValue, error) {
		handle, err := s.pool.Get(ctx, cfg)
		if err != nil {
			return nil, err
		}
		session, ok := handle.(*opcua.Handle)
		if !ok {
			return nil, fmt.Errorf("unexpected handle type %T for opcua", handle)
		}
		values, err := session.Read(ctx, nodeIDs)
		if err != nil {
			s.pool.Invalidate(cfg.CacheKey())
			return nil, err
		}
		return values, nil
	})
}

// ReadMQTT subscribes to the topics and collects arriving messages for the
// configured window. The window itself is the operation's duration, so the
// deadline wraps window plus connect with a small margin.
func (s *Service) ReadMQTT(ctx context.Context, raw json.RawMessage, topics []string) ([]mqtt.Sample, error) {
	cfg, err := config.ParseConnection(config.ProtocolMQTT, raw)
	if err != nil {
		return nil, err
	}
	window := s.scheduler.MQTTCollectWindow()
	deadline := s.scheduler.ReadDeadline()
	if deadline <= window {
		deadline = window + s.scheduler.ProbeDeadline()
	}
	return timed.Run(ctx, deadline, func(ctx context.Context) ([]mqtt.Sample, error) {
		handle, err := s.pool.Get(ctx, cfg)
		if err != nil {
			return nil, err
		}
		session, ok := handle.(*mqtt.Handle)
		if !ok {
			return nil, fmt.Errorf("unexpected handle type %T for mqtt", handle)
		}
		return session.Collect(ctx, topics, window)
	})
}

// ReadModbus reads one register or coil per request within the read deadline.
// Per-address failures stay inside the result; an all-failed batch marks the
// transport dead and invalidates the pooled handle so the next caller
// reconnects.
func (s *Service) ReadModbus(ctx context.Context, raw json.RawMessage, requests []modbus.Request) ([]modbus.Value, error) {
	cfg, err := config.ParseConnection(config.ProtocolModbus, raw)
	if err != nil {
		return nil, err
	}
	return timed.Run(ctx, s.scheduler.ReadDeadline(), func(ctx context.Context) ([]modbus.Value, error) {
		handle, err := s.pool.Get(ctx, cfg)
		if err != nil {
			return nil, err
		}
		link, ok := handle.(*modbus.Handle)
		if !ok {
			return nil, fmt.Errorf("unexpected handle type %T for modbus", handle)
		}
		values := link.Read(ctx, requests)
		if len(requests) > 0 && modbus.ErrorCount(values) == len(requests) {
			s.pool.Invalidate(cfg.CacheKey())
		}
		return values, nil
	})
}
