package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
	"github.com/fieldgrid/otlink/pool"
	"github.com/fieldgrid/otlink/telemetry"
)

type fakeHandle struct {
	alive  atomic.Bool
	closed atomic.Int32
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{}
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) Verify(context.Context) bool { return h.alive.Load() }

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

type fakeDriver struct {
	protocol config.Protocol
	connects atomic.Int32
	connect  func(ctx context.Context, cfg config.ConnectionConfig) (drivers.Handle, error)
}

func (d *fakeDriver) Protocol() config.Protocol { return d.protocol }

func (d *fakeDriver) Connect(ctx context.Context, cfg config.ConnectionConfig) (drivers.Handle, error) {
	d.connects.Add(1)
	if d.connect != nil {
		return d.connect(ctx, cfg)
	}
	return newFakeHandle(), nil
}

func newTestService(t *testing.T, scheduler config.SchedulerConfig, drvs ...drivers.Driver) (*Service, *pool.Pool) {
	t.Helper()
	p := pool.New(drvs, zerolog.Nop(), telemetry.Noop())
	t.Cleanup(func() { _ = p.CloseAll() })
	return New(p, scheduler, zerolog.Nop(), telemetry.Noop()), p
}

func TestTestConnectionReusesPooledSession(t *testing.T) {
	driver := &fakeDriver{protocol: config.ProtocolOPCUA}
	svc, _ := newTestService(t, config.SchedulerConfig{}, driver)

	raw := json.RawMessage(`{"endpoint":"opc.tcp://plc.local:4840"}`)
	first := svc.TestConnection(context.Background(), config.ProtocolOPCUA, raw)
	second := svc.TestConnection(context.Background(), config.ProtocolOPCUA, raw)

	require.True(t, first.Success)
	require.True(t, second.Success)
	require.Equal(t, int32(1), driver.connects.Load(), "second probe must reuse the pooled session")
}

func TestTestConnectionTimeout(t *testing.T) {
	driver := &fakeDriver{
		protocol: config.ProtocolModbus,
		connect: func(ctx context.Context, _ config.ConnectionConfig) (drivers.Handle, error) {
			time.Sleep(300 * time.Millisecond)
			return newFakeHandle(), nil
		},
	}
	scheduler := config.SchedulerConfig{ProbeTimeout: config.Duration{Duration: 50 * time.Millisecond}}
	svc, _ := newTestService(t, scheduler, driver)

	raw := json.RawMessage(`{"transport":"tcp","host":"10.0.0.5","port":502,"unitId":1}`)
	result := svc.TestConnection(context.Background(), config.ProtocolModbus, raw)

	require.False(t, result.Success)
	require.Contains(t, result.Message, "timed out")
}

func TestTestConnectionSyntheticPass(t *testing.T) {
	svc, _ := newTestService(t, config.SchedulerConfig{})

	for _, protocol := range []config.Protocol{config.ProtocolSCADA, config.ProtocolMES, config.ProtocolDataHistorian} {
		result := svc.TestConnection(context.Background(), protocol, nil)
		require.True(t, result.Success, "protocol %s", protocol)
		require.Equal(t, "not auto-checked", result.Message)
	}
}

func TestTestConnectionUnsupportedProtocol(t *testing.T) {
	svc, _ := newTestService(t, config.SchedulerConfig{})

	result := svc.TestConnection(context.Background(), config.Protocol("postgres"), nil)
	require.False(t, result.Success)
	require.Contains(t, result.Message, "unsupported protocol")
}

func TestTestConnectionInvalidConfig(t *testing.T) {
	driver := &fakeDriver{protocol: config.ProtocolOPCUA}
	svc, _ := newTestService(t, config.SchedulerConfig{}, driver)

	result := svc.TestConnection(context.Background(), config.ProtocolOPCUA, json.RawMessage(`{}`))
	require.False(t, result.Success)
	require.Equal(t, int32(0), driver.connects.Load(), "invalid config must not reach the driver")
}

func TestTestConnectionConnectFailureReportsLatency(t *testing.T) {
	driver := &fakeDriver{
		protocol: config.ProtocolMQTT,
		connect: func(context.Context, config.ConnectionConfig) (drivers.Handle, error) {
			return nil, &drivers.ConnectError{Protocol: config.ProtocolMQTT, Target: "broker.local:1883", Err: context.DeadlineExceeded}
		},
	}
	svc, _ := newTestService(t, config.SchedulerConfig{}, driver)

	raw := json.RawMessage(`{"broker":"broker.local","port":1883,"clientId":"probe"}`)
	result := svc.TestConnection(context.Background(), config.ProtocolMQTT, raw)

	require.False(t, result.Success)
	require.NotEmpty(t, result.Message)
}
