package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
	"github.com/fieldgrid/otlink/notifier"
	"github.com/fieldgrid/otlink/store"
	"github.com/fieldgrid/otlink/telemetry"
)

type fakeStore struct {
	mu      sync.Mutex
	records []store.ConnectionRecord
	updates map[string][]store.StatusUpdate
	listErr error
}

func newFakeStore(records ...store.ConnectionRecord) *fakeStore {
	return &fakeStore{records: records, updates: make(map[string][]store.StatusUpdate)}
}

func (f *fakeStore) ListOTConnections(context.Context) ([]store.ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]store.ConnectionRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeStore) UpdateConnectionStatus(_ context.Context, id string, update store.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], update)
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].Status = update.Status
			f.records[i].LastError = update.LastError
			f.records[i].LastTestedAt = update.LastTestedAt
			f.records[i].LatencyMs = update.LatencyMs
		}
	}
	return nil
}

func (f *fakeStore) updateCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates[id])
}

func (f *fakeStore) lastUpdate(t *testing.T, id string) store.StatusUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	updates := f.updates[id]
	require.NotEmpty(t, updates, "no status update for %s", id)
	return updates[len(updates)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notifier.StatusTransitionEvent
}

func (r *eventRecorder) OnStatusChange(event notifier.StatusTransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []notifier.StatusTransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifier.StatusTransitionEvent, len(r.events))
	copy(out, r.events)
	return out
}

func opcuaRecord(id, endpoint string, status store.Status) store.ConnectionRecord {
	raw, _ := json.Marshal(map[string]string{"endpoint": endpoint})
	return store.ConnectionRecord{ID: id, Protocol: config.ProtocolOPCUA, Config: raw, Status: status}
}

func newScheduler(t *testing.T, st store.Store, sink notifier.Notifier, scheduler config.SchedulerConfig, drvs ...drivers.Driver) *HealthScheduler {
	t.Helper()
	svc, _ := newTestService(t, scheduler, drvs...)
	return NewHealthScheduler(svc, st, sink, zerolog.Nop(), telemetry.Noop())
}

func TestSweepUpdatesEveryRecordDespiteTimeout(t *testing.T) {
	driver := &fakeDriver{
		protocol: config.ProtocolOPCUA,
		connect: func(_ context.Context, cfg config.ConnectionConfig) (drivers.Handle, error) {
			if cfg.OPCUA.Endpoint == "opc.tcp://slow.local:4840" {
				time.Sleep(300 * time.Millisecond)
			}
			return newFakeHandle(), nil
		},
	}
	st := newFakeStore(
		opcuaRecord("c1", "opc.tcp://a.local:4840", store.StatusInactive),
		opcuaRecord("c2", "opc.tcp://slow.local:4840", store.StatusActive),
		opcuaRecord("c3", "opc.tcp://b.local:4840", store.StatusInactive),
	)
	recorder := &eventRecorder{}
	scheduler := config.SchedulerConfig{ProbeTimeout: config.Duration{Duration: 50 * time.Millisecond}}
	s := newScheduler(t, st, recorder, scheduler, driver)

	s.Sweep(context.Background())

	for _, id := range []string{"c1", "c2", "c3"} {
		require.Equal(t, 1, st.updateCount(id), "record %s must be updated exactly once", id)
	}
	require.Equal(t, store.StatusActive, st.lastUpdate(t, "c1").Status)
	slow := st.lastUpdate(t, "c2")
	require.Equal(t, store.StatusError, slow.Status)
	require.Contains(t, slow.LastError, "timed out")
}

func TestSweepEmitsEventOnlyOnTransition(t *testing.T) {
	driver := &fakeDriver{
		protocol: config.ProtocolOPCUA,
		connect: func(context.Context, config.ConnectionConfig) (drivers.Handle, error) {
			return nil, &drivers.ConnectError{Protocol: config.ProtocolOPCUA, Target: "a.local:4840", Err: context.DeadlineExceeded}
		},
	}
	st := newFakeStore(opcuaRecord("c1", "opc.tcp://a.local:4840", store.StatusActive))
	recorder := &eventRecorder{}
	s := newScheduler(t, st, recorder, config.SchedulerConfig{}, driver)

	s.Sweep(context.Background())
	s.Sweep(context.Background())

	require.Equal(t, 2, st.updateCount("c1"), "status must be written every sweep")
	events := recorder.all()
	require.Len(t, events, 1, "repeated identical outcomes must not re-notify")
	require.Equal(t, store.StatusActive, events[0].OldStatus)
	require.Equal(t, store.StatusError, events[0].NewStatus)
}

func TestSweepModbusTimeoutScenario(t *testing.T) {
	driver := &fakeDriver{
		protocol: config.ProtocolModbus,
		connect: func(context.Context, config.ConnectionConfig) (drivers.Handle, error) {
			time.Sleep(300 * time.Millisecond)
			return newFakeHandle(), nil
		},
	}
	raw := json.RawMessage(`{"transport":"tcp","host":"10.0.0.5","port":502,"unitId":1}`)
	st := newFakeStore(store.ConnectionRecord{ID: "c1", Protocol: config.ProtocolModbus, Config: raw, Status: store.StatusActive})
	recorder := &eventRecorder{}
	scheduler := config.SchedulerConfig{ProbeTimeout: config.Duration{Duration: 50 * time.Millisecond}}
	s := newScheduler(t, st, recorder, scheduler, driver)

	s.Sweep(context.Background())

	update := st.lastUpdate(t, "c1")
	require.Equal(t, store.StatusError, update.Status)
	require.Contains(t, update.LastError, "timed out")

	events := recorder.all()
	require.Len(t, events, 1)
	require.Equal(t, "c1", events[0].ConnectionID)
	require.Equal(t, store.StatusActive, events[0].OldStatus)
	require.Equal(t, store.StatusError, events[0].NewStatus)
}

func TestSweepSyntheticPassForUndriverProtocols(t *testing.T) {
	st := newFakeStore(
		store.ConnectionRecord{ID: "scada-1", Protocol: config.ProtocolSCADA, Status: store.StatusError},
		store.ConnectionRecord{ID: "mes-1", Protocol: config.ProtocolMES, Status: store.StatusActive},
	)
	recorder := &eventRecorder{}
	s := newScheduler(t, st, recorder, config.SchedulerConfig{})

	s.Sweep(context.Background())

	require.Equal(t, store.StatusActive, st.lastUpdate(t, "scada-1").Status)
	require.Equal(t, store.StatusActive, st.lastUpdate(t, "mes-1").Status)
	events := recorder.all()
	require.Len(t, events, 1, "only the error record transitions")
	require.Equal(t, "scada-1", events[0].ConnectionID)
}

func TestSweepParseFailureDoesNotAbort(t *testing.T) {
	driver := &fakeDriver{protocol: config.ProtocolOPCUA}
	st := newFakeStore(
		store.ConnectionRecord{ID: "bad", Protocol: config.ProtocolOPCUA, Config: json.RawMessage(`{`), Status: store.StatusActive},
		opcuaRecord("good", "opc.tcp://a.local:4840", store.StatusInactive),
	)
	recorder := &eventRecorder{}
	s := newScheduler(t, st, recorder, config.SchedulerConfig{}, driver)

	s.Sweep(context.Background())

	require.Equal(t, store.StatusError, st.lastUpdate(t, "bad").Status)
	require.NotEmpty(t, st.lastUpdate(t, "bad").LastError)
	require.Equal(t, store.StatusActive, st.lastUpdate(t, "good").Status)
}

func TestStartStopIdempotent(t *testing.T) {
	st := newFakeStore()
	s := newScheduler(t, st, &eventRecorder{}, config.SchedulerConfig{})

	require.False(t, s.Running())
	s.Start(time.Hour)
	s.Start(time.Hour)
	require.True(t, s.Running())

	s.Stop()
	require.False(t, s.Running())
	s.Stop()
	require.False(t, s.Running())
}

func TestStartWithoutIntervalUsesDefault(t *testing.T) {
	driver := &fakeDriver{protocol: config.ProtocolOPCUA}
	st := newFakeStore(opcuaRecord("c1", "opc.tcp://a.local:4840", store.StatusInactive))
	s := newScheduler(t, st, &eventRecorder{}, config.SchedulerConfig{}, driver)

	s.Start(0)
	defer s.Stop()

	require.True(t, s.Running())
	require.Eventually(t, func() bool {
		return st.updateCount("c1") == 1
	}, 2*time.Second, 10*time.Millisecond, "unset interval must still arm the loop and sweep")
}

func TestStartRunsImmediateSweep(t *testing.T) {
	driver := &fakeDriver{protocol: config.ProtocolOPCUA}
	st := newFakeStore(opcuaRecord("c1", "opc.tcp://a.local:4840", store.StatusInactive))
	s := newScheduler(t, st, &eventRecorder{}, config.SchedulerConfig{}, driver)

	s.Start(time.Hour)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return st.updateCount("c1") == 1
	}, 2*time.Second, 10*time.Millisecond, "first sweep must run without waiting for the interval")
}

func TestSweepListFailureSkipsQuietly(t *testing.T) {
	st := newFakeStore()
	st.listErr = context.DeadlineExceeded
	s := newScheduler(t, st, &eventRecorder{}, config.SchedulerConfig{})

	s.Sweep(context.Background())
}
