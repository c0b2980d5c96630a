package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	implementation "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Implementation"
)

type recordingBroadcaster struct {
	viewers []kpwmodels.Viewer

	mu      sync.Mutex
	events  []kpwmodels.LiveEvent
	targets map[string][]kpwmodels.LiveEvent
}

func newRecordingBroadcaster(viewers ...kpwmodels.Viewer) *recordingBroadcaster {
	return &recordingBroadcaster{viewers: viewers, targets: map[string][]kpwmodels.LiveEvent{}}
}

func (b *recordingBroadcaster) Broadcast(event kpwmodels.LiveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) BroadcastEach(build func(kpwmodels.Viewer) (kpwmodels.LiveEvent, bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.viewers {
		if ev, ok := build(v); ok {
			key := "admin"
			if !v.IsAdmin() {
				key = v.OwnerID()
			}
			b.targets[key] = append(b.targets[key], ev)
		}
	}
}

func (b *recordingBroadcaster) ofType(t kpwmodels.EventType) []kpwmodels.LiveEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kpwmodels.LiveEvent
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(topic string, payload []byte) error {
	args := m.Called(topic, payload)
	return args.Error(0)
}

type failingReadings struct {
	err error
}

func (f failingReadings) AppendReading(_ context.Context, r kpwmodels.SensorReading) (kpwmodels.SensorReading, error) {
	return r, f.err
}

func (f failingReadings) LatestReadings(context.Context) ([]kpwmodels.SensorReading, error) {
	return nil, f.err
}

func (f failingReadings) ReadingsForDevice(context.Context, string, kpwmodels.ChannelKind, int) ([]kpwmodels.SensorReading, error) {
	return nil, f.err
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		Workers:              4,
		QueueSize:            64,
		DeviceOfflineTimeout: 15 * time.Second,
		OfflineSweepInterval: time.Second,
		MetricsInterval:      time.Second,
		BreakerMaxFailures:   3,
		BreakerResetTimeout:  time.Minute,
	}
}

func newTestPipeline(store *implementation.MemoryStore, b Broadcaster, pub Publisher) *Pipeline {
	log := logger.NewNopLogger()
	return NewPipeline(testIngestConfig(), "kittypaw/errors", Deps{
		Directory:   NewDirectory(store, log),
		Readings:    store,
		Archive:     store,
		Broadcaster: b,
		Publisher:   pub,
	}, log)
}

func TestPipeline_CollarMessageEndToEnd(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	p := newTestPipeline(store, b, nil)

	p.HandleMessage("KPCL0021/pub", []byte(`{"device_id":"KPCL0021","temperature":24.5,"humidity":55,"light":300,"weight":4.2}`))
	p.Close()

	readings := store.Readings("KPCL0021")
	assert.Len(t, readings, 4)
	for _, r := range readings {
		assert.NotZero(t, r.ID)
	}

	dev, err := store.GetDevice(context.Background(), "KPCL0021")
	require.NoError(t, err)
	assert.Equal(t, kpwmodels.DeviceOnline, dev.Status)

	assert.Len(t, b.ofType(kpwmodels.EventSensorData), 4)
	devEvents := b.ofType(kpwmodels.EventDevices)
	require.Len(t, devEvents, 1)
	assert.Equal(t, "KPCL0021", devEvents[0].Devices[0].DeviceID)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(4), stats.Persisted)
	assert.Equal(t, int64(0), stats.Dropped)
	assert.Equal(t, "closed", stats.BreakerState)

	archived := store.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, "KPCL0021", archived[0].DeviceID)
	assert.Empty(t, archived[0].Error)
}

func TestPipeline_LegacyBatteryUpdateRebroadcastsDevice(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	p := newTestPipeline(store, b, nil)

	p.HandleMessage("esp8266/ESP01/light", []byte(`{"value":300}`))
	p.HandleMessage("esp8266/ESP01/light", []byte(`{"value":310}`))
	p.HandleMessage("esp8266/ESP01/light", []byte(`{"value":512,"battery":80}`))
	p.Close()

	dev, err := store.GetDevice(context.Background(), "ESP01")
	require.NoError(t, err)
	assert.Equal(t, 80, *dev.BatteryLevel)

	devEvents := b.ofType(kpwmodels.EventDevices)
	require.Len(t, devEvents, 2, "created, then battery changed")
	assert.Equal(t, 100, *devEvents[0].Devices[0].BatteryLevel)
	assert.Equal(t, 80, *devEvents[1].Devices[0].BatteryLevel)

	sensor := b.ofType(kpwmodels.EventSensorData)
	require.Len(t, sensor, 3)
	assert.Equal(t, 512.0, sensor[2].Reading.Value)
	assert.Equal(t, "lux", sensor[2].Reading.Unit)
}

func TestPipeline_PreservesPerDeviceOrder(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	p := newTestPipeline(store, b, nil)

	for i := 0; i < 50; i++ {
		for _, id := range []string{"ESP01", "ESP02", "ESP03"} {
			p.HandleMessage(fmt.Sprintf("esp8266/%s/weight", id), []byte(fmt.Sprintf(`{"value":%d}`, i)))
		}
	}
	p.Close()

	for _, id := range []string{"ESP01", "ESP02", "ESP03"} {
		readings := store.Readings(id)
		require.Len(t, readings, 50)
		for i, r := range readings {
			assert.Equal(t, float64(i), r.Value, "device %s", id)
		}
	}
}

func TestPipeline_MalformedMessageIsDroppedAndReported(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	pub := &mockPublisher{}
	pub.On("Publish", "kittypaw/errors/KPCL0021", mock.MatchedBy(func(payload []byte) bool {
		var body map[string]interface{}
		if err := json.Unmarshal(payload, &body); err != nil {
			return false
		}
		return body["error_type"] == "missing_device_id" && body["topic"] == "KPCL0021/pub"
	})).Return(nil).Once()

	p := newTestPipeline(store, b, pub)
	p.HandleMessage("KPCL0021/pub", []byte(`{"temperature":20}`))
	p.Close()

	pub.AssertExpectations(t)
	devices, err := store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Empty(t, b.ofType(kpwmodels.EventSensorData))
	assert.Equal(t, int64(1), p.Stats().Dropped)

	archived := store.Archived()
	require.Len(t, archived, 1)
	assert.Contains(t, archived[0].Error, "device_id")
}

func TestPipeline_NonFiniteValueDropsWholePayload(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	p := newTestPipeline(store, b, nil)

	p.HandleMessage("KPCL0021/pub", []byte(`{"device_id":"KPCL0021","temperature":"NaN","weight":4.2}`))
	p.Close()

	assert.Empty(t, store.Readings("KPCL0021"))
	assert.Empty(t, b.ofType(kpwmodels.EventSensorData))
	assert.Equal(t, int64(1), p.Stats().Dropped)

	archived := store.Archived()
	require.Len(t, archived, 1)
	assert.NotEmpty(t, archived[0].Error)
}

func TestPipeline_ErrorFeedbackDisabledWithoutPrefix(t *testing.T) {
	store := implementation.NewMemoryStore()
	pub := &mockPublisher{}
	log := logger.NewNopLogger()
	p := NewPipeline(testIngestConfig(), "", Deps{
		Directory:   NewDirectory(store, log),
		Readings:    store,
		Broadcaster: newRecordingBroadcaster(),
		Publisher:   pub,
	}, log)

	p.HandleMessage("KPCL0021/pub", []byte(`nope`))
	p.Close()

	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestPipeline_PersistenceFailureStillBroadcasts(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	pub := &mockPublisher{}
	pub.On("Publish", "kittypaw/errors/KPCL0021", mock.Anything).Return(nil)

	log := logger.NewNopLogger()
	p := NewPipeline(testIngestConfig(), "kittypaw/errors", Deps{
		Directory:   NewDirectory(store, log),
		Readings:    failingReadings{err: errors.New("connection refused")},
		Broadcaster: b,
		Publisher:   pub,
	}, log)

	for i := 0; i < 5; i++ {
		p.HandleMessage("KPCL0021/pub", []byte(`{"device_id":"KPCL0021","weight":4.1}`))
	}
	p.Close()

	assert.Len(t, b.ofType(kpwmodels.EventSensorData), 5)
	stats := p.Stats()
	assert.Equal(t, int64(5), stats.PersistFailures)
	assert.Equal(t, int64(0), stats.Persisted)
	assert.Equal(t, "open", stats.BreakerState)
	// once open, the breaker stops both the writes and the error feedback
	pub.AssertNumberOfCalls(t, "Publish", 3)
}

func TestPipeline_SweepMarksSilentDevicesOffline(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster()
	p := newTestPipeline(store, b, nil)

	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	p.HandleMessage("esp8266/ESP01/light", []byte(`{"value":1}`))
	p.Close()

	clock = clock.Add(10 * time.Second)
	p.SweepOffline(context.Background())
	assert.Len(t, b.ofType(kpwmodels.EventDevices), 1, "still within the timeout")

	clock = clock.Add(10 * time.Second)
	p.SweepOffline(context.Background())

	devEvents := b.ofType(kpwmodels.EventDevices)
	require.Len(t, devEvents, 2)
	assert.Equal(t, kpwmodels.DeviceOffline, devEvents[1].Devices[0].Status)

	dev, err := store.GetDevice(context.Background(), "ESP01")
	require.NoError(t, err)
	assert.Equal(t, kpwmodels.DeviceOffline, dev.Status)

	p.SweepOffline(context.Background())
	assert.Len(t, b.ofType(kpwmodels.EventDevices), 2, "already offline devices are not swept again")
}

func TestPipeline_MetricsAreFilteredPerViewer(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster(
		kpwmodels.AdminViewer(),
		kpwmodels.OwnerViewer("owner-7", []string{"KPCL0021"}),
	)
	p := newTestPipeline(store, b, nil)

	p.HandleMessage("KPCL0021/pub", []byte(`{"device_id":"KPCL0021","temperature":24.5,"humidity":55,"battery":15}`))
	p.HandleMessage("KPCL0022/pub", []byte(`{"device_id":"KPCL0022","light":120}`))
	p.Close()

	require.NoError(t, p.BroadcastMetrics(context.Background()))

	admin := b.targets["admin"]
	require.Len(t, admin, 1)
	assert.Equal(t, kpwmodels.EventSystemMetrics, admin[0].Type)
	assert.Equal(t, 2, admin[0].Metrics.ActiveDevices)
	assert.Equal(t, 3, admin[0].Metrics.ActiveSensors)
	assert.Equal(t, 1, admin[0].Metrics.Alerts)

	owner := b.targets["owner-7"]
	require.Len(t, owner, 1)
	assert.Equal(t, 1, owner[0].Metrics.ActiveDevices)
	assert.Equal(t, 2, owner[0].Metrics.ActiveSensors)
	assert.Equal(t, 1, owner[0].Metrics.Alerts)
}

func TestPipeline_RunMetricsLoopOnlyAfterChanges(t *testing.T) {
	store := implementation.NewMemoryStore()
	b := newRecordingBroadcaster(kpwmodels.AdminViewer())
	log := logger.NewNopLogger()
	cfg := testIngestConfig()
	cfg.MetricsInterval = 10 * time.Millisecond
	p := NewPipeline(cfg, "", Deps{Directory: NewDirectory(store, log), Readings: store, Broadcaster: b}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunMetricsLoop(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	b.mu.Lock()
	assert.Empty(t, b.targets["admin"], "nothing changed yet")
	b.mu.Unlock()

	p.HandleMessage("KPCL0021/pub", []byte(`{"device_id":"KPCL0021","weight":4}`))
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.targets["admin"]) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	p.Close()
}
