package live

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	implementation "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Implementation"
)

type fixedStatus struct {
	status kpwmodels.ConnectionStatus
}

func (s fixedStatus) Status() kpwmodels.ConnectionStatus { return s.status }

type envelope struct {
	Type     string                    `json:"type"`
	DeviceID string                    `json:"deviceId"`
	Devices  []kpwmodels.Device        `json:"devices"`
	Readings []kpwmodels.SensorReading `json:"readings"`
	Status   string                    `json:"status"`
	Message  string                    `json:"message"`
	Metrics  *kpwmodels.SystemMetrics  `json:"metrics"`
	Info     *kpwmodels.SystemInfo     `json:"info"`
}

// seededStore holds two collars, each worn by a different owner's pet
func seededStore(t *testing.T) *implementation.MemoryStore {
	t.Helper()
	store := storeWithPets()
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"KPCL0021", "KPCL0022"} {
		require.NoError(t, store.CreateDevice(ctx, kpwmodels.Device{DeviceID: id, Name: "New Device " + id, Status: kpwmodels.DeviceOnline, LastUpdate: &now}))
		_, err := store.AppendReading(ctx, kpwmodels.SensorReading{DeviceID: id, Kind: kpwmodels.KindWeight, Value: 4, Unit: "kg", Timestamp: now})
		require.NoError(t, err)
	}
	return store
}

func newTestRegistry(t *testing.T) (*Registry, *implementation.MemoryStore) {
	store := seededStore(t)
	snap := NewSnapshotter(store, store, fixedStatus{kpwmodels.ConnectionStatus{Status: kpwmodels.StatusConnected, Broker: "tcp://broker.emqx.io:1883"}}, kpwmodels.CurrentSystemInfo)
	return NewRegistry(snap, logger.NewNopLogger()), store
}

func drain(t *testing.T, ch *Channel) []envelope {
	t.Helper()
	var out []envelope
	for {
		select {
		case msg := <-ch.Messages():
			var env envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistry_RegisterEnqueuesFilteredSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	owner := NewChannel(kpwmodels.OwnerViewer("owner-7", []string{"KPCL0021"}), 16)
	admin := NewChannel(kpwmodels.AdminViewer(), 16)

	require.NoError(t, reg.Register(context.Background(), owner))
	require.NoError(t, reg.Register(context.Background(), admin))
	assert.Equal(t, 2, reg.Count())

	got := drain(t, owner)
	require.Len(t, got, 5)
	assert.Equal(t, []string{"devices", "latest_readings", "mqtt_status", "system_metrics", "system_info"},
		[]string{got[0].Type, got[1].Type, got[2].Type, got[3].Type, got[4].Type})

	require.Len(t, got[0].Devices, 1)
	assert.Equal(t, "KPCL0021", got[0].Devices[0].DeviceID)
	require.Len(t, got[1].Readings, 1)
	assert.Equal(t, "KPCL0021", got[1].Readings[0].DeviceID)
	assert.Equal(t, "connected", got[2].Status)
	assert.Equal(t, 1, got[3].Metrics.ActiveDevices)
	assert.Equal(t, "v2.1.0", got[4].Info.Version)

	adminGot := drain(t, admin)
	assert.Len(t, adminGot[0].Devices, 2)
	assert.Len(t, adminGot[1].Readings, 2)
	assert.Equal(t, 2, adminGot[3].Metrics.ActiveDevices)
}

func TestRegistry_BroadcastOnlyReachesViewersWhoCanSee(t *testing.T) {
	reg, _ := newTestRegistry(t)
	owner7 := NewChannel(kpwmodels.OwnerViewer("owner-7", []string{"KPCL0021"}), 16)
	owner9 := NewChannel(kpwmodels.OwnerViewer("owner-9", []string{"KPCL0022"}), 16)
	admin := NewChannel(kpwmodels.AdminViewer(), 16)
	for _, ch := range []*Channel{owner7, owner9, admin} {
		require.NoError(t, reg.Register(context.Background(), ch))
		drain(t, ch)
	}

	reg.Broadcast(kpwmodels.NewSensorDataEvent(kpwmodels.SensorReading{DeviceID: "KPCL0021", Kind: kpwmodels.KindTemperature, Value: 24.5, Unit: "°C", Timestamp: time.Now()}))
	reg.Broadcast(kpwmodels.NewDeviceEvent(kpwmodels.Device{DeviceID: "KPCL0022", Status: kpwmodels.DeviceOffline}))
	reg.BroadcastStatus(kpwmodels.ConnectionStatus{Status: kpwmodels.StatusDisconnected})

	got7 := drain(t, owner7)
	require.Len(t, got7, 2)
	assert.Equal(t, "sensor_data", got7[0].Type)
	assert.Equal(t, "KPCL0021", got7[0].DeviceID)
	assert.Equal(t, "mqtt_status", got7[1].Type)

	got9 := drain(t, owner9)
	require.Len(t, got9, 2)
	assert.Equal(t, "devices", got9[0].Type)
	assert.Equal(t, "mqtt_status", got9[1].Type)

	assert.Len(t, drain(t, admin), 3)
}

func TestRegistry_BroadcastEachBuildsPerViewer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	owner := NewChannel(kpwmodels.OwnerViewer("owner-7", []string{"KPCL0021"}), 16)
	admin := NewChannel(kpwmodels.AdminViewer(), 16)
	require.NoError(t, reg.Register(context.Background(), owner))
	require.NoError(t, reg.Register(context.Background(), admin))
	drain(t, owner)
	drain(t, admin)

	reg.BroadcastEach(func(v kpwmodels.Viewer) (kpwmodels.LiveEvent, bool) {
		if v.IsAdmin() {
			return kpwmodels.LiveEvent{}, false
		}
		m := kpwmodels.SystemMetrics{ActiveDevices: len(v.DeviceIDs())}
		return kpwmodels.LiveEvent{Type: kpwmodels.EventSystemMetrics, Metrics: &m}, true
	})

	got := drain(t, owner)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Metrics.ActiveDevices)
	assert.Empty(t, drain(t, admin))
}

func TestRegistry_SlowChannelIsDisconnectedAlone(t *testing.T) {
	reg, _ := newTestRegistry(t)
	slow := NewChannel(kpwmodels.AdminViewer(), 5)
	fast := NewChannel(kpwmodels.AdminViewer(), 64)
	require.NoError(t, reg.Register(context.Background(), slow))
	require.NoError(t, reg.Register(context.Background(), fast))

	reg.Broadcast(kpwmodels.NewStatusEvent(kpwmodels.ConnectionStatus{Status: kpwmodels.StatusConnected}))

	assert.Equal(t, 1, reg.Count())
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow channel should be released")
	}
	assert.Len(t, drain(t, fast), 6)

	reg.Unregister(slow)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_NonFiniteStoredReadingDoesNotBlockSnapshot(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := store.AppendReading(ctx, kpwmodels.SensorReading{DeviceID: "KPCL0021", Kind: kpwmodels.KindTemperature, Value: math.NaN(), Unit: "°C", Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = store.AppendReading(ctx, kpwmodels.SensorReading{DeviceID: "KPCL0022", Kind: kpwmodels.KindTemperature, Value: math.Inf(1), Unit: "°C", Timestamp: time.Now()})
	require.NoError(t, err)

	admin := NewChannel(kpwmodels.AdminViewer(), 16)
	require.NoError(t, reg.Register(ctx, admin))

	got := drain(t, admin)
	require.Len(t, got, 5)
	assert.Equal(t, "latest_readings", got[1].Type)
	require.Len(t, got[1].Readings, 2)
	for _, r := range got[1].Readings {
		assert.Equal(t, kpwmodels.KindWeight, r.Kind)
	}
}

func TestRegistry_SnapshotLargerThanQueue(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Register(context.Background(), NewChannel(kpwmodels.AdminViewer(), 2))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_Close(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ch := NewChannel(kpwmodels.AdminViewer(), 16)
	require.NoError(t, reg.Register(context.Background(), ch))

	reg.Close()
	assert.Equal(t, 0, reg.Count())
	<-ch.Done()

	late := NewChannel(kpwmodels.AdminViewer(), 16)
	assert.ErrorIs(t, reg.Register(context.Background(), late), ErrRegistryClosed)
	assert.False(t, late.enqueue([]byte("x")))
}
