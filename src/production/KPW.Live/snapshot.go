package live

import (
	"context"
	"fmt"
	"math"
	"time"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// StatusSource reports the current broker connection state
type StatusSource interface {
	Status() kpwmodels.ConnectionStatus
}

// Snapshotter reads the current state of the system as one viewer may see
// it. It serves both the bootstrap of new channels and the read-only REST
// endpoints.
type Snapshotter struct {
	devices  interfaces.DeviceRepository
	readings interfaces.ReadingRepository
	status   StatusSource
	info     kpwmodels.SystemInfo
	now      func() time.Time
}

func NewSnapshotter(devices interfaces.DeviceRepository, readings interfaces.ReadingRepository, status StatusSource, info kpwmodels.SystemInfo) *Snapshotter {
	return &Snapshotter{
		devices:  devices,
		readings: readings,
		status:   status,
		info:     info,
		now:      time.Now,
	}
}

func (s *Snapshotter) Devices(ctx context.Context, v kpwmodels.Viewer) ([]kpwmodels.Device, error) {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return FilterDevices(v, devices), nil
}

func (s *Snapshotter) LatestReadings(ctx context.Context, v kpwmodels.Viewer) ([]kpwmodels.SensorReading, error) {
	readings, err := s.readings.LatestReadings(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest readings: %w", err)
	}
	return FilterReadings(v, encodable(readings)), nil
}

// Device looks up one device without access filtering; callers check
// Viewer.CanSee first.
func (s *Snapshotter) Device(ctx context.Context, deviceID string) (*kpwmodels.Device, error) {
	return s.devices.GetDevice(ctx, deviceID)
}

// History returns a device's readings newest first
func (s *Snapshotter) History(ctx context.Context, deviceID string, kind kpwmodels.ChannelKind, limit int) ([]kpwmodels.SensorReading, error) {
	readings, err := s.readings.ReadingsForDevice(ctx, deviceID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("readings for %s: %w", deviceID, err)
	}
	return encodable(readings), nil
}

// encodable drops readings whose value JSON cannot carry, so one bad row
// cannot break the snapshot for every viewer
func encodable(readings []kpwmodels.SensorReading) []kpwmodels.SensorReading {
	out := readings[:0:0]
	for _, r := range readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Snapshotter) Metrics(ctx context.Context, v kpwmodels.Viewer) (kpwmodels.SystemMetrics, error) {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		return kpwmodels.SystemMetrics{}, fmt.Errorf("list devices: %w", err)
	}
	readings, err := s.readings.LatestReadings(ctx)
	if err != nil {
		return kpwmodels.SystemMetrics{}, fmt.Errorf("latest readings: %w", err)
	}
	return kpwmodels.ComputeSystemMetrics(devices, readings, v, s.now()), nil
}

func (s *Snapshotter) Info() kpwmodels.SystemInfo {
	return s.info
}

func (s *Snapshotter) Status() kpwmodels.ConnectionStatus {
	if s.status == nil {
		return kpwmodels.ConnectionStatus{Status: kpwmodels.StatusDisconnected}
	}
	return s.status.Status()
}

// Build returns the bootstrap events for a new channel in the order a
// dashboard renders them.
func (s *Snapshotter) Build(ctx context.Context, v kpwmodels.Viewer) ([]kpwmodels.LiveEvent, error) {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	readings, err := s.readings.LatestReadings(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest readings: %w", err)
	}
	readings = encodable(readings)

	metrics := kpwmodels.ComputeSystemMetrics(devices, readings, v, s.now())
	status := s.Status()
	info := s.info

	return []kpwmodels.LiveEvent{
		{Type: kpwmodels.EventDevices, Devices: FilterDevices(v, devices)},
		{Type: kpwmodels.EventLatestReadings, Readings: FilterReadings(v, readings)},
		{Type: kpwmodels.EventMQTTStatus, Status: &status},
		{Type: kpwmodels.EventSystemMetrics, Metrics: &metrics},
		{Type: kpwmodels.EventSystemInfo, Info: &info},
	}, nil
}
