package ingestor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// Outcome reports what Ensure changed
type Outcome struct {
	Created        bool
	StatusChanged  bool
	BatteryChanged bool
}

// Changed reports whether viewers should receive an updated device entry
func (o Outcome) Changed() bool {
	return o.Created || o.StatusChanged || o.BatteryChanged
}

// Directory auto-provisions collars and keeps their telemetry current.
// Uniqueness is enforced by the repository; a lost creation race turns
// into an update.
type Directory struct {
	repo   interfaces.DeviceRepository
	cache  cmap.ConcurrentMap[string, kpwmodels.Device]
	logger *logger.Logger
	now    func() time.Time
}

func NewDirectory(repo interfaces.DeviceRepository, log *logger.Logger) *Directory {
	return &Directory{
		repo:   repo,
		cache:  cmap.New[kpwmodels.Device](),
		logger: log.WithComponent("directory"),
		now:    time.Now,
	}
}

func (d *Directory) lookup(ctx context.Context, deviceID string) (kpwmodels.Device, bool, error) {
	if dev, ok := d.cache.Get(deviceID); ok {
		return dev, true, nil
	}
	dev, err := d.repo.GetDevice(ctx, deviceID)
	switch {
	case err == nil:
		d.cache.Set(deviceID, *dev)
		return *dev, true, nil
	case errors.Is(err, interfaces.ErrNotFound):
		return kpwmodels.Device{}, false, nil
	default:
		return kpwmodels.Device{}, false, err
	}
}

// Ensure creates the device on first sighting, otherwise updates status,
// battery and last update. Name and type are never touched here.
func (d *Directory) Ensure(ctx context.Context, deviceID string, h Hints) (kpwmodels.Device, Outcome, error) {
	now := d.now()
	status := kpwmodels.DeviceOnline
	if h.Status != nil {
		status = *h.Status
	}

	previous, known, err := d.lookup(ctx, deviceID)
	if err != nil {
		return kpwmodels.Device{}, Outcome{}, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}

	if !known {
		dev, created, err := d.provision(ctx, deviceID, status, h.Battery, now)
		if err != nil {
			return kpwmodels.Device{}, Outcome{}, err
		}
		if created {
			return dev, Outcome{Created: true}, nil
		}
	}

	telemetry := interfaces.DeviceTelemetry{
		Status:       &status,
		BatteryLevel: h.Battery,
		LastUpdate:   now,
	}
	updated, err := d.repo.UpdateDeviceTelemetry(ctx, deviceID, telemetry)
	if known && errors.Is(err, interfaces.ErrNotFound) {
		// row removed behind the cache
		d.cache.Remove(deviceID)
		d.logger.Logger.Warn().Str("device_id", deviceID).Msg("Cached device missing from store, provisioning again")
		dev, created, perr := d.provision(ctx, deviceID, status, h.Battery, now)
		if perr != nil {
			return kpwmodels.Device{}, Outcome{}, perr
		}
		if created {
			return dev, Outcome{Created: true}, nil
		}
		updated, err = d.repo.UpdateDeviceTelemetry(ctx, deviceID, telemetry)
	}
	if err != nil {
		return kpwmodels.Device{}, Outcome{}, fmt.Errorf("update device %s: %w", deviceID, err)
	}
	d.cache.Set(deviceID, *updated)

	var out Outcome
	if known {
		out.StatusChanged = previous.Status != updated.Status
		out.BatteryChanged = !sameBattery(previous.BatteryLevel, updated.BatteryLevel)
	}
	return *updated, out, nil
}

// provision creates a device with defaults. created is false when another
// writer got there first and the caller should update instead.
func (d *Directory) provision(ctx context.Context, deviceID string, status kpwmodels.DeviceStatus, battery *int, now time.Time) (kpwmodels.Device, bool, error) {
	level := kpwmodels.DefaultBatteryLevel
	if battery != nil {
		level = *battery
	}
	dev := kpwmodels.Device{
		DeviceID:     deviceID,
		Name:         kpwmodels.DefaultDeviceName(deviceID),
		Type:         kpwmodels.DefaultDeviceType,
		Status:       status,
		BatteryLevel: &level,
		LastUpdate:   &now,
	}
	err := d.repo.CreateDevice(ctx, dev)
	if err == nil {
		d.cache.Set(deviceID, dev)
		d.logger.Logger.Info().Str("device_id", deviceID).Msg("Provisioned new device")
		return dev, true, nil
	}
	if !errors.Is(err, interfaces.ErrAlreadyExists) {
		return kpwmodels.Device{}, false, fmt.Errorf("create device %s: %w", deviceID, err)
	}
	d.logger.Logger.Debug().Str("device_id", deviceID).Msg("Device created concurrently, updating instead")
	return kpwmodels.Device{}, false, nil
}

// MarkStatus sets the status without touching the last update time
func (d *Directory) MarkStatus(ctx context.Context, deviceID string, status kpwmodels.DeviceStatus) (kpwmodels.Device, bool, error) {
	previous, known, err := d.lookup(ctx, deviceID)
	if err != nil {
		return kpwmodels.Device{}, false, err
	}
	if !known {
		return kpwmodels.Device{}, false, interfaces.ErrNotFound
	}
	if previous.Status == status {
		return previous, false, nil
	}

	lastUpdate := d.now()
	if previous.LastUpdate != nil {
		lastUpdate = *previous.LastUpdate
	}
	updated, err := d.repo.UpdateDeviceTelemetry(ctx, deviceID, interfaces.DeviceTelemetry{Status: &status, LastUpdate: lastUpdate})
	if errors.Is(err, interfaces.ErrNotFound) {
		d.cache.Remove(deviceID)
	}
	if err != nil {
		return kpwmodels.Device{}, false, err
	}
	d.cache.Set(deviceID, *updated)
	d.logger.Logger.Info().Str("device_id", deviceID).Str("status", string(status)).Msg("Device status changed")
	return *updated, true, nil
}

// Register stores an operator-provided device, filling defaults for blank
// fields, and returns the stored row.
func (d *Directory) Register(ctx context.Context, device kpwmodels.Device) (kpwmodels.Device, error) {
	device.DeviceID = strings.TrimSpace(device.DeviceID)
	if device.DeviceID == "" {
		return kpwmodels.Device{}, fmt.Errorf("device id is required")
	}
	if device.Name == "" {
		device.Name = kpwmodels.DefaultDeviceName(device.DeviceID)
	}
	if device.Type == "" {
		device.Type = kpwmodels.DefaultDeviceType
	}
	if device.Status == "" {
		device.Status = kpwmodels.DeviceOffline
	}
	if device.BatteryLevel != nil {
		b := kpwmodels.ClampBattery(*device.BatteryLevel)
		device.BatteryLevel = &b
	}

	if err := d.repo.UpsertDevice(ctx, device); err != nil {
		return kpwmodels.Device{}, err
	}
	stored, err := d.repo.GetDevice(ctx, device.DeviceID)
	if err != nil {
		return kpwmodels.Device{}, err
	}
	d.cache.Set(device.DeviceID, *stored)
	return *stored, nil
}

// List returns every known device from the repository
func (d *Directory) List(ctx context.Context) ([]kpwmodels.Device, error) {
	return d.repo.ListDevices(ctx)
}

func sameBattery(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
