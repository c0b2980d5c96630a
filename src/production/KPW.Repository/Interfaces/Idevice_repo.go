package interfaces

import (
	"context"
	"time"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

// DeviceTelemetry is the subset of a device that ingestion may change.
// Nil fields are left untouched.
type DeviceTelemetry struct {
	Status       *kpwmodels.DeviceStatus
	BatteryLevel *int
	LastUpdate   time.Time
}

type DeviceRepository interface {
	// GetDevice returns ErrNotFound for an unknown id
	GetDevice(ctx context.Context, deviceID string) (*kpwmodels.Device, error)

	// CreateDevice inserts a new device and returns ErrAlreadyExists when the
	// device id is taken
	CreateDevice(ctx context.Context, device kpwmodels.Device) error

	// UpdateDeviceTelemetry never touches name or type
	UpdateDeviceTelemetry(ctx context.Context, deviceID string, t DeviceTelemetry) (*kpwmodels.Device, error)

	// UpsertDevice is used for explicit registration and may rename the device
	UpsertDevice(ctx context.Context, device kpwmodels.Device) error

	ListDevices(ctx context.Context) ([]kpwmodels.Device, error)
}
