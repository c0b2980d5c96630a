package kpwmodels

import "time"

// DeviceStatus is the reported liveness of a collar
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceWarning DeviceStatus = "warning"
)

// ParseDeviceStatus accepts only the known statuses.
func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	switch DeviceStatus(s) {
	case DeviceOnline, DeviceOffline, DeviceWarning:
		return DeviceStatus(s), true
	}
	return "", false
}

// Device is a collar known to the server. Ingestion only ever touches the
// telemetry fields (status, battery, last update); name and type belong to
// the operator.
type Device struct {
	DeviceID     string       `json:"deviceId" db:"device_id"`
	Name         string       `json:"name" db:"name"`
	Type         string       `json:"type" db:"type"`
	IPAddress    *string      `json:"ipAddress,omitempty" db:"ip_address"`
	Status       DeviceStatus `json:"status" db:"status"`
	BatteryLevel *int         `json:"batteryLevel,omitempty" db:"battery_level"`
	LastUpdate   *time.Time   `json:"lastUpdate,omitempty" db:"last_update"`
}

const (
	DefaultDeviceType    = "Unknown"
	DefaultBatteryLevel  = 100
	defaultDeviceNameFmt = "New Device "
)

// DefaultDeviceName is the name given to auto-provisioned collars.
func DefaultDeviceName(deviceID string) string {
	return defaultDeviceNameFmt + deviceID
}

// ClampBattery keeps a battery percentage inside 0..100.
func ClampBattery(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
