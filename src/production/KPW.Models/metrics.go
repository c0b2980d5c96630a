package kpwmodels

import "time"

// LowBatteryThreshold is the level at or below which a collar counts as an alert
const LowBatteryThreshold = 20

// ComputeSystemMetrics summarizes what the viewer may see: online devices,
// live sensor channels, and devices needing attention.
func ComputeSystemMetrics(devices []Device, latest []SensorReading, viewer Viewer, now time.Time) SystemMetrics {
	m := SystemMetrics{LastUpdate: now}
	for _, d := range devices {
		if !viewer.CanSee(d.DeviceID) {
			continue
		}
		if d.Status == DeviceOnline {
			m.ActiveDevices++
		}
		if d.Status == DeviceWarning || (d.BatteryLevel != nil && *d.BatteryLevel <= LowBatteryThreshold) {
			m.Alerts++
		}
	}
	for _, r := range latest {
		if viewer.CanSee(r.DeviceID) {
			m.ActiveSensors++
		}
	}
	return m
}

// CurrentSystemInfo is the build information reported to dashboards
var CurrentSystemInfo = SystemInfo{
	Version:     "v2.1.0",
	MQTTVersion: "v1.4.3",
	LastUpdate:  "2023-10-14",
}
