package kpwmodels

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the discriminator of a LiveEvent envelope
type EventType string

const (
	EventSensorData     EventType = "sensor_data"
	EventDevices        EventType = "devices"
	EventLatestReadings EventType = "latest_readings"
	EventMQTTStatus     EventType = "mqtt_status"
	EventSystemMetrics  EventType = "system_metrics"
	EventSystemInfo     EventType = "system_info"
)

// Connection states reported in mqtt_status envelopes
const (
	StatusConnected       = "connected"
	StatusDisconnected    = "disconnected"
	StatusError           = "error"
	StatusConnectionError = "connection_error"
)

// ConnectionStatus describes the broker connection as seen by viewers
type ConnectionStatus struct {
	Status  string `json:"status"`
	Broker  string `json:"broker,omitempty"`
	Message string `json:"message,omitempty"`
}

// SystemMetrics is the dashboard summary, always computed per viewer
type SystemMetrics struct {
	ActiveDevices int       `json:"activeDevices"`
	ActiveSensors int       `json:"activeSensors"`
	Alerts        int       `json:"alerts"`
	LastUpdate    time.Time `json:"lastUpdate"`
}

// SystemInfo is static build information sent once per channel
type SystemInfo struct {
	Version     string `json:"version"`
	MQTTVersion string `json:"mqttVersion"`
	LastUpdate  string `json:"lastUpdate"`
}

// LiveEvent is one envelope pushed to dashboard channels. Only the payload
// matching Type is serialized. DeviceID scopes the event for the access
// filter; an empty DeviceID means every viewer may receive it.
type LiveEvent struct {
	Type     EventType
	DeviceID string

	Reading  *SensorReading
	Devices  []Device
	Readings []SensorReading
	Status   *ConnectionStatus
	Metrics  *SystemMetrics
	Info     *SystemInfo
}

type readingData struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// MarshalJSON renders the wire envelope for the event type
func (e LiveEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventSensorData:
		if e.Reading == nil {
			return nil, fmt.Errorf("sensor_data event without reading")
		}
		return json.Marshal(struct {
			Type       EventType   `json:"type"`
			DeviceID   string      `json:"deviceId"`
			SensorType ChannelKind `json:"sensorType"`
			Data       readingData `json:"data"`
			Timestamp  time.Time   `json:"timestamp"`
		}{e.Type, e.Reading.DeviceID, e.Reading.Kind, readingData{e.Reading.Value, e.Reading.Unit}, e.Reading.Timestamp})
	case EventDevices:
		devices := e.Devices
		if devices == nil {
			devices = []Device{}
		}
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Devices []Device  `json:"devices"`
		}{e.Type, devices})
	case EventLatestReadings:
		readings := e.Readings
		if readings == nil {
			readings = []SensorReading{}
		}
		return json.Marshal(struct {
			Type     EventType       `json:"type"`
			Readings []SensorReading `json:"readings"`
		}{e.Type, readings})
	case EventMQTTStatus:
		status := ConnectionStatus{Status: StatusDisconnected}
		if e.Status != nil {
			status = *e.Status
		}
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ConnectionStatus
		}{e.Type, status})
	case EventSystemMetrics:
		if e.Metrics == nil {
			return nil, fmt.Errorf("system_metrics event without metrics")
		}
		return json.Marshal(struct {
			Type    EventType      `json:"type"`
			Metrics *SystemMetrics `json:"metrics"`
		}{e.Type, e.Metrics})
	case EventSystemInfo:
		if e.Info == nil {
			return nil, fmt.Errorf("system_info event without info")
		}
		return json.Marshal(struct {
			Type EventType   `json:"type"`
			Info *SystemInfo `json:"info"`
		}{e.Type, e.Info})
	}
	return nil, fmt.Errorf("unknown live event type %q", e.Type)
}

// NewSensorDataEvent wraps a stored reading for broadcast
func NewSensorDataEvent(r SensorReading) LiveEvent {
	return LiveEvent{Type: EventSensorData, DeviceID: r.DeviceID, Reading: &r}
}

// NewDeviceEvent announces a single device change to viewers who can see it
func NewDeviceEvent(d Device) LiveEvent {
	return LiveEvent{Type: EventDevices, DeviceID: d.DeviceID, Devices: []Device{d}}
}

// NewStatusEvent wraps a connection status for broadcast
func NewStatusEvent(s ConnectionStatus) LiveEvent {
	return LiveEvent{Type: EventMQTTStatus, Status: &s}
}
