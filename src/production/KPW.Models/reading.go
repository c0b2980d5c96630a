package kpwmodels

import "time"

// ChannelKind names one sensor channel of a collar. The set is open; the
// normalizer knows units for the common ones.
type ChannelKind string

const (
	KindTemperature ChannelKind = "temperature"
	KindHumidity    ChannelKind = "humidity"
	KindLight       ChannelKind = "light"
	KindWeight      ChannelKind = "weight"
	KindMotion      ChannelKind = "motion"
)

// SensorReading is one value of one channel at one instant. Readings are
// append-only.
type SensorReading struct {
	ID        int64       `json:"id" db:"id"`
	DeviceID  string      `json:"deviceId" db:"device_id"`
	Kind      ChannelKind `json:"sensorType" db:"sensor_type"`
	Value     float64     `json:"value" db:"value"`
	Unit      string      `json:"unit" db:"unit"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}
