package kpwmodels

import "time"

// RawMessage is the archived form of an inbound broker message, kept
// whether or not it normalized successfully.
type RawMessage struct {
	Topic      string    `bson:"topic" json:"topic"`
	Payload    string    `bson:"payload" json:"payload"`
	DeviceID   string    `bson:"device_id,omitempty" json:"device_id,omitempty"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`
	ReceivedAt time.Time `bson:"received_at" json:"received_at"`
}
