package ingestor

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

// Hints carry device telemetry found alongside readings
type Hints struct {
	Battery *int
	Status  *kpwmodels.DeviceStatus
}

// NormalizedMessage is one inbound message in canonical form
type NormalizedMessage struct {
	Topic    string
	DeviceID string
	Readings []kpwmodels.SensorReading
	Hints    Hints
}

// unitFor maps channel kinds to canonical units
var unitFor = map[kpwmodels.ChannelKind]string{
	kpwmodels.KindTemperature: "°C",
	kpwmodels.KindHumidity:    "%",
	kpwmodels.KindLight:       "lux",
	kpwmodels.KindWeight:      "kg",
}

var errNonFinite = errors.New("value is not a finite number")

// flexFloat accepts a JSON number or a numeric string. NaN and infinities
// are rejected: they cannot be encoded back to JSON.
type flexFloat struct {
	value float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		f.value = v
	} else if err := json.Unmarshal(b, &f.value); err != nil {
		return err
	}
	if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
		return errNonFinite
	}
	return nil
}

// collarPayload is the multi-channel document published on "<id>/pub"
type collarPayload struct {
	DeviceID    string     `json:"device_id"`
	Temperature *flexFloat `json:"temperature"`
	Humidity    *flexFloat `json:"humidity"`
	Light       *flexFloat `json:"light"`
	Weight      *flexFloat `json:"weight"`
	Battery     *flexFloat `json:"battery"`
	Status      *string    `json:"status"`
	Timestamp   *string    `json:"timestamp"`
}

var canonicalChannels = []struct {
	kind  kpwmodels.ChannelKind
	field func(p *collarPayload) *flexFloat
}{
	{kpwmodels.KindTemperature, func(p *collarPayload) *flexFloat { return p.Temperature }},
	{kpwmodels.KindHumidity, func(p *collarPayload) *flexFloat { return p.Humidity }},
	{kpwmodels.KindLight, func(p *collarPayload) *flexFloat { return p.Light }},
	{kpwmodels.KindWeight, func(p *collarPayload) *flexFloat { return p.Weight }},
}

// legacyPayload is the single-channel document published on
// "<prefix>/<deviceId>/<kind>"
type legacyPayload struct {
	Value     *flexFloat `json:"value"`
	Detected  *bool      `json:"detected"`
	Unit      string     `json:"unit"`
	Battery   *flexFloat `json:"battery"`
	Status    *string    `json:"status"`
	Timestamp *string    `json:"timestamp"`
}

// timestamp layouts seen on the wire, tried in order
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006, 15:04:05",
}

// Normalizer turns raw broker messages into canonical readings
type Normalizer struct {
	// loc applies to timestamps sent without an offset
	loc *time.Location
}

// NewNormalizer reads zone-less timestamps as UTC
func NewNormalizer() *Normalizer {
	return NewNormalizerIn(time.UTC)
}

func NewNormalizerIn(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Normalize never returns a partially filled message: on error the
// message must be dropped.
func (n *Normalizer) Normalize(topic string, raw []byte, receivedAt time.Time) (*NormalizedMessage, error) {
	if deviceID, kind, ok := splitLegacyTopic(topic); ok {
		return n.normalizeLegacy(topic, deviceID, kind, raw, receivedAt)
	}
	if strings.TrimSpace(topic) == "" || strings.Contains(topic, "//") {
		return nil, &ParseError{Topic: topic, Err: ErrUnsupportedTopic}
	}
	return n.normalizeCanonical(topic, raw, receivedAt)
}

// splitLegacyTopic recognizes "<prefix>/<deviceId>/<kind>". A three
// segment topic ending in "pub" is a canonical collar topic instead.
func splitLegacyTopic(topic string) (deviceID string, kind kpwmodels.ChannelKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] == "pub" {
		return "", "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", "", false
		}
	}
	return parts[1], kpwmodels.ChannelKind(strings.ToLower(parts[2])), true
}

func (n *Normalizer) normalizeCanonical(topic string, raw []byte, receivedAt time.Time) (*NormalizedMessage, error) {
	var p collarPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ParseError{Topic: topic, Err: ErrMalformedPayload, Cause: err}
	}
	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		return nil, &ParseError{Topic: topic, Err: ErrMissingDeviceID}
	}

	ts := n.parseTimestamp(p.Timestamp, receivedAt)
	msg := &NormalizedMessage{Topic: topic, DeviceID: deviceID, Hints: hints(p.Battery, p.Status)}
	for _, ch := range canonicalChannels {
		v := ch.field(&p)
		if v == nil {
			continue
		}
		msg.Readings = append(msg.Readings, kpwmodels.SensorReading{
			DeviceID:  deviceID,
			Kind:      ch.kind,
			Value:     v.value,
			Unit:      unitFor[ch.kind],
			Timestamp: ts,
		})
	}
	return msg, nil
}

func (n *Normalizer) normalizeLegacy(topic, deviceID string, kind kpwmodels.ChannelKind, raw []byte, receivedAt time.Time) (*NormalizedMessage, error) {
	var p legacyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// bare numeric payloads are accepted as the value
		var bare flexFloat
		if bareErr := json.Unmarshal(raw, &bare); bareErr != nil {
			return nil, &ParseError{Topic: topic, Err: ErrMalformedPayload, Cause: err}
		}
		p = legacyPayload{Value: &bare}
	}

	msg := &NormalizedMessage{Topic: topic, DeviceID: deviceID, Hints: hints(p.Battery, p.Status)}

	var value float64
	switch {
	case p.Value != nil:
		value = p.Value.value
	case p.Detected != nil:
		if *p.Detected {
			value = 1
		}
	default:
		return msg, nil
	}

	unit, known := unitFor[kind]
	if !known {
		unit = p.Unit
	}
	msg.Readings = []kpwmodels.SensorReading{{
		DeviceID:  deviceID,
		Kind:      kind,
		Value:     value,
		Unit:      unit,
		Timestamp: n.parseTimestamp(p.Timestamp, receivedAt),
	}}
	return msg, nil
}

func hints(battery *flexFloat, status *string) Hints {
	var h Hints
	if battery != nil {
		b := kpwmodels.ClampBattery(int(math.Round(battery.value)))
		h.Battery = &b
	}
	if status != nil {
		if s, ok := kpwmodels.ParseDeviceStatus(strings.ToLower(strings.TrimSpace(*status))); ok {
			h.Status = &s
		}
	}
	return h
}

func (n *Normalizer) parseTimestamp(raw *string, fallback time.Time) time.Time {
	if raw == nil {
		return fallback
	}
	s := strings.TrimSpace(*raw)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t
		}
	}
	return fallback
}
