package ingestor

import (
	"errors"
	"fmt"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingDeviceID  = errors.New("payload has no device_id")
	ErrUnsupportedTopic = errors.New("unsupported topic")
	ErrBreakerOpen      = errors.New("circuit breaker is open")
	ErrPoolClosed       = errors.New("worker pool closed")
)

// ParseError means a message was dropped before reaching storage
type ParseError struct {
	Topic string
	Err   error
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse %s: %v: %v", e.Topic, e.Err, e.Cause)
	}
	return fmt.Sprintf("parse %s: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError means a reading was broadcast but could not be stored
type PersistenceError struct {
	DeviceID string
	Kind     kpwmodels.ChannelKind
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s reading for %s: %v", e.Kind, e.DeviceID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
