package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	ErrNotConnected   = errors.New("not connected to broker")
	ErrEmptyTopic     = errors.New("topic is required")
	ErrConnectTimeout = errors.New("timed out waiting for broker")
	ErrClosed         = errors.New("broker connection closed")
)

// FailureReason classifies why a connect attempt failed
type FailureReason string

const (
	FailureInvalid     FailureReason = "invalid_credentials"
	FailureTLS         FailureReason = "tls"
	FailureAuth        FailureReason = "auth"
	FailureTimeout     FailureReason = "timeout"
	FailureUnreachable FailureReason = "unreachable"
)

// ConnectError is returned by Connect. The process keeps running; the
// credentials stay remembered so the watchdog can retry.
type ConnectError struct {
	Broker string
	Reason FailureReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed (%s): %v", e.Broker, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func classify(err error) FailureReason {
	switch {
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword), errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return FailureAuth
	}
	return FailureUnreachable
}
