package core

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceNotAccessible is returned when a service type cannot be instantiated.
	ErrServiceNotAccessible = errors.New("service not accessible")
	// ErrServiceNotSupported is returned when a constructed value does not implement Service.
	ErrServiceNotSupported = errors.New("service not supported")
	// ErrServiceRegistered is returned when the service identifier is already registered.
	ErrServiceRegistered = errors.New("service already registered")
	// ErrDeliveryFailed is attached to an envelope when the producer retry budget is exhausted.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrDispatchFailed is attached to an envelope when every dispatch attempt was refused.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrUnroutable marks envelopes no service or sensor can handle.
	ErrUnroutable = errors.New("unroutable envelope")
	// ErrNotRunning marks envelopes received by a service that is not running.
	ErrNotRunning = errors.New("service not running")
	// ErrInvalidEnvelope is returned by Envelope.Validate.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Error codes recorded on envelopes.
const (
	CodeRegistration = "registration"
	CodeDelivery     = "500"
	CodeDispatch     = "dispatch"
	CodeUnroutable   = "unroutable"
	CodeTransport    = "transport"
)

// RegistrationError wraps a registration failure with the offending service id.
type RegistrationError struct {
	ServiceID string
	Err       error
}

func (e *RegistrationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("register %q: %v", e.ServiceID, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
