// ABOUTME: Device identity and shared error taxonomy for renderer operations
// ABOUTME: Devices are keyed by address; names are display-only metadata
package device

import (
	"errors"
	"fmt"
)

// Target identifies a networked renderer. Address is the sole identity key;
// two Targets are the same device iff their addresses are equal.
type Target struct {
	Name        string // display only, never used for identity
	Address     string // IP address or host
	ControlPort int    // port for the control protocol endpoint
}

// Equal reports whether t and other refer to the same device.
func (t Target) Equal(other Target) bool {
	return t.Address == other.Address
}

// String returns a human-readable label for logs.
func (t Target) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s (%s)", t.Name, t.Address)
	}
	return t.Address
}

// ControlURL returns the base URL for control requests.
func (t Target) ControlURL() string {
	return fmt.Sprintf("http://%s:%d", t.Address, t.ControlPort)
}

// Error taxonomy shared by the control, eventing, and announcement clients.
var (
	// ErrUnreachable indicates a network-level failure (timeout, connection
	// refused). Retryable.
	ErrUnreachable = errors.New("device unreachable")

	// ErrCapabilityUnsupported indicates the device lacks a required feature.
	ErrCapabilityUnsupported = errors.New("capability unsupported")

	// ErrResourceBusy indicates an exclusive resource could not be acquired.
	ErrResourceBusy = errors.New("resource busy")

	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("timeout")
)

// ProtocolError indicates the device rejected a request. Not retryable
// without changing the request.
type ProtocolError struct {
	Code   int    // HTTP status or protocol-level error code, 0 if unknown
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// IsRetryable reports whether the failure is worth retrying unchanged.
// Only network-level unreachability and timeouts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}
