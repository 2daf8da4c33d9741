package domain

import "errors"

// Error taxonomy shared by every service. Callers match with errors.Is;
// services wrap these with fmt.Errorf("...: %w", ...) to add context.
var (
	// ErrNotFound indicates the target BSS, interface or command response
	// is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInProgress indicates a conflicting operation was rejected,
	// e.g. a connect issued while another connect is in flight.
	ErrAlreadyInProgress = errors.New("operation already in progress")

	// ErrTimeout indicates a deadline elapsed while awaiting firmware.
	ErrTimeout = errors.New("timeout awaiting firmware")

	// ErrProtocolViolation indicates firmware/hardware delivered data that
	// is inconsistent with driver-side bookkeeping (duplicate completion,
	// out-of-range id). Always recovered locally: drop + count.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrResourceExhausted indicates an allocation failure (buffers,
	// command queue slots).
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrChannelReset indicates a firmware crash invalidated all in-flight
	// work on the command channel.
	ErrChannelReset = errors.New("channel reset")
)
