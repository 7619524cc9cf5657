package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattq/internal/central"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost
	// during operation. This is distinct from central.ErrNotConnected, which
	// indicates an attempt to use a peer that was never connected or was
	// already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err for the terminal, without wrap chains or
// internal type names.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionLost):
		return "connection lost - the peripheral dropped the link"
	case errors.Is(err, central.ErrAlreadyInProgress):
		return "a connection to this peripheral is already being established"
	case errors.Is(err, central.ErrConnectTimeout):
		return "connection attempt timed out - is the peripheral in range and advertising?"
	case errors.Is(err, central.ErrConnectFailed):
		return fmt.Sprintf("failed to connect: %v", err)
	case errors.Is(err, central.ErrRetriesExhausted):
		return "gave up reconnecting after the configured number of retries"
	case errors.Is(err, central.ErrNotConnected), errors.Is(err, central.ErrOperationNotConnected):
		return "not connected to the peripheral"
	case errors.Is(err, central.ErrAttributeNotFound):
		return fmt.Sprintf("attribute not found on the peripheral: %v", err)
	case errors.Is(err, central.ErrOperationTimeout):
		return "operation timed out - the peripheral did not respond"
	default:
		return err.Error()
	}
}
