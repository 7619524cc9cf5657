package central

import (
	"errors"
	"fmt"

	"github.com/srg/gattq/internal/transport"
)

// ConnectionFailure is the specific kind of connection-level failure.
type ConnectionFailure string

const (
	ConnAlreadyInProgress ConnectionFailure = "already_in_progress"
	ConnTimeout           ConnectionFailure = "connection_timeout"
	ConnFailed            ConnectionFailure = "connection_failed"
	ConnNotConnected      ConnectionFailure = "device_not_connected"
	ConnRetriesExhausted  ConnectionFailure = "retries_exhausted"
)

// ConnectionError represents any session-level problem: a rejected connect
// call, a failed or timed-out dial, or an exhausted retry budget. Status
// carries the transport status when the radio reported one.
type ConnectionError struct {
	Reason ConnectionFailure
	Status transport.Status
	Msg    string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Reason)
	if e.Status != transport.StatusSuccess {
		s += ": " + e.Status.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is allows errors.Is to compare ConnectionError values by Reason
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Predefined sentinel errors for connection failures
var (
	ErrAlreadyInProgress = &ConnectionError{Reason: ConnAlreadyInProgress}
	ErrConnectTimeout    = &ConnectionError{Reason: ConnTimeout}
	ErrConnectFailed     = &ConnectionError{Reason: ConnFailed}
	ErrNotConnected      = &ConnectionError{Reason: ConnNotConnected}
	ErrRetriesExhausted  = &ConnectionError{Reason: ConnRetriesExhausted}
)

// OperationFailure is the specific kind of attribute-operation failure.
type OperationFailure string

const (
	OpNotConnected      OperationFailure = "device_not_connected"
	OpAttributeNotFound OperationFailure = "attribute_not_found"
	OpTimeout           OperationFailure = "operation_timeout"
	OpExecutionFailed   OperationFailure = "execution_failed"
)

// OperationError represents the failure of one attribute operation. It
// never outlives its operation: the queue continues regardless.
type OperationError struct {
	Reason OperationFailure
	Status transport.Status
	Msg    string
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Reason)
	if e.Status != transport.StatusSuccess {
		s += ": " + e.Status.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is allows errors.Is to compare OperationError values by Reason
func (e *OperationError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Predefined sentinel errors for operation failures
var (
	ErrOperationNotConnected = &OperationError{Reason: OpNotConnected}
	ErrAttributeNotFound     = &OperationError{Reason: OpAttributeNotFound}
	ErrOperationTimeout      = &OperationError{Reason: OpTimeout}
	ErrExecutionFailed       = &OperationError{Reason: OpExecutionFailed}
)

// ErrEngineClosed rejects calls after Close.
var ErrEngineClosed = errors.New("engine closed")

// IsConnectionFailure reports whether err is a ConnectionError with the given reason
func IsConnectionFailure(err error, reason ConnectionFailure) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Reason == reason
	}
	return false
}

// IsOperationFailure reports whether err is an OperationError with the given reason
func IsOperationFailure(err error, reason OperationFailure) bool {
	var oerr *OperationError
	if errors.As(err, &oerr) {
		return oerr.Reason == reason
	}
	return false
}

// connectionFailed wraps a transport status into a connection failure.
func connectionFailed(status transport.Status, msg string) *ConnectionError {
	return &ConnectionError{Reason: ConnFailed, Status: status, Msg: msg}
}

// operationError maps a transport completion status onto the operation
// failure taxonomy.
func operationError(status transport.Status) *OperationError {
	switch status {
	case transport.StatusSuccess:
		return nil
	case transport.StatusAttributeNotFound:
		return &OperationError{Reason: OpAttributeNotFound, Status: status}
	case transport.StatusTimeout:
		return &OperationError{Reason: OpTimeout, Status: status}
	case transport.StatusNotConnected:
		return &OperationError{Reason: OpNotConnected, Status: status}
	default:
		return &OperationError{Reason: OpExecutionFailed, Status: status}
	}
}

// syncExecutionError wraps a synchronous transport command failure.
func syncExecutionError(err error) *OperationError {
	return &OperationError{Reason: OpExecutionFailed, Msg: fmt.Sprintf("transport rejected command: %v", err)}
}
