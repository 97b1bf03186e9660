// Package shared contains the error taxonomy used across the driver, the worker and the public API.
package shared

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes of the worker transport.
var (
	// ErrSynchronization indicates the worker process is gone or the request/response stream lost its pairing
	ErrSynchronization = errors.New("synchronization error")

	// ErrTransactionState indicates an operation on a transaction that is no longer active
	ErrTransactionState = errors.New("transaction state error")

	// ErrInvalidArgument indicates malformed input rejected before any I/O
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrConnection indicates the worker could not be spawned or the database could not be opened
	ErrConnection = errors.New("connection error")

	// ErrEngine indicates a failure reported by the SQLite engine inside the worker
	ErrEngine = errors.New("engine error")

	// ErrProtocol indicates a malformed command or response on the wire
	ErrProtocol = errors.New("protocol error")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindSynchronization represents a dead worker or a broken request/response pairing
	KindSynchronization
	// KindTransactionState represents operations on a closed transaction
	KindTransactionState
	// KindInvalidArgument represents rejected input
	KindInvalidArgument
	// KindTimeout represents timeout errors
	KindTimeout
	// KindConnection represents spawn and open failures
	KindConnection
	// KindEngine represents SQLite engine failures
	KindEngine
	// KindProtocol represents wire format failures
	KindProtocol
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindSynchronization:
		return "Synchronization"
	case KindTransactionState:
		return "TransactionState"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindTimeout:
		return "Timeout"
	case KindConnection:
		return "Connection"
	case KindEngine:
		return "Engine"
	case KindProtocol:
		return "Protocol"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

var kindToSentinel = map[Kind]error{
	KindSynchronization:  ErrSynchronization,
	KindTransactionState: ErrTransactionState,
	KindInvalidArgument:  ErrInvalidArgument,
	KindTimeout:          ErrTimeout,
	KindConnection:       ErrConnection,
	KindEngine:           ErrEngine,
	KindProtocol:         ErrProtocol,
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindSynchronization, ErrSynchronization},
	{KindTransactionState, ErrTransactionState},
	{KindInvalidArgument, ErrInvalidArgument},
	{KindConnection, ErrConnection},
	{KindProtocol, ErrProtocol},
	{KindEngine, ErrEngine},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
//
// A dead worker surfaced while opening is both a connection and a synchronization
// failure; the priority order makes KindOf report the more specific synchronization kind.
// Returns KindUnknown for unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the sentinel for kind, preserving the original error.
// If err is nil, returns the sentinel error for the kind (or nil for unsupported kinds).
// Marking an error with a kind it already has returns it unchanged.
func MarkKind(err error, kind Kind) error {
	sentinel := SentinelOf(kind)
	if err == nil {
		return sentinel
	}
	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	sentinel := SentinelOf(kind)
	msg := fmt.Sprintf(format, args...)
	if sentinel == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// Wrap wraps an error with additional context.
// If err is nil, Wrap returns nil. If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

// IsSynchronization reports whether the worker was gone when a command was about to be sent.
func IsSynchronization(err error) bool {
	return errors.Is(err, ErrSynchronization)
}

// IsTransactionState reports whether the error comes from using a closed transaction.
func IsTransactionState(err error) bool {
	return errors.Is(err, ErrTransactionState)
}

// IsInvalidArgument reports whether the input was rejected before any I/O.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsConnection reports whether the error is a spawn or open failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsEngine reports whether the error was reported by the SQLite engine.
func IsEngine(err error) bool {
	return errors.Is(err, ErrEngine)
}
