// Package errs implements the engine's error taxonomy. Every error that
// crosses a component boundary is constructed here so that correlation and
// causation identifiers are never dropped on the way up the call stack.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the engine's error taxonomy.
type Kind string

const (
	KindConfiguration   Kind = "configuration_error"
	KindDataUnavailable Kind = "data_unavailable_error"
	KindPlanning        Kind = "planning_error"
	KindValidation      Kind = "validation_error"
	KindGating          Kind = "gating_error"
	KindBrokerTransient Kind = "broker_transient_error"
	KindBrokerPermanent Kind = "broker_permanent_error"
	KindExecutionTimeout Kind = "execution_timeout"
)

// GatingReason further classifies a KindGating error.
type GatingReason string

const (
	GatingDailyLimitExceeded GatingReason = "daily_limit_exceeded"
	GatingOrderTooLarge      GatingReason = "order_too_large"
	GatingMarketClosed       GatingReason = "market_closed"
)

// Error is the engine's unified error type. It carries the
// {correlation_id, causation_id, operation, component, additional_data}
// schema every component fills in at the point an error is raised.
type Error struct {
	Kind        Kind
	Op          string
	Component   string
	Correlation string
	Causation   string
	Data        map[string]any
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// New constructs an *Error filling the unified schema.
func New(kind Kind, component, op, correlationID, causationID string, data map[string]any, cause error) *Error {
	return &Error{
		Kind:        kind,
		Op:          op,
		Component:   component,
		Correlation: correlationID,
		Causation:   causationID,
		Data:        data,
		Err:         cause,
	}
}

// Configuration builds a KindConfiguration error.
func Configuration(component, op string, cause error) *Error {
	return New(KindConfiguration, component, op, "", "", nil, cause)
}

// DataUnavailable builds a KindDataUnavailable error.
func DataUnavailable(component, op, correlationID string, cause error) *Error {
	return New(KindDataUnavailable, component, op, correlationID, "", nil, cause)
}

// Planning builds a KindPlanning error.
func Planning(component, op, correlationID, causationID string, cause error) *Error {
	return New(KindPlanning, component, op, correlationID, causationID, nil, cause)
}

// Validation builds a KindValidation error.
func Validation(component, op, correlationID, causationID, message string) *Error {
	return New(KindValidation, component, op, correlationID, causationID, nil, errors.New(message))
}

// Gating builds a KindGating error tagged with the specific reason.
func Gating(component, op, correlationID, causationID string, reason GatingReason, data map[string]any) *Error {
	if data == nil {
		data = map[string]any{}
	}
	data["reason"] = string(reason)
	return New(KindGating, component, op, correlationID, causationID, data, errors.New(string(reason)))
}

// BrokerTransient builds a KindBrokerTransient error (worth retrying).
func BrokerTransient(component, op, correlationID, causationID string, cause error) *Error {
	return New(KindBrokerTransient, component, op, correlationID, causationID, nil, cause)
}

// BrokerPermanent builds a KindBrokerPermanent error (not worth retrying).
func BrokerPermanent(component, op, correlationID, causationID string, cause error) *Error {
	return New(KindBrokerPermanent, component, op, correlationID, causationID, nil, cause)
}

// ExecutionTimeout builds a KindExecutionTimeout error.
func ExecutionTimeout(component, op, correlationID, causationID string, data map[string]any) *Error {
	return New(KindExecutionTimeout, component, op, correlationID, causationID, data, errors.New("execution timed out"))
}

// KindOf extracts the Kind of err, or an empty Kind if err is not one of
// this package's errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode maps a Kind to a CLI exit code: 2 usage error, 3 configuration
// error, 4 broker error. Exit code 5 (run completed
// with errors) is not an error-kind mapping at all; cmd/enginectl assigns
// it directly off a WorkflowCompleted's status, since a degraded-but-
// successful run never returns a Go error.
func ExitCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		if err != nil {
			return 1
		}
		return 0
	}

	switch e.Kind {
	case KindValidation:
		return 2
	case KindConfiguration:
		return 3
	case KindBrokerTransient, KindBrokerPermanent:
		return 4
	default:
		return 1
	}
}
