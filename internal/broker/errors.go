package broker

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredentials     = errors.New("broker: missing credentials")
	ErrInvalidOrderParameters = errors.New("broker: invalid order parameters")
	ErrBrokerQuery            = errors.New("broker: query failed")
	ErrOrderNotFound          = errors.New("broker: order not found")
	ErrNotConnected           = errors.New("broker: not connected")
	ErrUnsupportedKind        = errors.New("broker: unsupported broker kind")
	ErrUnsupported            = errors.New("broker: operation not supported")
)

// MissingCredentialsError is returned at construction time when a required
// config key is absent. It is never retried.
type MissingCredentialsError struct {
	Kind string
	Key  string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("broker: %s config is missing required key %q", e.Kind, e.Key)
}

func (e *MissingCredentialsError) Is(target error) bool { return target == ErrMissingCredentials }

// InvalidOrderParametersError is returned before any network call when an
// order is malformed.
type InvalidOrderParametersError struct {
	Reason string
}

func (e *InvalidOrderParametersError) Error() string {
	return "broker: invalid order parameters: " + e.Reason
}

func (e *InvalidOrderParametersError) Is(target error) bool {
	return target == ErrInvalidOrderParameters
}

// QueryError wraps a failed account, position, order or quote query.
type QueryError struct {
	Broker string
	Op     string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("broker: %s %s: %v", e.Broker, e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Is(target error) bool { return target == ErrBrokerQuery }

// OrderNotFoundError is returned by GetOrderStatus for unknown order ids.
type OrderNotFoundError struct {
	Broker  string
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("broker: %s has no order %q", e.Broker, e.OrderID)
}

func (e *OrderNotFoundError) Is(target error) bool { return target == ErrOrderNotFound }

// QueryErr builds a *QueryError.
func QueryErr(broker, op string, err error) error {
	return &QueryError{Broker: broker, Op: op, Err: err}
}
