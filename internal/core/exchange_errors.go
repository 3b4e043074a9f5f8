package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates a caller supplied an unusable combination of parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRequestFailed indicates a REST call returned a non-success status or could not be sent.
	ErrRequestFailed = errors.New("request failed")
	// ErrOutOfSync indicates a fill referenced an order the account does not track.
	ErrOutOfSync = errors.New("out of sync")
	// ErrConnection indicates the streaming connection could not be opened or failed.
	ErrConnection = errors.New("connection error")
	// ErrConnectionClosed indicates the streaming connection was closed in an orderly way.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderExpired indicates the order has expired on exchange.
	ErrOrderExpired = errors.New("order expired")
)

// RequestError carries the outcome of a failed REST call.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}
