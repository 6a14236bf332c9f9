package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrLockHeld            = errors.New("lock already held")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrPositionActive      = errors.New("position already active")
	ErrNoPosition          = errors.New("no active position")
	ErrCloseInProgress     = errors.New("close already in progress")
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrEngineStopped       = errors.New("engine stopped")
)

// Venue error codes that receive explicit handling.
const (
	CodeInvalidTimestamp = -1021 // request timestamp outside recvWindow (clock skew)
	CodeUnknownOrder     = -2011 // cancel rejected: order does not exist
	CodeNoSuchOrder      = -2013 // query: order does not exist
	CodeReduceOnlyReject = -2022 // reduce-only rejected: position already closed
)

// ErrorClass groups venue errors by how the engine reacts to them.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransient
	ClassRace
)

// ExchangeError is an error envelope returned by the venue.
type ExchangeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// Class returns the reaction class of the error code.
func (e *ExchangeError) Class() ErrorClass {
	switch e.Code {
	case CodeInvalidTimestamp:
		return ClassTransient
	case CodeUnknownOrder, CodeNoSuchOrder, CodeReduceOnlyReject:
		return ClassRace
	default:
		return ClassFatal
	}
}

func exchangeCode(err error) (int, bool) {
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return 0, false
}

// IsClockSkew reports whether err is the venue's invalid-timestamp error.
func IsClockSkew(err error) bool {
	code, ok := exchangeCode(err)
	return ok && code == CodeInvalidTimestamp
}

// IsOrderNotFound reports whether err says the referenced order does not exist.
func IsOrderNotFound(err error) bool {
	code, ok := exchangeCode(err)
	return ok && (code == CodeUnknownOrder || code == CodeNoSuchOrder)
}

// IsAlreadyClosed reports whether a reduce-only order was rejected because
// the position was settled elsewhere.
func IsAlreadyClosed(err error) bool {
	code, ok := exchangeCode(err)
	return ok && code == CodeReduceOnlyReject
}
