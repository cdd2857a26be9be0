package client

import (
	"context"
	"errors"
	"io"

	"go.flipt.io/backhaul/internal/control"
)

var (
	// ErrInvalidHandle is returned when a Client is nil, closed or already used
	// for a transport run.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidOptions is returned when Options fail validation.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrConnectFailure is returned when the server could not be reached or
	// the control connection broke.
	ErrConnectFailure = control.ErrConnectFailure
	// ErrConnectTimeout is returned when the handshake was not acknowledged in
	// time or the server stopped answering keep-alives.
	ErrConnectTimeout = control.ErrConnectTimeout
	// ErrUnauthorized is returned when the server rejected the credentials.
	ErrUnauthorized = control.ErrUnauthorized
	// ErrForbidden is returned when the server denied access.
	ErrForbidden = control.ErrForbidden
)

// ErrorCode is the outcome of a client operation.
type ErrorCode int

const (
	InvalidHandle       ErrorCode = -1
	NoError             ErrorCode = 0
	ConnectFailure      ErrorCode = 1
	ConnectTimeout      ErrorCode = 2
	ConnectUnauthorized ErrorCode = 3
	ConnectForbid       ErrorCode = 4
	InvalidOptions      ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidHandle:
		return "InvalidHandle"
	case NoError:
		return "NoError"
	case ConnectFailure:
		return "ConnectFailure"
	case ConnectTimeout:
		return "ConnectTimeout"
	case ConnectUnauthorized:
		return "ConnectUnauthorized"
	case ConnectForbid:
		return "ConnectForbid"
	case InvalidOptions:
		return "InvalidOptions"
	}

	return "ErrorCode(unknown)"
}

// Code maps an error returned by this package onto its ErrorCode.
// Cancellation and graceful closure map to NoError.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrInvalidHandle):
		return InvalidHandle
	case errors.Is(err, ErrInvalidOptions):
		return InvalidOptions
	case errors.Is(err, ErrUnauthorized):
		return ConnectUnauthorized
	case errors.Is(err, ErrForbidden):
		return ConnectForbid
	case errors.Is(err, ErrConnectTimeout):
		return ConnectTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return NoError
	}

	return ConnectFailure
}
