package client

import (
	"errors"
	"fmt"

	"github.com/putto11262002/vocalroom/core"
)

var (
	// ErrTimeout is returned when a request is not answered in time.
	ErrTimeout      = core.NewError(core.KindTimeout, "request timed out")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
)

// TransportError reports that the connection failed under a request.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is the server refusing a request, e.g. a full room or a
// wrong password. It never means the connection is gone.
type RejectedError struct {
	// Event is the type of the error event.
	Event   string
	Message string
	// Code is the error kind reported by the server.
	Code string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// IsRejected reports whether err is a RejectedError with the given code.
// An empty code matches every rejection.
func IsRejected(err error, code string) bool {
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	return code == "" || rejected.Code == code
}
