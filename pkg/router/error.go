package router

import (
	"encoding/json"
	"io"
)

// Error is an error that knows how it is written to a response.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is encoded as {"code":404,"error":"room not found","kind":"not_found"}.
// Kind mirrors the code field of websocket error events and is optional.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
	Kind string `json:"kind,omitempty"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{Code: code, Err: err}
}

// WithKind returns a copy of e tagged with kind.
func (e JsonError) WithKind(kind string) JsonError {
	e.Kind = kind
	return e
}

func (e JsonError) StatusCode() int { return e.Code }

func (e JsonError) Error() string { return e.Err }

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
