package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so HTTP handlers and the lifecycle controller
// can react without string matching.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindAuthorization
	KindGateway
	KindIntegrity
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindGateway:
		return "gateway"
	case KindIntegrity:
		return "integrity"
	case KindConfiguration:
		return "configuration"
	}
	return "unknown"
}

// Error carries the failure kind plus the correlation id of the order it
// relates to, so every log line stays traceable.
type Error struct {
	Kind          Kind
	CorrelationID string
	Msg           string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func Validationf(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(correlationID, msg string) error {
	return &Error{Kind: KindNotFound, CorrelationID: correlationID, Msg: msg}
}

func Authorization(correlationID, msg string) error {
	return &Error{Kind: KindAuthorization, CorrelationID: correlationID, Msg: msg}
}

func Gateway(correlationID, msg string, err error) error {
	return &Error{Kind: KindGateway, CorrelationID: correlationID, Msg: msg, Err: err}
}

func Integrity(correlationID, msg string) error {
	return &Error{Kind: KindIntegrity, CorrelationID: correlationID, Msg: msg}
}

func Configuration(msg string) error {
	return &Error{Kind: KindConfiguration, Msg: msg}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindGateway:
		return http.StatusBadGateway
	case KindIntegrity:
		return http.StatusBadRequest
	case KindConfiguration:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
