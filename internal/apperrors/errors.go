package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so the HTTP layer can pick a status code.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindIntegrity  Kind = "integrity"
	KindUpstream   Kind = "upstream"
	KindStorage    Kind = "storage"
	// KindConfiguration reports a request the server cannot serve as deployed.
	KindConfiguration Kind = "configuration"
)

// Error carries a kind, a dotted code ("{operation}.{reason}") and the underlying cause.
type Error struct {
	kind Kind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the dotted error code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// New builds an Error for the operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{kind: kind, code: operation + "." + reason, err: cause}
}

func Validation(operation, reason string, cause error) error {
	return New(KindValidation, operation, reason, cause)
}

func Auth(operation, reason string, cause error) error {
	return New(KindAuth, operation, reason, cause)
}

func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

func Integrity(operation, reason string, cause error) error {
	return New(KindIntegrity, operation, reason, cause)
}

func Upstream(operation, reason string, cause error) error {
	return New(KindUpstream, operation, reason, cause)
}

func Storage(operation, reason string, cause error) error {
	return New(KindStorage, operation, reason, cause)
}

func Configuration(operation, reason string, cause error) error {
	return New(KindConfiguration, operation, reason, cause)
}

// KindOf reports the kind of the first *Error in the chain, or "" when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return ""
}

// CodeOf reports the code of the first *Error in the chain.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
