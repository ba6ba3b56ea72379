// Package errs holds the error sentinels shared by the services and their
// mapping onto gRPC status codes and HTTP statuses.
package errs

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrConflict           = errors.New("concurrent modification")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnavailable        = errors.New("unavailable")
	ErrInternal           = errors.New("internal error")
)

var table = []struct {
	sentinel error
	code     codes.Code
	http     int
}{
	{ErrInvalidArgument, codes.InvalidArgument, http.StatusBadRequest},
	{ErrNotFound, codes.NotFound, http.StatusNotFound},
	{ErrAlreadyExists, codes.AlreadyExists, http.StatusConflict},
	{ErrInsufficientStock, codes.ResourceExhausted, http.StatusConflict},
	{ErrConflict, codes.Aborted, http.StatusConflict},
	{ErrFailedPrecondition, codes.FailedPrecondition, http.StatusPreconditionFailed},
	{ErrUnavailable, codes.Unavailable, http.StatusServiceUnavailable},
	{ErrInternal, codes.Internal, http.StatusInternalServerError},
}

// Wrapf marks err with sentinel so that errors.Is(err, sentinel) holds while
// keeping the original cause and message.
func Wrapf(err, sentinel error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), sentinel)
}

// Newf creates a new error marked with sentinel.
func Newf(sentinel error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), sentinel)
}

// Code returns the gRPC code for err. gRPC status errors keep their code,
// context errors map to their natural codes and unknown errors are Internal.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for _, row := range table {
		if errors.Is(err, row.sentinel) {
			return row.code
		}
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// ToStatus converts err into a gRPC status error carrying err's message as
// detail.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	code := Code(err)
	if s, ok := status.FromError(err); ok && s.Code() == code {
		return s.Err()
	}
	return status.Error(code, err.Error())
}

// FromStatus turns a gRPC status error received from a peer into an error
// marked with the matching sentinel. Codes without a sentinel are returned
// untouched so callers can still inspect them with status.Code.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, row := range table {
		if row.code == s.Code() {
			return errors.Mark(err, row.sentinel)
		}
	}
	return err
}

// HTTPStatus returns the HTTP status used by the gin handlers for err.
func HTTPStatus(err error) int {
	for _, row := range table {
		if errors.Is(err, row.sentinel) {
			return row.http
		}
	}
	switch Code(err) {
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	}
	return http.StatusInternalServerError
}
