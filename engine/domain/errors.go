package domain

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Sentinel errors. Every error raised by the engine wraps exactly one of these
// so callers can branch with errors.Is.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrTransport          = errors.New("transport error")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrTimeout            = errors.New("timeout")
	ErrNotFound           = errors.New("not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidDate        = errors.New("invalid date")
)

// Code is the machine-readable identifier attached to engine errors.
type Code string

const (
	CodeConfigMissing        Code = "config.missing"
	CodeConfigInvalid        Code = "config.invalid"
	CodeDimensionMismatch    Code = "vector.dimension.mismatch"
	CodeEmbedTransport       Code = "embed.transport.failure"
	CodeEmbedMalformed       Code = "embed.response.malformed"
	CodeEmbedTimeout         Code = "embed.async.timeout"
	CodeStoreUnavailable     Code = "store.backend.unavailable"
	CodeStoreTransport       Code = "store.transport.failure"
	CodeStoreMalformed       Code = "store.response.malformed"
	CodeStoreNotFound        Code = "store.collection.not_found"
	CodeStoreBatchFailed     Code = "store.batch.failure"
	CodeValidationInvalid    Code = "validation.invalid"
	CodeIngestVectorMismatch Code = "ingest.batch.vector_count"
)

// maxBodyExcerpt bounds how much of a raw response body is attached to errors.
const maxBodyExcerpt = 512

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError. The result also matches
// ErrInvalidInput.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: errors.Join(wrapped, ErrInvalidInput)}
}

// Configuration reports a missing or invalid setting.
func Configuration(op, format string, args ...any) error {
	return oops.Code(CodeConfigMissing).With("op", op).
		Wrapf(ErrConfiguration, "%s: %s", op, fmt.Sprintf(format, args...))
}

// DimensionMismatch reports a vector whose length is not the configured dim.
func DimensionMismatch(op string, want, got int) error {
	return oops.Code(CodeDimensionMismatch).With("op", op, "want", want, "got", got).
		Wrapf(ErrDimensionMismatch, "%s: vector length %d does not match dim %d", op, got, want)
}

// Transport wraps a transient network or service failure.
func Transport(op string, err error) error {
	return oops.Code(CodeEmbedTransport).With("op", op).
		Wrapf(fmt.Errorf("%w: %w", ErrTransport, err), "%s", op)
}

// Malformed reports a response body that carried no usable vector. A bounded
// excerpt of the body is attached for diagnosis.
func Malformed(op string, body []byte, reason string) error {
	excerpt := bodyExcerpt(body)
	return oops.Code(CodeEmbedMalformed).With("op", op, "body", excerpt).
		Wrapf(ErrMalformedResponse, "%s: %s (body=%q)", op, reason, excerpt)
}

// StoreTransport wraps a transient vector-store failure (throttling, 5xx,
// unreachable node). It matches ErrTransport so callers may retry.
func StoreTransport(op, backend string, err error) error {
	return oops.Code(CodeStoreTransport).With("op", op, "backend", backend).
		Wrapf(fmt.Errorf("%w: %w", ErrTransport, err), "%s %s", backend, op)
}

// StoreMalformed reports a vector-store response that could not be decoded.
func StoreMalformed(op, backend string, body []byte, reason string) error {
	excerpt := bodyExcerpt(body)
	return oops.Code(CodeStoreMalformed).With("op", op, "backend", backend, "body", excerpt).
		Wrapf(ErrMalformedResponse, "%s %s: %s", backend, op, reason)
}

// Timeout reports an exhausted polling deadline with the last error seen.
func Timeout(op string, last error) error {
	if last == nil {
		return oops.Code(CodeEmbedTimeout).With("op", op).Wrapf(ErrTimeout, "%s", op)
	}
	return oops.Code(CodeEmbedTimeout).With("op", op, "last_error", last.Error()).
		Wrapf(fmt.Errorf("%w: last error: %w", ErrTimeout, last), "%s", op)
}

// Unavailable wraps a backend failure (network, auth, rejected request).
func Unavailable(op, backend string, err error) error {
	return oops.Code(CodeStoreUnavailable).With("op", op, "backend", backend).
		Wrapf(fmt.Errorf("%w: %w", ErrBackendUnavailable, err), "%s %s", backend, op)
}

// NotFound reports a missing collection or index.
func NotFound(op, backend, name string) error {
	return oops.Code(CodeStoreNotFound).With("op", op, "backend", backend, "name", name).
		Wrapf(ErrNotFound, "%s %s: %q", backend, op, name)
}

func bodyExcerpt(body []byte) string {
	if len(body) > maxBodyExcerpt {
		return string(body[:maxBodyExcerpt]) + "..."
	}
	return string(body)
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// CodeOf returns the code attached to err, or "" when it carries none.
func CodeOf(err error) Code {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch c := oopsErr.Code().(type) {
	case Code:
		return c
	case string:
		return Code(c)
	case nil:
		return ""
	default:
		return Code(fmt.Sprint(c))
	}
}
