package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reason codes surfaced on failed documents and API responses.
const (
	ReasonUnsupportedFormat   = "unsupported_format"
	ReasonCorruptFile         = "corrupt_file"
	ReasonEmptyDocument       = "empty_document"
	ReasonDimensionMismatch   = "dimension_mismatch"
	ReasonRateLimited         = "rate_limited"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonTimeout             = "timeout"
	ReasonCanceled            = "canceled"
	ReasonInternal            = "internal"
)

// PermanentError marks a failure that must not be retried: the same input
// will fail the same way (corrupt file, unsupported format, wrong vector
// dimension). The pipeline fails the document immediately instead of
// burning its retry budget.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable failure with a reason code.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure with a reason code.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// IsPermanent reports whether err was classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ReasonOf returns the reason code attached to err, or ReasonInternal.
func ReasonOf(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	return ReasonInternal
}

// ClassifyProviderError maps an unclassified error from an external provider
// (embedding API, file storage) to the taxonomy. Typed classifications win;
// otherwise the error string is inspected, and network-ish failures default
// to transient since external calls are the dominant failure mode.
func ClassifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) || IsTransient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(ReasonTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "rate"), strings.Contains(e, "429"), strings.Contains(e, "quota"):
		return Transient(ReasonRateLimited, err)
	case strings.Contains(e, "timeout"), strings.Contains(e, "deadline"),
		strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"),
		strings.Contains(e, "connection re"), strings.Contains(e, "503"):
		return Transient(ReasonProviderUnavailable, err)
	default:
		return Transient(ReasonProviderUnavailable, err)
	}
}

// Sentinel errors shared across packages.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnscopedQuery   = errors.New("search scope missing tenant id")
	ErrDocumentDeleted = errors.New("document marked for deletion")
	ErrTaskExists      = errors.New("non-terminal task already exists for document and stage")
)
