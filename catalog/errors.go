package catalog

import (
	"errors"
	"fmt"

	"github.com/wolfeidau/audionix/blobstore"
)

var (
	// ErrNotFound is returned when an id or path does not resolve to a record.
	ErrNotFound = errors.New("catalog: not found")

	// ErrServiceUnavailable is returned while the store has no valid credential.
	ErrServiceUnavailable = errors.New("catalog: service unavailable")

	// ErrInvalidInput is returned when neither an id nor a path is supplied.
	ErrInvalidInput = errors.New("catalog: id or path required")
)

// ValidationError reports a missing or malformed caller-supplied field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError reports a failed call to the blob store, image host or
// token endpoint.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// upstream classifies a collaborator failure. A missing credential becomes
// ErrServiceUnavailable; everything else is wrapped in an UpstreamError.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, blobstore.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, ErrServiceUnavailable)
	}
	return &UpstreamError{Op: op, Err: err}
}
