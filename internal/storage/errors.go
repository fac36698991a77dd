package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict marks a uniqueness violation the table's conflict policy
	// does not absorb. It is scoped to one record: the driver skips and counts it.
	ErrConflict = errors.New("storage: conflict")

	// ErrUnavailable marks a sink failure (connection loss, write rejection,
	// DDL failure). It is fatal for the run.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Conflict wraps err as ErrConflict. The original error stays reachable via errors.As.
func Conflict(op string, err error) error {
	return &classified{op: op, kind: ErrConflict, err: err}
}

// Unavailable wraps err as ErrUnavailable unless it is already classified.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &classified{op: op, kind: ErrUnavailable, err: err}
}

// Classify maps a raw backend error onto the storage taxonomy.
// isConflict reports whether the backend considers err a uniqueness violation.
func Classify(op string, err error, isConflict func(error) bool) error {
	if err == nil {
		return nil
	}
	if isConflict != nil && isConflict(err) {
		return Conflict(op, err)
	}
	return Unavailable(op, err)
}

type classified struct {
	op   string
	kind error
	err  error
}

func (e *classified) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.kind, e.op, e.err)
}

func (e *classified) Unwrap() []error { return []error{e.kind, e.err} }

// IsCanceled reports whether err is caused by context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
