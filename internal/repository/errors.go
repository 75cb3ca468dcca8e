package repository

import (
	"errors"
	"fmt"
)

// NotFoundError reports a read or write against an id the backend does not
// hold.
type NotFoundError struct {
	NodeID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("node not found: %s", e.NodeID)
}

// ErrNodeNotFound constructs a NotFoundError.
func ErrNodeNotFound(nodeID string) error {
	return &NotFoundError{NodeID: nodeID}
}

// VersionConflictError reports an optimistic-concurrency failure: the
// caller's expected version no longer matches the stored version.
type VersionConflictError struct {
	NodeID          string
	ExpectedVersion int
	ActualVersion   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on node %s: expected %d, stored %d",
		e.NodeID, e.ExpectedVersion, e.ActualVersion)
}

// ErrVersionConflict constructs a VersionConflictError.
func ErrVersionConflict(nodeID string, expected, actual int) error {
	return &VersionConflictError{NodeID: nodeID, ExpectedVersion: expected, ActualVersion: actual}
}

// ConstraintError reports a referential-integrity rejection: the write
// referenced a node the backend has not persisted.
type ConstraintError struct {
	NodeID      string
	MissingRef  string
	Description string
}

func (e *ConstraintError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("constraint violation on node %s: %s", e.NodeID, e.Description)
	}
	return fmt.Sprintf("constraint violation on node %s: missing reference %s", e.NodeID, e.MissingRef)
}

// ErrConstraint constructs a ConstraintError for a missing reference.
func ErrConstraint(nodeID, missingRef string) error {
	return &ConstraintError{NodeID: nodeID, MissingRef: missingRef}
}

// IsNotFound reports whether err is a repository not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsVersionConflict reports whether err is an optimistic-concurrency
// failure.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsConstraintViolation reports whether err is a referential-integrity
// rejection.
func IsConstraintViolation(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsRetryable reports whether a write that returned err may succeed on a
// plain retry. Version conflicts and constraint violations need caller
// intervention first.
func IsRetryable(err error) bool {
	return err != nil && !IsVersionConflict(err) && !IsConstraintViolation(err) && !IsNotFound(err)
}
