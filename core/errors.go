package core

import (
	"errors"
	"fmt"
)

// Sentinel errors, match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrReadOnly        = errors.New("document is read-only")
	ErrShapeNotFound   = errors.New("shape not found")
	ErrLayerNotFound   = errors.New("layer not found")
	ErrLayerLocked     = errors.New("layer is locked")
	ErrCommentNotFound = errors.New("comment not found")
)

// ConflictError is returned by SaveDocument when the base version no longer
// matches the stored version.
type ConflictError struct {
	DocumentID     string
	BaseVersion    int64
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s: version conflict: base %d, current %d", e.DocumentID, e.BaseVersion, e.CurrentVersion)
}

// Is allows errors.Is() to match against ErrVersionConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// TransportError wraps any backend failure that is neither a missing
// document nor a version conflict.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing document with its id.
func NotFoundError(docID string) error {
	return fmt.Errorf("document with id %s: %w", docID, ErrNotFound)
}
