package core

import (
	"context"
	"time"
)

type (
	// LockHolder identifies the user holding a document lock.
	LockHolder struct {
		UserID string `json:"userId"`
		Name   string `json:"name,omitempty"`
	}

	// LockStatus is the observed state of a document lock. It is a transient
	// view; the lock backend is the only authority.
	LockStatus struct {
		Locked    bool        `json:"locked"`
		Holder    *LockHolder `json:"holder,omitempty"`
		ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	}

	// LockResult is returned by an acquire attempt. When OK is false, Holder
	// names the user currently holding the lock.
	LockResult struct {
		OK        bool        `json:"ok"`
		Holder    *LockHolder `json:"holder,omitempty"`
		ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	}

	// DocumentStore persists documents with optimistic versioning.
	DocumentStore interface {
		// GetDocument returns the stored document or ErrNotFound.
		GetDocument(ctx context.Context, docID string) (*Document, error)

		// SaveDocument stores doc if baseVersion equals the stored version
		// (0 for a document that was never saved) and returns the new version.
		// A nil doc.Image keeps the stored image. A stale baseVersion fails
		// with an error matching ErrVersionConflict.
		SaveDocument(ctx context.Context, docID string, doc *Document, baseVersion int64) (int64, error)

		// ListVersions returns the named save points of a document, newest first.
		ListVersions(ctx context.Context, docID string) ([]*VersionSnapshot, error)

		// SaveVersion stores a named save point and returns its id.
		SaveVersion(ctx context.Context, docID string, snapshot *VersionSnapshot) (string, error)
	}

	// LockStore grants exclusive, expiring editing locks on documents.
	LockStore interface {
		Acquire(ctx context.Context, docID string, holder LockHolder) (*LockResult, error)
		Renew(ctx context.Context, docID, userID string) (bool, error)
		Release(ctx context.Context, docID, userID string) (bool, error)
		Get(ctx context.Context, docID string) (*LockStatus, error)
	}
)

// HeldBy reports whether the lock is held by the given user.
func (s *LockStatus) HeldBy(userID string) bool {
	return s != nil && s.Locked && s.Holder != nil && s.Holder.UserID == userID
}
