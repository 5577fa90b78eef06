package core

import "time"

// DefaultLockTTL is how long a lock survives without renewal.
const DefaultLockTTL = 60 * time.Second

// NextRevision checks baseVersion against the stored document (nil when
// nothing is stored yet) and returns the document to persist in its place.
// A nil incoming image keeps the stored one.
func NextRevision(docID string, stored, incoming *Document, baseVersion int64, now time.Time) (*Document, error) {
	var current int64
	if stored != nil {
		current = stored.Version
	}
	if baseVersion != current {
		return nil, &ConflictError{DocumentID: docID, BaseVersion: baseVersion, CurrentVersion: current}
	}

	next := incoming.Clone()
	next.ID = docID
	next.Version = current + 1
	if next.Image == nil && stored != nil {
		next.Image = stored.Image.Clone()
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}
	return next, nil
}
