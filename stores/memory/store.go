package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/sirupsen/logrus"
)

type lockEntry struct {
	holder    core.LockHolder
	expiresAt time.Time
}

// memStore implements both DocumentStore and LockStore in memory.
type memStore struct {
	mu        sync.RWMutex
	documents map[string]*core.Document
	versions  map[string][]*core.VersionSnapshot
	locks     map[string]lockEntry
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*memStore)

// WithLockTTL sets how long a lock lives without renewal.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *memStore) { s.ttl = ttl }
}

// WithClock replaces time.Now, for lock expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *memStore) { s.now = now }
}

// NewStore creates a new in-memory store.
func NewStore(opts ...Option) *memStore {
	s := &memStore{
		documents: make(map[string]*core.Document),
		versions:  make(map[string][]*core.VersionSnapshot),
		locks:     make(map[string]lockEntry),
		ttl:       core.DefaultLockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memStore) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := logrus.WithField("document_id", id)
	doc, ok := s.documents[id]
	if !ok {
		log.Debug("Document with specified ID not found")
		return nil, core.NotFoundError(id)
	}
	log.WithField("version", doc.Version).Debug("Document retrieved successfully")
	return doc.Clone(), nil
}

func (s *memStore) SaveDocument(ctx context.Context, id string, doc *core.Document, baseVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "base_version": baseVersion})
	next, err := core.NextRevision(id, s.documents[id], doc, baseVersion, s.now())
	if err != nil {
		log.WithError(err).Warn("Rejected stale document save")
		return 0, err
	}
	s.documents[id] = next
	log.WithField("version", next.Version).Info("Document saved successfully")
	return next.Version, nil
}

func (s *memStore) ListVersions(ctx context.Context, id string) ([]*core.VersionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.versions[id]
	versions := make([]*core.VersionSnapshot, 0, len(stored))
	for _, v := range stored {
		versions = append(versions, cloneVersion(v))
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	logrus.WithField("document_id", id).Debugf("Listed %d versions", len(versions))
	return versions, nil
}

func (s *memStore) SaveVersion(ctx context.Context, id string, snapshot *core.VersionSnapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := cloneVersion(snapshot)
	if v.ID == "" {
		v.ID = core.NewID()
	}
	v.DocumentID = id
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	s.versions[id] = append(s.versions[id], v)
	logrus.WithFields(logrus.Fields{"document_id": id, "version_id": v.ID}).Info("Version saved successfully")
	return v.ID, nil
}

func cloneVersion(v *core.VersionSnapshot) *core.VersionSnapshot {
	c := *v
	c.Image = v.Image.Clone()
	c.Layers = core.CloneLayers(v.Layers)
	return &c
}

// liveLocked returns the unexpired lock on a document. s.mu must be held.
func (s *memStore) liveLocked(id string, now time.Time) (lockEntry, bool) {
	l, ok := s.locks[id]
	if !ok || !now.Before(l.expiresAt) {
		return lockEntry{}, false
	}
	return l, true
}

func (s *memStore) Acquire(ctx context.Context, id string, holder core.LockHolder) (*core.LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	log := logrus.WithFields(logrus.Fields{"document_id": id, "user_id": holder.UserID})
	if l, ok := s.liveLocked(id, now); ok && l.holder.UserID != holder.UserID {
		h, exp := l.holder, l.expiresAt
		log.WithField("holder_id", h.UserID).Debug("Lock already held")
		return &core.LockResult{OK: false, Holder: &h, ExpiresAt: &exp}, nil
	}

	exp := now.Add(s.ttl)
	s.locks[id] = lockEntry{holder: holder, expiresAt: exp}
	log.Info("Lock acquired successfully")
	return &core.LockResult{OK: true, Holder: &holder, ExpiresAt: &exp}, nil
}

func (s *memStore) Renew(ctx context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.liveLocked(id, now)
	if !ok || l.holder.UserID != userID {
		return false, nil
	}
	l.expiresAt = now.Add(s.ttl)
	s.locks[id] = l
	return true, nil
}

func (s *memStore) Release(ctx context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.liveLocked(id, s.now())
	if !ok || l.holder.UserID != userID {
		return false, nil
	}
	delete(s.locks, id)
	logrus.WithFields(logrus.Fields{"document_id": id, "user_id": userID}).Info("Lock released successfully")
	return true, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*core.LockStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.liveLocked(id, s.now())
	if !ok {
		return &core.LockStatus{Locked: false}, nil
	}
	h, exp := l.holder, l.expiresAt
	return &core.LockStatus{Locked: true, Holder: &h, ExpiresAt: &exp}, nil
}
