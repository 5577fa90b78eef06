// Package session owns one user's view of a document: local state, edit
// history, the editing lock and autosave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nppfnppf20/markup/autosave"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/history"
	"github.com/nppfnppf20/markup/lock"
	"github.com/nppfnppf20/markup/schedule"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrClosed = errors.New("session closed")
	// ErrTextTooSmall is returned when a text drag is below geometry.MinTextDrag.
	ErrTextTooSmall = errors.New("text drag too small")
)

type State int

const (
	StateLoading State = iota
	StateEditor
	StateReadOnly
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEditor:
		return "editor"
	case StateReadOnly:
		return "read-only"
	case StateClosed:
		return "closed"
	}
	return "loading"
}

type EventKind string

const (
	EventDocument EventKind = "document"
	EventRole     EventKind = "role"
	EventSaved    EventKind = "saved"
	EventConflict EventKind = "conflict"
)

type Event struct {
	Kind    EventKind
	Version int64
	Role    lock.Role
}

// Options tune a session. Zero values use the package defaults of lock and
// autosave.
type Options struct {
	Heartbeat      time.Duration
	Poll           time.Duration
	Debounce       time.Duration
	RequestTimeout time.Duration
	HistoryLimit   int
	Scheduler      schedule.Scheduler
	Logger         *logrus.Entry
	Now            func() time.Time
}

type Session struct {
	mu      sync.Mutex
	docID   string
	user    core.LockHolder
	docs    core.DocumentStore
	log     *logrus.Entry
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	fetches singleflight.Group

	doc     *core.Document
	history *history.History
	loaded  bool
	closed  bool

	lock *lock.Coordinator
	save *autosave.Pipeline

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

func New(docs core.DocumentStore, locks core.LockStore, docID string, user core.LockHolder, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{
		"document_id": docID,
		"user_id":     user.UserID,
	})
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = lock.RequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		docID:   docID,
		user:    user,
		docs:    docs,
		log:     log,
		now:     opts.Now,
		ctx:     ctx,
		cancel:  cancel,
		timeout: opts.RequestTimeout,
		history: history.New(opts.HistoryLimit),
		subs:    make(map[chan Event]struct{}),
	}
	s.lock = lock.NewCoordinator(locks, docID, user, lock.Options{
		Heartbeat:      opts.Heartbeat,
		Poll:           opts.Poll,
		RequestTimeout: opts.RequestTimeout,
		Scheduler:      opts.Scheduler,
		Logger:         log,
		Hooks: lock.Hooks{
			OnRoleChange: s.roleChanged,
			Refresh:      func(ctx context.Context) { s.reload(ctx, false) },
		},
	})
	s.save = autosave.New(docs, docID, (*target)(s), autosave.Options{
		Debounce:       opts.Debounce,
		RequestTimeout: opts.RequestTimeout,
		Scheduler:      opts.Scheduler,
		Logger:         log,
		Fetch:          s.fetch,
	})
	return s
}

// Start loads the document, falling back to an empty one when nothing is
// stored, and then tries to take the editing lock.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	doc, err := s.fetch(ctx)
	if errors.Is(err, core.ErrNotFound) {
		s.log.Info("Document not found, starting empty")
		doc, err = core.NewDocument(s.docID), nil
	}
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", s.docID, err)
	}

	s.mu.Lock()
	s.applyLocked(doc)
	s.loaded = true
	s.mu.Unlock()
	s.emit(Event{Kind: EventDocument, Version: doc.Version})

	role := s.lock.Acquire(ctx)
	s.log.WithFields(logrus.Fields{"version": doc.Version, "role": role.String()}).Info("Session started")
	return nil
}

// Close flushes pending changes while still the editor, stops all timers and
// releases the lock. The returned error is the flush error, if any.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.save.Flush(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to flush pending changes")
	}
	s.save.Stop()
	s.lock.Release(ctx)
	s.cancel()

	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()

	s.log.Info("Session closed")
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	closed, loaded := s.closed, s.loaded
	s.mu.Unlock()

	switch {
	case closed:
		return StateClosed
	case !loaded:
		return StateLoading
	}
	switch s.lock.Role() {
	case lock.RoleEditor:
		return StateEditor
	case lock.RoleReadOnly:
		return StateReadOnly
	}
	return StateLoading
}

func (s *Session) IsEditor() bool {
	return s.State() == StateEditor
}

// Document returns a copy of the local document.
func (s *Session) Document() *core.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// LockStatus returns the last observed lock view.
func (s *Session) LockStatus() *core.LockStatus {
	return s.lock.Status()
}

// Pending reports unsaved local changes.
func (s *Session) Pending() bool {
	return s.save.Pending()
}

// Subscribe returns a channel of session events and a function that ends the
// subscription. Events are dropped for subscribers that do not keep up.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	s.subsMu.Lock()
	if s.ctx.Err() != nil {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Session) emit(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// fetch loads the stored document, sharing a single request between
// concurrent callers. The shared request runs under the session context;
// ctx only bounds how long this caller waits.
func (s *Session) fetch(ctx context.Context) (*core.Document, error) {
	ch := s.fetches.DoChan(s.docID, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		return s.docs.GetDocument(callCtx, s.docID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*core.Document).Clone(), nil
	}
}

// reload replaces local state with the stored document. Unless force is set
// it does nothing while this session is the editor or when the stored
// version is the one already held.
func (s *Session) reload(ctx context.Context, force bool) {
	if !force && s.lock.IsEditor() {
		return
	}
	doc, err := s.fetch(ctx)
	if err != nil {
		s.log.WithError(err).Debug("Failed to refresh document")
		return
	}

	s.mu.Lock()
	if s.closed || (!force && (s.lock.IsEditor() || doc.Version == s.doc.Version)) {
		s.mu.Unlock()
		return
	}
	s.applyLocked(doc)
	s.mu.Unlock()

	s.log.WithField("version", doc.Version).Debug("Document refreshed")
	s.emit(Event{Kind: EventDocument, Version: doc.Version})
}

// applyLocked installs doc as the local state. History is reset and autosave
// forgets any pending change. s.mu must be held.
func (s *Session) applyLocked(doc *core.Document) {
	if len(doc.Layers) == 0 {
		doc.Layers = core.NewDocument(doc.ID).Layers
	}
	s.doc = doc
	s.history.Reset()
	s.save.Reset(doc.Image)
}

func (s *Session) roleChanged(from, to lock.Role) {
	s.emit(Event{Kind: EventRole, Role: to})
	// The previous editor may have saved since our last refresh.
	if from == lock.RoleReadOnly && to == lock.RoleEditor {
		s.reload(s.ctx, true)
	}
}

// target adapts a Session to autosave.Target.
type target Session

// IsEditor ignores closing so that Close can still flush.
func (t *target) IsEditor() bool {
	return t.lock.IsEditor()
}

func (t *target) Snapshot() *core.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Clone()
}

func (t *target) Committed(base, version int64) {
	t.mu.Lock()
	if t.doc.Version != base {
		t.mu.Unlock()
		return
	}
	t.doc.Version = version
	t.mu.Unlock()

	(*Session)(t).emit(Event{Kind: EventSaved, Version: version})
}

func (t *target) Conflict(latest *core.Document) {
	s := (*Session)(t)

	s.mu.Lock()
	if latest != nil {
		s.applyLocked(latest)
	} else {
		s.save.Reset(s.doc.Image)
	}
	version := s.doc.Version
	s.mu.Unlock()

	s.lock.Demote()
	s.log.WithField("version", version).Warn("Save conflict, local changes discarded")
	s.emit(Event{Kind: EventConflict, Version: version})
	if latest != nil {
		s.emit(Event{Kind: EventDocument, Version: version})
	}
}
