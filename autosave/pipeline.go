// Package autosave persists local document changes with a trailing-edge
// debounce and optimistic versioning.
package autosave

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/schedule"
	"github.com/sirupsen/logrus"
)

const (
	Debounce       = 1200 * time.Millisecond
	RequestTimeout = 10 * time.Second
)

// Target is the session whose document is being saved. The pipeline never
// holds its own lock while calling into the target.
type Target interface {
	IsEditor() bool
	// Snapshot returns a copy of the local document. Its Version is the base
	// version of the save.
	Snapshot() *core.Document
	// Committed records a successful save of the snapshot taken at base.
	Committed(base, version int64)
	// Conflict replaces the local state with latest and leaves the editor
	// role. latest is nil when it could not be fetched.
	Conflict(latest *core.Document)
}

type Options struct {
	Debounce       time.Duration
	RequestTimeout time.Duration
	Scheduler      schedule.Scheduler
	Logger         *logrus.Entry
	// Fetch loads the authoritative document after a conflict. Defaults to
	// the store's GetDocument.
	Fetch func(ctx context.Context) (*core.Document, error)
}

type Pipeline struct {
	mu     sync.Mutex
	store  core.DocumentStore
	docID  string
	target Target
	opts   Options
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	timer    schedule.Timer
	timerSeq uint64
	dirty    bool
	inFlight bool
	deferred bool
	flight   chan struct{}
	// gen is bumped by Reset and Stop; completions from an older generation
	// leave the pipeline state alone.
	gen         uint64
	fingerprint string
	stopped     bool
}

func New(store core.DocumentStore, docID string, target Target, opts Options) *Pipeline {
	if opts.Debounce <= 0 {
		opts.Debounce = Debounce
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = RequestTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.Real()
	}
	if opts.Fetch == nil {
		opts.Fetch = func(ctx context.Context) (*core.Document, error) {
			return store.GetDocument(ctx, docID)
		}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		store:  store,
		docID:  docID,
		target: target,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		log:    log.WithField("document_id", docID),
	}
}

// Fingerprint identifies image content. It is empty for a nil image.
func Fingerprint(img *core.Image) string {
	if img == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(img.Data))
	return hex.EncodeToString(sum[:])
}

// Reset discards pending changes and records img as the last saved image,
// e.g. after the document was reloaded from storage.
func (p *Pipeline) Reset(img *core.Image) {
	fp := Fingerprint(img)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.dirty = false
	p.fingerprint = fp
	p.stopTimerLocked()
}

// Schedule marks the document dirty and restarts the debounce timer.
func (p *Pipeline) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.dirty = true
	p.armLocked()
}

// Pending reports whether there are changes not yet handed to the store.
func (p *Pipeline) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// Flush waits for an in-flight save and then saves pending changes
// immediately.
func (p *Pipeline) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		if !p.inFlight {
			p.stopTimerLocked()
			p.mu.Unlock()
			break
		}
		flight := p.flight
		p.mu.Unlock()

		select {
		case <-flight:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.save(ctx)
}

// Stop cancels the debounce timer and drops pending changes. An in-flight
// request is allowed to finish but its result is ignored.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.gen++
	p.stopTimerLocked()
	p.mu.Unlock()

	p.cancel()
}

func (p *Pipeline) armLocked() {
	p.stopTimerLocked()
	p.timerSeq++
	seq := p.timerSeq
	p.timer = p.opts.Scheduler.AfterFunc(p.opts.Debounce, func() { p.fire(seq) })
}

func (p *Pipeline) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pipeline) fire(seq uint64) {
	p.mu.Lock()
	if p.stopped || seq != p.timerSeq {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	// A running save re-arms the debounce when it completes.
	if p.inFlight {
		p.deferred = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.save(p.ctx); err != nil && !errors.Is(err, core.ErrVersionConflict) {
		p.log.WithError(err).Warn("Failed to save document, retrying on next change")
	}
}

func (p *Pipeline) save(ctx context.Context) error {
	if !p.target.IsEditor() {
		p.log.Debug("Skipping save, not the editor")
		return nil
	}

	p.mu.Lock()
	if p.stopped || p.inFlight || !p.dirty {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	p.dirty = false
	p.flight = make(chan struct{})
	gen := p.gen
	saved := p.fingerprint
	p.mu.Unlock()

	doc := p.target.Snapshot()
	base := doc.Version
	fp := Fingerprint(doc.Image)
	if doc.Image != nil && fp == saved {
		doc.Image = nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	version, err := p.store.SaveDocument(callCtx, p.docID, doc, base)
	cancel()

	if !p.relevant(gen) {
		p.finish(gen, false)
		return err
	}

	log := p.log.WithField("version", base)
	switch {
	case err == nil:
		p.target.Committed(base, version)
		p.mu.Lock()
		if fp != "" {
			p.fingerprint = fp
		}
		p.mu.Unlock()
		log.WithField("new_version", version).Info("Document saved successfully")
	case errors.Is(err, core.ErrVersionConflict):
		log.WithError(err).Warn("Document changed remotely, switching to read-only")
		p.conflict(ctx)
	default:
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
	}

	p.finish(gen, err == nil)
	return err
}

func (p *Pipeline) conflict(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	latest, err := p.opts.Fetch(callCtx)
	cancel()

	if err != nil {
		p.log.WithError(err).Warn("Failed to fetch latest document after conflict")
		latest = nil
	}
	p.target.Conflict(latest)
}

func (p *Pipeline) relevant(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped && p.gen == gen
}

// finish ends the flight. A debounce that fired while it was running is
// re-armed; a failed save on its own waits for the next change.
func (p *Pipeline) finish(gen uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deferred := p.deferred
	p.inFlight = false
	p.deferred = false
	close(p.flight)
	if !p.dirty || p.stopped || p.gen != gen || p.timer != nil {
		return
	}
	if ok || deferred {
		p.armLocked()
	}
}
