package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/schedule"
)

type saveCall struct {
	base     int64
	hasImage bool
}

// Mock document store for testing
type mockDocumentStore struct {
	mu       sync.Mutex
	doc      *core.Document
	saveErr  error
	onSave   func()
	calls    []saveCall
	inFlight int
	maxCalls int
}

func (m *mockDocumentStore) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, core.NotFoundError(id)
	}
	return m.doc.Clone(), nil
}

func (m *mockDocumentStore) SaveDocument(ctx context.Context, id string, doc *core.Document, base int64) (int64, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxCalls {
		m.maxCalls = m.inFlight
	}
	m.calls = append(m.calls, saveCall{base: base, hasImage: doc.Image != nil})
	onSave := m.onSave
	m.onSave = nil
	m.mu.Unlock()

	if onSave != nil {
		onSave()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	var current int64
	var img *core.Image
	if m.doc != nil {
		current = m.doc.Version
		img = m.doc.Image
	}
	if base != current {
		return 0, &core.ConflictError{DocumentID: id, BaseVersion: base, CurrentVersion: current}
	}
	stored := doc.Clone()
	if stored.Image == nil {
		stored.Image = img
	}
	stored.Version = current + 1
	m.doc = stored
	return stored.Version, nil
}

func (m *mockDocumentStore) ListVersions(ctx context.Context, id string) ([]*core.VersionSnapshot, error) {
	return nil, nil
}

func (m *mockDocumentStore) SaveVersion(ctx context.Context, id string, snap *core.VersionSnapshot) (string, error) {
	return "", nil
}

func (m *mockDocumentStore) saves() []saveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]saveCall(nil), m.calls...)
}

type fakeTarget struct {
	mu        sync.Mutex
	editor    bool
	doc       *core.Document
	conflicts []*core.Document
	pipeline  *Pipeline
}

func (t *fakeTarget) IsEditor() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.editor
}

func (t *fakeTarget) Snapshot() *core.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Clone()
}

func (t *fakeTarget) Committed(base, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doc.Version == base {
		t.doc.Version = version
	}
}

func (t *fakeTarget) Conflict(latest *core.Document) {
	t.mu.Lock()
	t.conflicts = append(t.conflicts, latest)
	t.editor = false
	if latest != nil {
		t.doc = latest.Clone()
	}
	img := t.doc.Image
	t.mu.Unlock()

	t.pipeline.Reset(img)
}

func (t *fakeTarget) edit(f func(d *core.Document)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(t.doc)
}

func (t *fakeTarget) version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Version
}

func newTestPipeline(store *mockDocumentStore) (*Pipeline, *fakeTarget, *schedule.Fake) {
	sched := schedule.NewFake()
	target := &fakeTarget{editor: true, doc: core.NewDocument("doc1")}
	p := New(store, "doc1", target, Options{Scheduler: sched})
	target.pipeline = p
	return p, target, sched
}

func TestDebounceIsTrailingEdge(t *testing.T) {
	store := &mockDocumentStore{}
	p, target, sched := newTestPipeline(store)

	p.Schedule()
	sched.Advance(time.Second)
	p.Schedule()
	sched.Advance(time.Second)
	if n := len(store.saves()); n != 0 {
		t.Fatalf("Saved %d times before the quiet period elapsed", n)
	}

	sched.Advance(200 * time.Millisecond)
	if n := len(store.saves()); n != 1 {
		t.Fatalf("Save count = %d, want 1", n)
	}
	if target.version() != 1 {
		t.Errorf("Local version = %d, want 1", target.version())
	}
	if p.Pending() {
		t.Error("Pending() should be false after a successful save")
	}
}

func TestSkipsWhenNotEditor(t *testing.T) {
	store := &mockDocumentStore{}
	p, target, sched := newTestPipeline(store)
	target.editor = false

	p.Schedule()
	sched.Advance(Debounce)

	if n := len(store.saves()); n != 0 {
		t.Errorf("Reader must not save, got %d saves", n)
	}
}

func TestSingleFlightDefersSecondSave(t *testing.T) {
	store := &mockDocumentStore{}
	p, _, sched := newTestPipeline(store)

	// A change lands and its debounce fires while the first save is running.
	store.onSave = func() {
		p.Schedule()
		sched.Advance(Debounce)
	}

	p.Schedule()
	sched.Advance(Debounce)

	if n := len(store.saves()); n != 1 {
		t.Fatalf("Save count after first flight = %d, want 1", n)
	}
	if sched.Pending() != 1 {
		t.Fatalf("Deferred save should re-arm the debounce, %d timers pending", sched.Pending())
	}

	sched.Advance(Debounce)

	calls := store.saves()
	if len(calls) != 2 {
		t.Fatalf("Save count = %d, want 2", len(calls))
	}
	if calls[1].base != 1 {
		t.Errorf("Deferred save base = %d, want 1", calls[1].base)
	}
	if store.maxCalls != 1 {
		t.Errorf("Concurrent saves = %d, want 1", store.maxCalls)
	}
}

func TestImageOmittedWhenUnchanged(t *testing.T) {
	store := &mockDocumentStore{}
	p, target, sched := newTestPipeline(store)
	target.edit(func(d *core.Document) { d.Image = &core.Image{Data: "aGVsbG8=", Width: 10, Height: 10} })

	steps := []struct {
		name      string
		edit      func(d *core.Document)
		wantImage bool
	}{
		{"first save includes image", nil, true},
		{"unchanged image omitted", func(d *core.Document) { d.Layers[0].Name = "Notes" }, false},
		{"changed image included", func(d *core.Document) { d.Image = &core.Image{Data: "d29ybGQ="} }, true},
		{"same image omitted again", func(d *core.Document) { d.Layers[0].Name = "Review" }, false},
	}

	for i, step := range steps {
		if step.edit != nil {
			target.edit(step.edit)
		}
		p.Schedule()
		sched.Advance(Debounce)

		calls := store.saves()
		if len(calls) != i+1 {
			t.Fatalf("%s: save count = %d, want %d", step.name, len(calls), i+1)
		}
		if calls[i].hasImage != step.wantImage {
			t.Errorf("%s: image sent = %v, want %v", step.name, calls[i].hasImage, step.wantImage)
		}
	}

	stored, _ := store.GetDocument(context.Background(), "doc1")
	if stored.Image == nil || stored.Image.Data != "d29ybGQ=" {
		t.Errorf("Stored image = %+v, want the last sent image", stored.Image)
	}
}

func TestResetSeedsFingerprint(t *testing.T) {
	img := &core.Image{Data: "aGVsbG8="}
	store := &mockDocumentStore{doc: &core.Document{ID: "doc1", Image: img, Version: 3}}
	p, target, sched := newTestPipeline(store)
	target.edit(func(d *core.Document) { d.Image = img.Clone(); d.Version = 3 })
	p.Reset(img)

	p.Schedule()
	sched.Advance(Debounce)

	calls := store.saves()
	if len(calls) != 1 || calls[0].hasImage {
		t.Errorf("Loaded image should not be re-sent: %+v", calls)
	}
}

func TestConflictReloadsAndDemotes(t *testing.T) {
	remote := core.NewDocument("doc1")
	remote.Version = 2
	remote.Layers[0].Name = "Remote"
	store := &mockDocumentStore{doc: remote}
	p, target, sched := newTestPipeline(store)
	target.edit(func(d *core.Document) { d.Version = 1 })

	p.Schedule()
	sched.Advance(Debounce)

	if len(target.conflicts) != 1 || target.conflicts[0] == nil {
		t.Fatalf("Conflict() calls = %v, want one with the latest document", target.conflicts)
	}
	if target.version() != 2 {
		t.Errorf("Local version after conflict = %d, want 2", target.version())
	}
	if target.IsEditor() {
		t.Error("Target should no longer be the editor")
	}
	if p.Pending() || sched.Pending() != 0 {
		t.Error("Conflict should drop pending changes and timers")
	}
}

func TestConflictFetchFailure(t *testing.T) {
	store := &mockDocumentStore{doc: &core.Document{ID: "doc1", Version: 5}}
	sched := schedule.NewFake()
	target := &fakeTarget{editor: true, doc: core.NewDocument("doc1")}
	p := New(store, "doc1", target, Options{
		Scheduler: sched,
		Fetch: func(ctx context.Context) (*core.Document, error) {
			return nil, errors.New("unreachable")
		},
	})
	target.pipeline = p

	p.Schedule()
	sched.Advance(Debounce)

	if len(target.conflicts) != 1 || target.conflicts[0] != nil {
		t.Fatalf("Conflict() should be called with nil latest: %v", target.conflicts)
	}
	if target.IsEditor() {
		t.Error("Target should be demoted even when the reload failed")
	}
}

func TestTransportErrorRetriesOnNextChange(t *testing.T) {
	store := &mockDocumentStore{saveErr: errors.New("connection reset")}
	p, target, sched := newTestPipeline(store)

	p.Schedule()
	sched.Advance(Debounce)

	if !p.Pending() {
		t.Fatal("Failed save should leave changes pending")
	}
	if sched.Pending() != 0 {
		t.Errorf("Failed save must not back off, %d timers armed", sched.Pending())
	}

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()
	p.Schedule()
	sched.Advance(Debounce)

	if n := len(store.saves()); n != 2 {
		t.Fatalf("Save count = %d, want 2", n)
	}
	if target.version() != 1 || p.Pending() {
		t.Errorf("Retry should commit: version %d, pending %v", target.version(), p.Pending())
	}
}

func TestFlush(t *testing.T) {
	store := &mockDocumentStore{}
	p, target, sched := newTestPipeline(store)

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() with nothing pending failed: %v", err)
	}
	if n := len(store.saves()); n != 0 {
		t.Fatalf("Flush() saved a clean document")
	}

	p.Schedule()
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if n := len(store.saves()); n != 1 {
		t.Errorf("Save count = %d, want 1", n)
	}
	if target.version() != 1 {
		t.Errorf("Local version = %d, want 1", target.version())
	}
	if sched.Pending() != 0 {
		t.Errorf("Flush() left %d timers armed", sched.Pending())
	}
}

func TestFlushReturnsConflict(t *testing.T) {
	store := &mockDocumentStore{doc: &core.Document{ID: "doc1", Version: 4}}
	p, _, _ := newTestPipeline(store)

	p.Schedule()
	err := p.Flush(context.Background())

	var conflict *core.ConflictError
	if !errors.As(err, &conflict) || conflict.CurrentVersion != 4 {
		t.Errorf("Flush() error = %v, want a conflict at version 4", err)
	}
}

func TestStop(t *testing.T) {
	store := &mockDocumentStore{}
	p, _, sched := newTestPipeline(store)

	p.Schedule()
	p.Stop()
	sched.Advance(time.Minute)
	p.Schedule()
	sched.Advance(time.Minute)

	if n := len(store.saves()); n != 0 {
		t.Errorf("Stopped pipeline saved %d times", n)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint(nil) != "" {
		t.Error("Fingerprint(nil) should be empty")
	}
	a := Fingerprint(&core.Image{Data: "abc", Width: 1})
	b := Fingerprint(&core.Image{Data: "abc", Width: 2})
	if a == "" || a != b {
		t.Error("Fingerprint should depend on image data only")
	}
	if a == Fingerprint(&core.Image{Data: "abd"}) {
		t.Error("Different data must produce different fingerprints")
	}
}
