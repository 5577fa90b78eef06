package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/stores/sqlstore"
	"github.com/nppfnppf20/markup/stores/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "markup.db"), opts...)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDocumentStore(t *testing.T) {
	storetest.DocumentStore(t, newTestStore(t))
}

func TestLockStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ttl := 30 * time.Second
	store := newTestStore(t, sqlstore.WithClock(clock.Now), sqlstore.WithLockTTL(ttl))
	storetest.LockStore(t, store, ttl, clock.Advance)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "markup.db")

	first, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	if _, err := first.SaveDocument(ctx, "doc1", core.NewDocument("doc1"), 0); err != nil {
		t.Fatalf("SaveDocument() failed: %v", err)
	}
	first.Close()

	second, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("Reopening failed: %v", err)
	}
	defer second.Close()

	doc, err := second.GetDocument(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocument() failed: %v", err)
	}
	if doc.Version != 1 || len(doc.Layers) != 1 {
		t.Errorf("Reopened document mismatch: version %d, %d layers", doc.Version, len(doc.Layers))
	}
}
