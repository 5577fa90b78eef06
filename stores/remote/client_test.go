package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/handlers/api"
	"github.com/nppfnppf20/markup/handlers/auth"
	"github.com/nppfnppf20/markup/stores/memory"
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

func newServer(t *testing.T, opts ...memory.Option) *httptest.Server {
	store := memory.NewStore(opts...)
	r := chi.NewRouter()
	r.Route("/api/v2", func(r chi.Router) {
		api.Mount(r, store, store)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestDocumentStore(t *testing.T) {
	srv := newServer(t)
	storetest.DocumentStore(t, NewClient(srv.URL))
}

func TestLockStore(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ttl := 30 * time.Second
	srv := newServer(t, memory.WithClock(clock.Now), memory.WithLockTTL(ttl))
	storetest.LockStore(t, NewClient(srv.URL), ttl, clock.Advance)
}

func TestConflictCarriesCurrentVersion(t *testing.T) {
	client := NewClient(newServer(t).URL)
	ctx := context.Background()
	doc := core.NewDocument("doc1")

	for base := int64(0); base < 2; base++ {
		if _, err := client.SaveDocument(ctx, "doc1", doc, base); err != nil {
			t.Fatalf("SaveDocument failed: %v", err)
		}
	}

	_, err := client.SaveDocument(ctx, "doc1", doc, 1)
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a ConflictError, got %v", err)
	}
	if conflict.BaseVersion != 1 || conflict.CurrentVersion != 2 {
		t.Errorf("unexpected conflict: %+v", conflict)
	}
}

func TestTransportErrors(t *testing.T) {
	ctx := context.Background()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer failing.Close()

	client := NewClient(failing.URL)
	_, err := client.GetDocument(ctx, "doc1")
	var transport *core.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected a TransportError, got %v", err)
	}
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrVersionConflict) {
		t.Errorf("server errors must not look like not-found or conflict: %v", err)
	}

	failing.Close()
	if _, err := client.Renew(ctx, "doc1", "A"); !errors.As(err, &transport) {
		t.Errorf("expected a TransportError for a closed server, got %v", err)
	}
}

func TestTokenSent(t *testing.T) {
	auth.Init("test-secret")
	t.Cleanup(func() { auth.Init("") })
	srv := newServer(t)
	ctx := context.Background()

	if _, err := NewClient(srv.URL, WithToken("forged")).Get(ctx, "doc1"); err == nil {
		t.Error("request with a forged token should be rejected")
	}

	token, err := auth.CreateJWT("A", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("CreateJWT failed: %v", err)
	}
	client := NewClient(srv.URL, WithToken(token))
	res, err := client.Acquire(ctx, "doc1", core.LockHolder{UserID: "ignored"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !res.OK || res.Holder == nil || res.Holder.UserID != "A" {
		t.Errorf("holder should come from the token: %+v", res)
	}
}
