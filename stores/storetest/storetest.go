// Package storetest holds behaviour tests shared by every DocumentStore and
// LockStore backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nppfnppf20/markup/core"
)

func testDocument(id string) *core.Document {
	doc := core.NewDocument(id)
	doc.Image = &core.Image{Data: "aW1hZ2U=", Width: 640, Height: 480}
	doc.Layers[0].Shapes = append(doc.Layers[0].Shapes, core.Shape{
		ID:          "s1",
		Kind:        core.ShapeArrow,
		LayerID:     doc.Layers[0].ID,
		CreatedBy:   "A",
		StrokeWidth: 3,
		Arrow:       &core.Arrow{From: core.Point{X: 10, Y: 10}, To: core.Point{X: 50, Y: 50}, Head: core.HeadEnd},
	})
	return doc
}

// DocumentStore exercises optimistic versioning and save points.
func DocumentStore(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	t.Run("missing document", func(t *testing.T) {
		_, err := store.GetDocument(ctx, "missing")
		if !errors.Is(err, core.ErrNotFound) {
			t.Errorf("GetDocument() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("versioned saves", func(t *testing.T) {
		doc := testDocument("doc-versions")

		v1, err := store.SaveDocument(ctx, doc.ID, doc, 0)
		if err != nil {
			t.Fatalf("SaveDocument() failed: %v", err)
		}
		if v1 != 1 {
			t.Errorf("First version = %d, want 1", v1)
		}

		got, err := store.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("GetDocument() failed: %v", err)
		}
		if got.Version != 1 {
			t.Errorf("Stored version = %d, want 1", got.Version)
		}
		if len(got.Layers) != 1 || len(got.Layers[0].Shapes) != 1 || got.Layers[0].Shapes[0].Arrow == nil {
			t.Fatalf("Stored layers mismatch: %+v", got.Layers)
		}
		if got.Layers[0].Shapes[0].Arrow.To != (core.Point{X: 50, Y: 50}) {
			t.Errorf("Arrow geometry mismatch: %+v", got.Layers[0].Shapes[0].Arrow)
		}

		got.Image = nil
		got.Layers[0].Name = "Renamed"
		v2, err := store.SaveDocument(ctx, doc.ID, got, 1)
		if err != nil {
			t.Fatalf("Second SaveDocument() failed: %v", err)
		}
		if v2 != 2 {
			t.Errorf("Second version = %d, want 2", v2)
		}

		got, _ = store.GetDocument(ctx, doc.ID)
		if got.Image == nil || got.Image.Data != "aW1hZ2U=" {
			t.Errorf("Save without image should keep the stored image, got %+v", got.Image)
		}
		if got.Layers[0].Name != "Renamed" {
			t.Errorf("Layer name = %q, want Renamed", got.Layers[0].Name)
		}
	})

	t.Run("stale base version", func(t *testing.T) {
		doc := testDocument("doc-conflict")
		if _, err := store.SaveDocument(ctx, doc.ID, doc, 0); err != nil {
			t.Fatalf("SaveDocument() failed: %v", err)
		}
		if _, err := store.SaveDocument(ctx, doc.ID, doc, 1); err != nil {
			t.Fatalf("SaveDocument() failed: %v", err)
		}

		_, err := store.SaveDocument(ctx, doc.ID, doc, 1)
		if !errors.Is(err, core.ErrVersionConflict) {
			t.Fatalf("SaveDocument() error = %v, want a version conflict", err)
		}
		var conflict *core.ConflictError
		if errors.As(err, &conflict) && conflict.CurrentVersion != 2 {
			t.Errorf("Conflict current version = %d, want 2", conflict.CurrentVersion)
		}

		if _, err := store.SaveDocument(ctx, "doc-never-saved", doc, 3); !errors.Is(err, core.ErrVersionConflict) {
			t.Errorf("Non-zero base for a new document should conflict, got %v", err)
		}
	})

	t.Run("save points", func(t *testing.T) {
		doc := testDocument("doc-snapshots")
		base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		var ids []string
		for i, name := range []string{"draft", "review", "final"} {
			id, err := store.SaveVersion(ctx, doc.ID, &core.VersionSnapshot{
				Name:      name,
				CreatedBy: "A",
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
				Image:     doc.Image,
				Layers:    doc.Layers,
			})
			if err != nil {
				t.Fatalf("SaveVersion() failed: %v", err)
			}
			if id == "" {
				t.Fatal("SaveVersion() returned an empty id")
			}
			ids = append(ids, id)
		}

		versions, err := store.ListVersions(ctx, doc.ID)
		if err != nil {
			t.Fatalf("ListVersions() failed: %v", err)
		}
		if len(versions) != 3 {
			t.Fatalf("Version count = %d, want 3", len(versions))
		}
		if versions[0].Name != "final" || versions[2].Name != "draft" {
			t.Errorf("Versions not newest first: %s, %s, %s", versions[0].Name, versions[1].Name, versions[2].Name)
		}
		if versions[0].ID != ids[2] {
			t.Errorf("Newest version id = %s, want %s", versions[0].ID, ids[2])
		}
		if len(versions[0].Layers) != 1 || len(versions[0].Layers[0].Shapes) != 1 {
			t.Errorf("Version layers mismatch: %+v", versions[0].Layers)
		}

		empty, err := store.ListVersions(ctx, "doc-without-versions")
		if err != nil {
			t.Fatalf("ListVersions() failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("Expected no versions, got %d", len(empty))
		}
	})
}

// LockStore exercises exclusive acquisition. advance moves the backend
// clock forward; expiry cases are skipped when it is nil.
func LockStore(t *testing.T, store core.LockStore, ttl time.Duration, advance func(time.Duration)) {
	ctx := context.Background()
	alice := core.LockHolder{UserID: "A", Name: "Alice"}
	bob := core.LockHolder{UserID: "B", Name: "Bob"}

	t.Run("exclusive", func(t *testing.T) {
		res, err := store.Acquire(ctx, "lock-exclusive", alice)
		if err != nil {
			t.Fatalf("Acquire() failed: %v", err)
		}
		if !res.OK {
			t.Fatal("First Acquire() should succeed")
		}

		res, err = store.Acquire(ctx, "lock-exclusive", bob)
		if err != nil {
			t.Fatalf("Acquire() failed: %v", err)
		}
		if res.OK {
			t.Fatal("Second user must not acquire a held lock")
		}
		if res.Holder == nil || res.Holder.UserID != "A" {
			t.Errorf("Holder = %+v, want A", res.Holder)
		}

		again, err := store.Acquire(ctx, "lock-exclusive", alice)
		if err != nil || !again.OK {
			t.Errorf("Holder re-acquiring should succeed: %+v, %v", again, err)
		}

		status, err := store.Get(ctx, "lock-exclusive")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if !status.HeldBy("A") {
			t.Errorf("Get() = %+v, want held by A", status)
		}
		if status.Holder.Name != "Alice" {
			t.Errorf("Holder name = %q, want Alice", status.Holder.Name)
		}
	})

	t.Run("renew and release", func(t *testing.T) {
		if _, err := store.Acquire(ctx, "lock-renew", alice); err != nil {
			t.Fatalf("Acquire() failed: %v", err)
		}

		if ok, err := store.Renew(ctx, "lock-renew", "A"); err != nil || !ok {
			t.Errorf("Holder Renew() = %v, %v, want true", ok, err)
		}
		if ok, _ := store.Renew(ctx, "lock-renew", "B"); ok {
			t.Error("Non-holder must not renew")
		}
		if ok, _ := store.Release(ctx, "lock-renew", "B"); ok {
			t.Error("Non-holder must not release")
		}
		if ok, err := store.Release(ctx, "lock-renew", "A"); err != nil || !ok {
			t.Errorf("Holder Release() = %v, %v, want true", ok, err)
		}

		status, err := store.Get(ctx, "lock-renew")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if status.Locked {
			t.Errorf("Lock should be free after release: %+v", status)
		}
		if ok, _ := store.Renew(ctx, "lock-renew", "A"); ok {
			t.Error("Renew() of a released lock should fail")
		}

		res, err := store.Acquire(ctx, "lock-renew", bob)
		if err != nil || !res.OK {
			t.Errorf("Acquire() after release = %+v, %v", res, err)
		}
	})

	t.Run("unknown lock", func(t *testing.T) {
		status, err := store.Get(ctx, "lock-unknown")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if status.Locked || status.Holder != nil {
			t.Errorf("Unknown lock should be free: %+v", status)
		}
	})

	if advance == nil {
		return
	}

	t.Run("expiry", func(t *testing.T) {
		if _, err := store.Acquire(ctx, "lock-expiry", alice); err != nil {
			t.Fatalf("Acquire() failed: %v", err)
		}

		advance(ttl / 2)
		if ok, _ := store.Renew(ctx, "lock-expiry", "A"); !ok {
			t.Fatal("Renew() before expiry should succeed")
		}
		advance(ttl / 2)
		if status, _ := store.Get(ctx, "lock-expiry"); !status.HeldBy("A") {
			t.Fatalf("Renewed lock expired early: %+v", status)
		}

		advance(ttl + time.Second)
		if status, _ := store.Get(ctx, "lock-expiry"); status.Locked {
			t.Errorf("Lock should have expired: %+v", status)
		}
		if ok, _ := store.Renew(ctx, "lock-expiry", "A"); ok {
			t.Error("Renew() of an expired lock should fail")
		}
		res, err := store.Acquire(ctx, "lock-expiry", bob)
		if err != nil || !res.OK {
			t.Errorf("Acquire() of an expired lock = %+v, %v", res, err)
		}
	})
}
