package history

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/nppfnppf20/markup/core"
)

func baseLayers() []core.Layer {
	return []core.Layer{{ID: "l1", Name: "Layer 1", Visible: true, Shapes: []core.Shape{}}}
}

func addArrow(id string) func([]core.Layer) ([]core.Layer, error) {
	return func(layers []core.Layer) ([]core.Layer, error) {
		layers[0].Shapes = append(layers[0].Shapes, core.Shape{
			ID:      id,
			Kind:    core.ShapeArrow,
			LayerID: layers[0].ID,
			Arrow:   &core.Arrow{From: core.Point{X: 1, Y: 1}, To: core.Point{X: 2, Y: 2}},
		})
		return layers, nil
	}
}

func moveFirst(layers []core.Layer) ([]core.Layer, error) {
	layers[0].Shapes[0].Arrow.To.X += 10
	return layers, nil
}

func TestUndoIsLeftInverse(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d mutations", n), func(t *testing.T) {
			h := New(0)
			start := baseLayers()
			want := core.CloneLayers(start)

			current := start
			var err error
			for i := 0; i < n; i++ {
				current, err = h.Apply(current, addArrow(fmt.Sprintf("s%d", i)))
				if err != nil {
					t.Fatalf("Apply() failed: %v", err)
				}
			}
			for i := 0; i < n; i++ {
				var ok bool
				current, ok = h.Undo(current)
				if !ok {
					t.Fatalf("Undo() %d reported nothing to undo", i)
				}
			}

			if !reflect.DeepEqual(current, want) {
				t.Errorf("State after undos mismatch:\ngot  %+v\nwant %+v", current, want)
			}
			if h.CanUndo() {
				t.Error("Undo stack should be empty")
			}
		})
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	h := New(0)
	current, _ := h.Apply(baseLayers(), addArrow("a"))
	current, _ = h.Apply(current, moveFirst)
	before := core.CloneLayers(current)

	current, _ = h.Undo(current)
	if current[0].Shapes[0].Arrow.To.X != 2 {
		t.Fatalf("Undo() did not restore the previous geometry: %+v", current[0].Shapes[0].Arrow)
	}

	current, ok := h.Redo(current)
	if !ok {
		t.Fatal("Redo() reported nothing to redo")
	}
	if !reflect.DeepEqual(current, before) {
		t.Errorf("Redo() did not restore the state before undo")
	}
}

func TestMutationClearsRedo(t *testing.T) {
	h := New(0)
	current, _ := h.Apply(baseLayers(), addArrow("a"))
	current, _ = h.Undo(current)
	if !h.CanRedo() {
		t.Fatal("Redo should be available after undo")
	}

	current, _ = h.Apply(current, addArrow("b"))
	if h.CanRedo() {
		t.Error("New mutation must clear the redo stack")
	}
	if _, ok := h.Redo(current); ok {
		t.Error("Redo() must be a no-op after a new mutation")
	}
}

func TestApplyDoesNotTouchSnapshot(t *testing.T) {
	h := New(0)
	start := baseLayers()
	current, _ := h.Apply(start, addArrow("a"))
	current, _ = h.Apply(current, moveFirst)

	prev, _ := h.Undo(current)
	if prev[0].Shapes[0].Arrow.To.X != 2 {
		t.Errorf("Undo entry was modified by a later mutation: %+v", prev[0].Shapes[0].Arrow)
	}
	if len(start[0].Shapes) != 0 {
		t.Error("Apply() modified the caller's layers in place")
	}
}

func TestApplyErrors(t *testing.T) {
	h := New(0)
	start := baseLayers()

	current, err := h.Apply(start, func(l []core.Layer) ([]core.Layer, error) { return l, ErrUnchanged })
	if err != nil {
		t.Errorf("ErrUnchanged should not surface: %v", err)
	}
	if h.CanUndo() {
		t.Error("Unchanged mutation must not push an entry")
	}
	if !reflect.DeepEqual(current, start) {
		t.Error("Unchanged mutation must return the current layers")
	}

	boom := errors.New("boom")
	if _, err := h.Apply(start, func(l []core.Layer) ([]core.Layer, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("Apply() error = %v, want %v", err, boom)
	}
	if h.CanUndo() {
		t.Error("Failed mutation must not push an entry")
	}
}

func TestEmptyStacksAreNoOps(t *testing.T) {
	h := New(0)
	start := baseLayers()

	if got, ok := h.Undo(start); ok || !reflect.DeepEqual(got, start) {
		t.Error("Undo() on empty history should be a no-op")
	}
	if got, ok := h.Redo(start); ok || !reflect.DeepEqual(got, start) {
		t.Error("Redo() on empty history should be a no-op")
	}
}

func TestLimitDropsOldest(t *testing.T) {
	h := New(3)
	current := baseLayers()
	for i := 0; i < 5; i++ {
		current, _ = h.Apply(current, addArrow(fmt.Sprintf("s%d", i)))
	}

	if undo, _ := h.Depth(); undo != 3 {
		t.Fatalf("Undo depth = %d, want 3", undo)
	}
	for h.CanUndo() {
		current, _ = h.Undo(current)
	}
	if len(current[0].Shapes) != 2 {
		t.Errorf("Oldest reachable state has %d shapes, want 2", len(current[0].Shapes))
	}
}

func TestReset(t *testing.T) {
	h := New(0)
	current, _ := h.Apply(baseLayers(), addArrow("a"))
	h.Undo(current)
	h.Reset()

	if h.CanUndo() || h.CanRedo() {
		t.Error("Reset() should clear both stacks")
	}
}
