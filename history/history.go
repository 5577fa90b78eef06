// Package history keeps full-state undo/redo stacks of document layers.
//
// Entries are never copied on push. Apply hands the mutation a deep copy of
// the current layers and keeps the untouched original as the undo entry, so
// callers must treat every layer sequence they pass in or get back as
// immutable and route all changes through Apply.
package history

import (
	"errors"

	"github.com/nppfnppf20/markup/core"
)

// DefaultLimit is the number of undo entries kept before the oldest is dropped.
const DefaultLimit = 100

// ErrUnchanged may be returned by a mutation to signal that nothing changed;
// Apply then records no entry and returns the current layers.
var ErrUnchanged = errors.New("history: unchanged")

type History struct {
	undo  [][]core.Layer
	redo  [][]core.Layer
	limit int
}

// New returns an empty history. limit <= 0 means DefaultLimit.
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit}
}

// Apply runs mutate on a copy of current. On success the pre-mutation layers
// are pushed onto the undo stack, the redo stack is cleared and the mutated
// layers are returned.
func (h *History) Apply(current []core.Layer, mutate func([]core.Layer) ([]core.Layer, error)) ([]core.Layer, error) {
	next, err := mutate(core.CloneLayers(current))
	if errors.Is(err, ErrUnchanged) {
		return current, nil
	}
	if err != nil {
		return current, err
	}

	h.undo = append(h.undo, current)
	if len(h.undo) > h.limit {
		h.undo[0] = nil
		h.undo = h.undo[1:]
	}
	h.redo = nil
	return next, nil
}

// Undo returns the layers preceding the last mutation and moves current onto
// the redo stack. ok is false when there is nothing to undo.
func (h *History) Undo(current []core.Layer) (layers []core.Layer, ok bool) {
	if len(h.undo) == 0 {
		return current, false
	}
	prev := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, current)
	return prev, true
}

// Redo reverses the last Undo.
func (h *History) Redo(current []core.Layer) (layers []core.Layer, ok bool) {
	if len(h.redo) == 0 {
		return current, false
	}
	next := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, current)
	return next, true
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Depth returns the sizes of the undo and redo stacks.
func (h *History) Depth() (undo, redo int) {
	return len(h.undo), len(h.redo)
}

// Reset drops all entries, e.g. when the document is reloaded.
func (h *History) Reset() {
	h.undo = nil
	h.redo = nil
}
