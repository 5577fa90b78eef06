package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/geometry"
	"github.com/nppfnppf20/markup/history"
)

// writableLocked returns the error for a mutation attempted in the current
// state. s.mu must be held.
func (s *Session) writableLocked() error {
	switch {
	case s.closed:
		return ErrClosed
	case !s.loaded || !s.lock.IsEditor():
		return core.ErrReadOnly
	}
	return nil
}

// touchLocked records a local change and schedules autosave.
func (s *Session) touchLocked() {
	s.doc.UpdatedAt = s.now()
	s.doc.UpdatedBy = s.user.UserID
	s.save.Schedule()
}

// edit runs a history-tracked mutation of the layers. It reports whether
// the layers changed.
func (s *Session) edit(mutate func([]core.Layer) ([]core.Layer, error)) (bool, error) {
	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}

	changed := true
	layers, err := s.history.Apply(s.doc.Layers, func(l []core.Layer) ([]core.Layer, error) {
		next, err := mutate(l)
		if errors.Is(err, history.ErrUnchanged) {
			changed = false
		}
		return next, err
	})
	if err != nil || !changed {
		s.mu.Unlock()
		return false, err
	}
	s.doc.Layers = layers
	s.touchLocked()
	version := s.doc.Version
	s.mu.Unlock()

	s.emit(Event{Kind: EventDocument, Version: version})
	return true, nil
}

// change runs a mutation outside the edit history.
func (s *Session) change(mutate func(doc *core.Document) error) error {
	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := mutate(s.doc); err != nil {
		s.mu.Unlock()
		return err
	}
	s.touchLocked()
	version := s.doc.Version
	s.mu.Unlock()

	s.emit(Event{Kind: EventDocument, Version: version})
	return nil
}

func writableLayer(layers []core.Layer, id string) (int, error) {
	for i := range layers {
		if layers[i].ID != id {
			continue
		}
		if layers[i].Locked {
			return -1, fmt.Errorf("layer %s: %w", id, core.ErrLayerLocked)
		}
		return i, nil
	}
	return -1, fmt.Errorf("layer %s: %w", id, core.ErrLayerNotFound)
}

func activeLayer(layers []core.Layer) int {
	return (&core.Document{Layers: layers}).ActiveLayer()
}

// AddShape adds a shape to its layer, or to the active layer when LayerID is
// empty. Missing ids and timestamps are filled in.
func (s *Session) AddShape(shape core.Shape) (core.Shape, error) {
	now := s.now()
	shape = shape.Clone()
	if shape.ID == "" {
		shape.ID = core.NewID()
	}
	shape.CreatedBy = s.user.UserID
	shape.CreatedAt = now
	shape.UpdatedAt = now

	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		if shape.LayerID == "" {
			i := activeLayer(layers)
			if i < 0 {
				return nil, core.ErrLayerNotFound
			}
			shape.LayerID = layers[i].ID
		}
		li, err := writableLayer(layers, shape.LayerID)
		if err != nil {
			return nil, err
		}
		if err := shape.Validate(); err != nil {
			return nil, fmt.Errorf("invalid shape: %w", err)
		}
		layers[li].Shapes = append(layers[li].Shapes, shape)
		return layers, nil
	})
	if err != nil {
		return core.Shape{}, err
	}
	return shape.Clone(), nil
}

// UpdateShape replaces the stored shape with the same id. A different
// LayerID moves the shape to the end of that layer.
func (s *Session) UpdateShape(shape core.Shape) error {
	shape = shape.Clone()
	shape.UpdatedAt = s.now()

	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		li, si, ok := core.FindShape(layers, shape.ID)
		if !ok {
			return nil, fmt.Errorf("shape %s: %w", shape.ID, core.ErrShapeNotFound)
		}
		if _, err := writableLayer(layers, layers[li].ID); err != nil {
			return nil, err
		}
		old := layers[li].Shapes[si]
		shape.CreatedBy = old.CreatedBy
		shape.CreatedAt = old.CreatedAt
		if shape.LayerID == "" {
			shape.LayerID = old.LayerID
		}
		if err := shape.Validate(); err != nil {
			return nil, fmt.Errorf("invalid shape: %w", err)
		}

		if shape.LayerID == old.LayerID {
			layers[li].Shapes[si] = shape
			return layers, nil
		}
		to, err := writableLayer(layers, shape.LayerID)
		if err != nil {
			return nil, err
		}
		layers[li].Shapes = append(layers[li].Shapes[:si], layers[li].Shapes[si+1:]...)
		layers[to].Shapes = append(layers[to].Shapes, shape)
		return layers, nil
	})
	return err
}

func (s *Session) DeleteShape(id string) error {
	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		li, si, ok := core.FindShape(layers, id)
		if !ok {
			return nil, fmt.Errorf("shape %s: %w", id, core.ErrShapeNotFound)
		}
		if _, err := writableLayer(layers, layers[li].ID); err != nil {
			return nil, err
		}
		layers[li].Shapes = append(layers[li].Shapes[:si], layers[li].Shapes[si+1:]...)
		return layers, nil
	})
	return err
}

// Erase removes every shape of the active layer struck by p in a single
// history entry and returns their ids. Locked shapes and locked layers are
// left alone.
func (s *Session) Erase(p core.Point) ([]string, error) {
	var erased []string
	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		li := activeLayer(layers)
		if li < 0 || layers[li].Locked {
			return layers, history.ErrUnchanged
		}
		erased = geometry.HitShapes(layers[li].Shapes, p, geometry.EraseTolerance)
		if len(erased) == 0 {
			return layers, history.ErrUnchanged
		}

		hit := make(map[string]bool, len(erased))
		for _, id := range erased {
			hit[id] = true
		}
		kept := layers[li].Shapes[:0]
		for _, shape := range layers[li].Shapes {
			if !hit[shape.ID] {
				kept = append(kept, shape)
			}
		}
		layers[li].Shapes = kept
		return layers, nil
	})
	if err != nil {
		return nil, err
	}
	return erased, nil
}

// AddText creates a text shape wrapped in the box dragged between from and
// to. Drags smaller than geometry.MinTextDrag on both axes create nothing.
func (s *Session) AddText(from, to core.Point, text core.Text) (core.Shape, error) {
	box, ok := geometry.TextBox(from, to)
	if !ok {
		return core.Shape{}, ErrTextTooSmall
	}
	text.Position = core.Point{X: box.X, Y: box.Y}
	text.Width = box.Width
	text.Height = box.Height
	return s.AddShape(core.Shape{Kind: core.ShapeText, Text: &text})
}

// AddLayer appends a visible layer above all others.
func (s *Session) AddLayer(name string) (core.Layer, error) {
	layer := core.Layer{ID: core.NewID(), Name: name, Visible: true, Shapes: []core.Shape{}}
	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		for _, l := range layers {
			if l.Z >= layer.Z {
				layer.Z = l.Z + 1
			}
		}
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("Layer %d", len(layers)+1)
		}
		return append(layers, layer), nil
	})
	if err != nil {
		return core.Layer{}, err
	}
	return layer.Clone(), nil
}

func (s *Session) SetLayerVisibility(id string, visible bool) error {
	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		i := (&core.Document{Layers: layers}).Layer(id)
		if i < 0 {
			return nil, fmt.Errorf("layer %s: %w", id, core.ErrLayerNotFound)
		}
		if layers[i].Visible == visible {
			return layers, history.ErrUnchanged
		}
		layers[i].Visible = visible
		return layers, nil
	})
	return err
}

func (s *Session) SetLayerLocked(id string, locked bool) error {
	_, err := s.edit(func(layers []core.Layer) ([]core.Layer, error) {
		i := (&core.Document{Layers: layers}).Layer(id)
		if i < 0 {
			return nil, fmt.Errorf("layer %s: %w", id, core.ErrLayerNotFound)
		}
		if layers[i].Locked == locked {
			return layers, history.ErrUnchanged
		}
		layers[i].Locked = locked
		return layers, nil
	})
	return err
}

// Undo reverts the last layer mutation. It reports false when there is
// nothing to undo.
func (s *Session) Undo() (bool, error) {
	return s.step(s.history.Undo)
}

// Redo reapplies the last undone mutation.
func (s *Session) Redo() (bool, error) {
	return s.step(s.history.Redo)
}

func (s *Session) step(move func([]core.Layer) ([]core.Layer, bool)) (bool, error) {
	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	layers, ok := move(s.doc.Layers)
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	s.doc.Layers = layers
	s.touchLocked()
	version := s.doc.Version
	s.mu.Unlock()

	s.emit(Event{Kind: EventDocument, Version: version})
	return true, nil
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

// SetImage replaces the base image. Image changes are not part of the edit
// history.
func (s *Session) SetImage(img core.Image) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("invalid image: %w", err)
	}
	img.UpdatedBy = s.user.UserID
	img.UpdatedAt = s.now()
	return s.change(func(doc *core.Document) error {
		doc.Image = &img
		return nil
	})
}

func (s *Session) AddComment(c core.Comment) (core.Comment, error) {
	if c.ID == "" {
		c.ID = core.NewID()
	}
	c.AuthorID = s.user.UserID
	if c.AuthorName == "" {
		c.AuthorName = s.user.Name
	}
	c.CreatedAt = s.now()
	if c.Anchor != nil {
		a := *c.Anchor
		c.Anchor = &a
	}
	if err := c.Validate(); err != nil {
		return core.Comment{}, fmt.Errorf("invalid comment: %w", err)
	}

	err := s.change(func(doc *core.Document) error {
		if c.ShapeID != "" {
			if _, _, ok := core.FindShape(doc.Layers, c.ShapeID); !ok {
				return fmt.Errorf("shape %s: %w", c.ShapeID, core.ErrShapeNotFound)
			}
		}
		doc.Comments = append(doc.Comments, c)
		return nil
	})
	if err != nil {
		return core.Comment{}, err
	}
	return c, nil
}

func (s *Session) ResolveComment(id string) error {
	return s.change(func(doc *core.Document) error {
		for i := range doc.Comments {
			if doc.Comments[i].ID == id {
				doc.Comments[i].Resolved = true
				return nil
			}
		}
		return fmt.Errorf("comment %s: %w", id, core.ErrCommentNotFound)
	})
}

// SaveVersion stores the current image and layers as a named save point.
func (s *Session) SaveVersion(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	snap := &core.VersionSnapshot{
		DocumentID: s.docID,
		Name:       name,
		CreatedBy:  s.user.UserID,
		CreatedAt:  s.now(),
		Image:      s.doc.Image.Clone(),
		Layers:     core.CloneLayers(s.doc.Layers),
	}
	s.mu.Unlock()

	id, err := s.docs.SaveVersion(ctx, s.docID, snap)
	if err != nil {
		return "", fmt.Errorf("failed to save version: %w", err)
	}
	s.log.WithField("version_id", id).Info("Version saved successfully")
	return id, nil
}

func (s *Session) ListVersions(ctx context.Context) ([]*core.VersionSnapshot, error) {
	versions, err := s.docs.ListVersions(ctx, s.docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// RestoreVersion replaces the layers and image with those of a save point.
// The layer change can be undone.
func (s *Session) RestoreVersion(ctx context.Context, id string) error {
	versions, err := s.ListVersions(ctx)
	if err != nil {
		return err
	}
	var snap *core.VersionSnapshot
	for _, v := range versions {
		if v.ID == id {
			snap = v
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("version %s: %w", id, core.ErrNotFound)
	}

	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	layers, err := s.history.Apply(s.doc.Layers, func([]core.Layer) ([]core.Layer, error) {
		return core.CloneLayers(snap.Layers), nil
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc.Layers = layers
	if snap.Image != nil {
		s.doc.Image = snap.Image.Clone()
	}
	s.touchLocked()
	version := s.doc.Version
	s.mu.Unlock()

	s.log.WithField("version_id", id).Info("Version restored")
	s.emit(Event{Kind: EventDocument, Version: version})
	return nil
}
