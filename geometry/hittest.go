// Package geometry decides which shapes a pointer touches.
package geometry

import (
	"math"

	"github.com/nppfnppf20/markup/core"
)

const (
	// EraseTolerance is added to a shape's stroke width when erasing.
	EraseTolerance = 8.0

	// TextHitRadius is the radius of the hit circle around a text anchor.
	TextHitRadius = 20.0

	// MinTextDrag is the smallest drag, on either axis, that creates a
	// wrapped text box.
	MinTextDrag = 20.0
)

// Rect is an axis aligned rectangle with non-negative size.
type Rect struct {
	X, Y          float64
	Width, Height float64
}

func Distance(a, b core.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// DistanceToSegment returns the distance from p to the closest point of the
// segment ab. The projection is clamped so the closest point never leaves
// the segment.
func DistanceToSegment(p, a, b core.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Distance(p, a)
	}

	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return Distance(p, core.Point{X: a.X + t*dx, Y: a.Y + t*dy})
}

// DistanceToPath returns the minimum distance from p to a polyline.
func DistanceToPath(p core.Point, path []core.Point) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, path[0])
	}

	best := math.Inf(1)
	for i := 1; i < len(path); i++ {
		if d := DistanceToSegment(p, path[i-1], path[i]); d < best {
			best = d
		}
	}
	return best
}

// Hit reports whether p strikes shape s given the extra tolerance.
func Hit(s core.Shape, p core.Point, tolerance float64) bool {
	threshold := s.StrokeWidth + tolerance

	switch s.Kind {
	case core.ShapeArrow:
		if s.Arrow == nil {
			return false
		}
		return DistanceToSegment(p, s.Arrow.From, s.Arrow.To) <= threshold
	case core.ShapeFreehand:
		if s.Freehand == nil {
			return false
		}
		return DistanceToPath(p, s.Freehand.Points) <= threshold
	case core.ShapeText:
		if s.Text == nil {
			return false
		}
		return Distance(p, s.Text.Position) <= TextHitRadius
	}
	return false
}

// HitShapes returns the ids of every unlocked shape struck by p.
func HitShapes(shapes []core.Shape, p core.Point, tolerance float64) []string {
	var ids []string
	for _, s := range shapes {
		if s.Locked {
			continue
		}
		if Hit(s, p, tolerance) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// TextBox normalizes a drag from a to b. ok is false when the drag is under
// MinTextDrag on both axes and no text should be created.
func TextBox(a, b core.Point) (r Rect, ok bool) {
	r = Rect{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
	return r, r.Width >= MinTextDrag || r.Height >= MinTextDrag
}
