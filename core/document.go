package core

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// ShapeKind discriminates the shape variants.
type ShapeKind string

const (
	ShapeArrow    ShapeKind = "arrow"
	ShapeFreehand ShapeKind = "freehand"
	ShapeText     ShapeKind = "text"
)

// Arrow head styles.
const (
	HeadNone = "none"
	HeadEnd  = "end"
	HeadBoth = "both"
)

// DefaultLayerName is the name given to the single layer of a fresh document.
const DefaultLayerName = "Layer 1"

type (
	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	Arrow struct {
		From Point  `json:"from"`
		To   Point  `json:"to"`
		Head string `json:"head,omitempty"`
	}

	Freehand struct {
		Points    []Point `json:"points"`
		Smoothing float64 `json:"smoothing,omitempty"`
	}

	Text struct {
		Position   Point   `json:"position"`
		Content    string  `json:"content"`
		FontSize   float64 `json:"fontSize,omitempty"`
		FontFamily string  `json:"fontFamily,omitempty"`
		Fill       string  `json:"fill,omitempty"`
		Width      float64 `json:"width,omitempty"`
		Height     float64 `json:"height,omitempty"`
	}

	// Shape is a single annotation. Exactly one of Arrow, Freehand or Text is
	// set, matching Kind.
	Shape struct {
		ID          string    `json:"id"`
		Kind        ShapeKind `json:"type"`
		LayerID     string    `json:"layerId"`
		CreatedBy   string    `json:"createdBy,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
		Stroke      string    `json:"stroke,omitempty"`
		StrokeWidth float64   `json:"strokeWidth,omitempty"`
		Opacity     *float64  `json:"opacity,omitempty"`
		Rotation    float64   `json:"rotation,omitempty"`
		Locked      bool      `json:"locked,omitempty"`

		Arrow    *Arrow    `json:"arrow,omitempty"`
		Freehand *Freehand `json:"freehand,omitempty"`
		Text     *Text     `json:"text,omitempty"`
	}

	// Layer holds shapes in paint order.
	Layer struct {
		ID      string  `json:"id"`
		Name    string  `json:"name"`
		Visible bool    `json:"visible"`
		Locked  bool    `json:"locked,omitempty"`
		Z       int     `json:"z"`
		Shapes  []Shape `json:"shapes"`
	}

	// Image is the base image being annotated. Data is base64 encoded.
	Image struct {
		Data      string    `json:"data"`
		Width     int       `json:"width"`
		Height    int       `json:"height"`
		UpdatedBy string    `json:"updatedBy,omitempty"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	Comment struct {
		ID         string    `json:"id"`
		AuthorID   string    `json:"authorId"`
		AuthorName string    `json:"authorName,omitempty"`
		Body       string    `json:"body"`
		Anchor     *Point    `json:"anchor,omitempty"`
		ShapeID    string    `json:"shapeId,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
		Resolved   bool      `json:"resolved,omitempty"`
	}

	// Document is a full snapshot of an annotated document. Version is the
	// optimistic concurrency counter held by the storage backend; 0 means the
	// document has never been saved.
	Document struct {
		ID        string    `json:"id"`
		Image     *Image    `json:"image,omitempty"`
		Layers    []Layer   `json:"layers"`
		Comments  []Comment `json:"comments,omitempty"`
		Version   int64     `json:"version"`
		UpdatedAt time.Time `json:"updatedAt"`
		UpdatedBy string    `json:"updatedBy,omitempty"`
	}

	// VersionSnapshot is a named, immutable save point.
	VersionSnapshot struct {
		ID         string    `json:"id"`
		DocumentID string    `json:"documentId"`
		Name       string    `json:"name"`
		CreatedBy  string    `json:"createdBy,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
		Image      *Image    `json:"image,omitempty"`
		Layers     []Layer   `json:"layers"`
	}
)

// NewID returns a new sortable identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewDocument builds the empty document used when nothing is stored yet.
func NewDocument(id string) *Document {
	return &Document{
		ID: id,
		Layers: []Layer{{
			ID:      NewID(),
			Name:    DefaultLayerName,
			Visible: true,
			Shapes:  []Shape{},
		}},
		UpdatedAt: time.Now(),
	}
}

func (p Point) clone() *Point {
	return &p
}

func (s Shape) Clone() Shape {
	if s.Opacity != nil {
		o := *s.Opacity
		s.Opacity = &o
	}
	if s.Arrow != nil {
		a := *s.Arrow
		s.Arrow = &a
	}
	if s.Freehand != nil {
		f := *s.Freehand
		f.Points = append([]Point(nil), s.Freehand.Points...)
		s.Freehand = &f
	}
	if s.Text != nil {
		t := *s.Text
		s.Text = &t
	}
	return s
}

func (l Layer) Clone() Layer {
	shapes := make([]Shape, len(l.Shapes))
	for i, s := range l.Shapes {
		shapes[i] = s.Clone()
	}
	l.Shapes = shapes
	return l
}

// CloneLayers deep copies a layer sequence.
func CloneLayers(layers []Layer) []Layer {
	if layers == nil {
		return nil
	}
	out := make([]Layer, len(layers))
	for i, l := range layers {
		out[i] = l.Clone()
	}
	return out
}

func (i *Image) Clone() *Image {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Image = d.Image.Clone()
	c.Layers = CloneLayers(d.Layers)
	if d.Comments != nil {
		c.Comments = make([]Comment, len(d.Comments))
		for i, cm := range d.Comments {
			if cm.Anchor != nil {
				cm.Anchor = cm.Anchor.clone()
			}
			c.Comments[i] = cm
		}
	}
	return &c
}

// Layer returns the index of the layer with the given id, or -1.
func (d *Document) Layer(id string) int {
	for i := range d.Layers {
		if d.Layers[i].ID == id {
			return i
		}
	}
	return -1
}

// ActiveLayer returns the index of the first visible layer, falling back to
// the first layer. It returns -1 for a document without layers.
func (d *Document) ActiveLayer() int {
	for i := range d.Layers {
		if d.Layers[i].Visible {
			return i
		}
	}
	if len(d.Layers) > 0 {
		return 0
	}
	return -1
}

// FindShape locates a shape by id, returning its layer and shape indexes.
func FindShape(layers []Layer, id string) (int, int, bool) {
	for li := range layers {
		for si := range layers[li].Shapes {
			if layers[li].Shapes[si].ID == id {
				return li, si, true
			}
		}
	}
	return -1, -1, false
}
