package core

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func (d *Document) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.ID, validation.Required),
		validation.Field(&d.Version, validation.Min(int64(0))),
		validation.Field(&d.Layers, validation.By(uniqueLayerIDs)),
		validation.Field(&d.Image),
	)
}

func (l Layer) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.ID, validation.Required),
		validation.Field(&l.Shapes, validation.By(shapesOnLayer(l.ID))),
	)
}

func (s Shape) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ID, validation.Required),
		validation.Field(&s.Kind, validation.Required, validation.In(ShapeArrow, ShapeFreehand, ShapeText)),
		validation.Field(&s.StrokeWidth, validation.Min(0.0)),
		validation.Field(&s.Arrow, validation.When(s.Kind == ShapeArrow, validation.Required).Else(validation.Nil)),
		validation.Field(&s.Freehand, validation.When(s.Kind == ShapeFreehand, validation.Required).Else(validation.Nil)),
		validation.Field(&s.Text, validation.When(s.Kind == ShapeText, validation.Required).Else(validation.Nil)),
	)
}

func (a Arrow) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Head, validation.In(HeadNone, HeadEnd, HeadBoth)),
	)
}

func (f Freehand) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Points, validation.Required),
		validation.Field(&f.Smoothing, validation.Min(0.0)),
	)
}

func (t Text) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.FontSize, validation.Min(0.0)),
		validation.Field(&t.Width, validation.Min(0.0)),
		validation.Field(&t.Height, validation.Min(0.0)),
	)
}

func (i Image) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Data, validation.Required),
		validation.Field(&i.Width, validation.Min(0)),
		validation.Field(&i.Height, validation.Min(0)),
	)
}

func (c Comment) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.AuthorID, validation.Required),
		validation.Field(&c.Body, validation.Required, validation.Length(1, 10000)),
	)
}

func uniqueLayerIDs(value interface{}) error {
	layers, _ := value.([]Layer)
	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		if seen[l.ID] {
			return fmt.Errorf("duplicate layer id %s", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

func shapesOnLayer(layerID string) validation.RuleFunc {
	return func(value interface{}) error {
		shapes, _ := value.([]Shape)
		for _, s := range shapes {
			if s.LayerID != layerID {
				return errors.New("shape " + s.ID + " does not reference its layer")
			}
		}
		return nil
	}
}
