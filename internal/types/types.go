package types

import "image"

// Rect is a pixel box in frame coordinates. X2/Y2 are exclusive.
type Rect struct {
	X1 int `msgpack:"x1" json:"x1"`
	Y1 int `msgpack:"y1" json:"y1"`
	X2 int `msgpack:"x2" json:"x2"`
	Y2 int `msgpack:"y2" json:"y2"`
}

func (r Rect) Dx() int { return r.X2 - r.X1 }
func (r Rect) Dy() int { return r.Y2 - r.Y1 }

// Empty reports whether the box has no area.
func (r Rect) Empty() bool { return r.X1 >= r.X2 || r.Y1 >= r.Y2 }

// Image converts to an image.Rectangle.
func (r Rect) Image() image.Rectangle { return image.Rect(r.X1, r.Y1, r.X2, r.Y2) }

// Clip intersects the box with the given bounds.
func (r Rect) Clip(b image.Rectangle) Rect {
	c := r.Image().Intersect(b)
	return Rect{X1: c.Min.X, Y1: c.Min.Y, X2: c.Max.X, Y2: c.Max.Y}
}

// Within reports whether the box is non-degenerate and fully inside b.
func (r Rect) Within(b image.Rectangle) bool {
	return !r.Empty() && r.Image().In(b)
}

// RectFrom converts an image.Rectangle to a Rect.
func RectFrom(r image.Rectangle) Rect {
	return Rect{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Latent is an opaque latent tensor produced by the face encoder.
type Latent struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// EmbeddingChunk is the audio context for exactly one output frame,
// a Rows x Cols feature matrix stored row-major.
type EmbeddingChunk struct {
	Rows int
	Cols int
	Data []float32
}

// GeneratedPatch is a reconstructed face patch tagged with its logical frame index.
// It is immutable once handed to the consumer.
type GeneratedPatch struct {
	Image image.Image
	Index uint64
}
