// Package crop maps screen-space crop selections onto source image pixels
// and produces cropped copies of images.
package crop

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMinSize is the smallest accepted crop edge in image pixels.
const DefaultMinSize = 10

// ErrCropTooSmall is returned when a crop rectangle is below the minimum size.
var ErrCropTooSmall = errors.New("crop area too small")

// Size is a width and height in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Point is a position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle anchored at its top-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Normalize returns r with non-negative width and height.
func (r Rect) Normalize() Rect {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

// Transform maps points between a container and an image displayed inside it
// with "contain" scaling: the image is scaled uniformly to fit and centred,
// leaving letterbox bars on one axis.
type Transform struct {
	Scale   float64
	OffsetX float64
	OffsetY float64
	Image   Size
}

// Contain computes the transform for image shown inside container.
func Contain(container, image Size) (Transform, error) {
	if !container.Valid() || !image.Valid() {
		return Transform{}, fmt.Errorf("invalid sizes: container %vx%v, image %vx%v",
			container.Width, container.Height, image.Width, image.Height)
	}

	scale := math.Min(container.Width/image.Width, container.Height/image.Height)
	return Transform{
		Scale:   scale,
		OffsetX: (container.Width - image.Width*scale) / 2,
		OffsetY: (container.Height - image.Height*scale) / 2,
		Image:   image,
	}, nil
}

// ScreenToImage maps a container point to image pixels. Points on the
// letterbox bars are clamped to the image edge.
func (t Transform) ScreenToImage(p Point) Point {
	return Point{
		X: clamp((p.X-t.OffsetX)/t.Scale, 0, t.Image.Width),
		Y: clamp((p.Y-t.OffsetY)/t.Scale, 0, t.Image.Height),
	}
}

// RectToImage maps a container rectangle to image pixels, clamped to the
// image bounds.
func (t Transform) RectToImage(r Rect) Rect {
	r = r.Normalize()
	topLeft := t.ScreenToImage(Point{X: r.X, Y: r.Y})
	bottomRight := t.ScreenToImage(Point{X: r.X + r.Width, Y: r.Y + r.Height})
	return Rect{
		X:      topLeft.X,
		Y:      topLeft.Y,
		Width:  bottomRight.X - topLeft.X,
		Height: bottomRight.Y - topLeft.Y,
	}
}

// Validate rejects rectangles smaller than minSize on either edge.
func Validate(r Rect, minSize int) error {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	r = r.Normalize()
	if r.Width < float64(minSize) || r.Height < float64(minSize) {
		return fmt.Errorf("%w: %.0fx%.0f px, minimum is %dx%d px",
			ErrCropTooSmall, r.Width, r.Height, minSize, minSize)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
