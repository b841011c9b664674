// Package geo provides page-relative rectangle geometry shared by the
// extraction and layout stages. Coordinates use a top-left origin with y
// increasing downward, matching reading order; the extractor flips raw PDF
// coordinates into this space.
package geo

import (
	"fmt"
	"math"
)

// Rect is an axis-aligned rectangle. X0/Y0 is the top-left corner, X1/Y1 the
// bottom-right corner.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// NewRect normalizes the corner order so X0 <= X1 and Y0 <= Y1.
func NewRect(x0, y0, x1, y1 float64) Rect {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return Rect{X0: x0, Y0: y0, X1: x1, Y1: y1}
}

func (r Rect) Width() float64  { return r.X1 - r.X0 }
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }
func (r Rect) Area() float64   { return r.Width() * r.Height() }

// IsEmpty reports whether the rectangle has non-positive extent on either axis.
func (r Rect) IsEmpty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// Contains reports whether the point (x, y) lies inside or on the boundary.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X0 && x <= r.X1 && y >= r.Y0 && y <= r.Y1
}

// Intersects reports whether r and o overlap with positive area.
func (r Rect) Intersects(o Rect) bool {
	return r.X0 < o.X1 && o.X0 < r.X1 && r.Y0 < o.Y1 && o.Y0 < r.Y1
}

// Intersect returns the overlapping region of r and o, or an empty rectangle.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		X0: math.Max(r.X0, o.X0),
		Y0: math.Max(r.Y0, o.Y0),
		X1: math.Min(r.X1, o.X1),
		Y1: math.Min(r.Y1, o.Y1),
	}
	if out.IsEmpty() {
		return Rect{}
	}
	return out
}

// Union returns the smallest rectangle covering both r and o. Empty inputs do
// not contribute.
func (r Rect) Union(o Rect) Rect {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	return Rect{
		X0: math.Min(r.X0, o.X0),
		Y0: math.Min(r.Y0, o.Y0),
		X1: math.Max(r.X1, o.X1),
		Y1: math.Max(r.Y1, o.Y1),
	}
}

// CenterY returns the vertical midpoint, used for baseline grouping.
func (r Rect) CenterY() float64 { return (r.Y0 + r.Y1) / 2 }

// CenterX returns the horizontal midpoint.
func (r Rect) CenterX() float64 { return (r.X0 + r.X1) / 2 }

// Near reports whether two rectangles occupy the same position within tol on
// every edge. Furniture detection uses this to match repeated header/footer
// blocks across pages.
func (r Rect) Near(o Rect, tol float64) bool {
	return math.Abs(r.X0-o.X0) <= tol &&
		math.Abs(r.Y0-o.Y0) <= tol &&
		math.Abs(r.X1-o.X1) <= tol &&
		math.Abs(r.Y1-o.Y1) <= tol
}

func (r Rect) String() string {
	return fmt.Sprintf("[%.1f %.1f %.1f %.1f]", r.X0, r.Y0, r.X1, r.Y1)
}

// Matrix is a PDF affine transform [a b c d e f] mapping (x, y) to
// (a*x+c*y+e, b*x+d*y+f).
type Matrix struct {
	A, B, C, D, E, F float64
}

// Identity returns the identity transform.
func Identity() Matrix { return Matrix{A: 1, D: 1} }

// Mul returns the concatenation m × n (apply m first, then n).
func (m Matrix) Mul(n Matrix) Matrix {
	return Matrix{
		A: m.A*n.A + m.B*n.C,
		B: m.A*n.B + m.B*n.D,
		C: m.C*n.A + m.D*n.C,
		D: m.C*n.B + m.D*n.D,
		E: m.E*n.A + m.F*n.C + n.E,
		F: m.E*n.B + m.F*n.D + n.F,
	}
}

// Apply transforms the point (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.C*y + m.E, m.B*x + m.D*y + m.F
}

// VScale returns the effective vertical scale factor, used to derive the
// rendered font size from a text matrix.
func (m Matrix) VScale() float64 {
	return math.Hypot(m.C, m.D)
}

// TransformRect maps r through m and returns the bounding box of the result.
func (m Matrix) TransformRect(r Rect) Rect {
	x0, y0 := m.Apply(r.X0, r.Y0)
	x1, y1 := m.Apply(r.X1, r.Y1)
	x2, y2 := m.Apply(r.X0, r.Y1)
	x3, y3 := m.Apply(r.X1, r.Y0)
	return Rect{
		X0: math.Min(math.Min(x0, x1), math.Min(x2, x3)),
		Y0: math.Min(math.Min(y0, y1), math.Min(y2, y3)),
		X1: math.Max(math.Max(x0, x1), math.Max(x2, x3)),
		Y1: math.Max(math.Max(y0, y1), math.Max(y2, y3)),
	}
}
