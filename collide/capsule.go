// Package collide gathers capsule colliders around the active window and
// buckets them into per-page work lists for the interaction kernels.
package collide

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Capsule is a segment A-B swept by Radius. Y is up.
type Capsule struct {
	A, B   r3.Vec
	Radius float64
}

// Valid reports whether the capsule has a positive finite radius and
// finite endpoints.
func (c Capsule) Valid() bool {
	if !(c.Radius > 0) || math.IsInf(c.Radius, 0) {
		return false
	}
	for _, v := range [...]float64{c.A.X, c.A.Y, c.A.Z, c.B.X, c.B.Y, c.B.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Bounds returns the XZ footprint of the capsule. Vec.Y holds world Z.
func (c Capsule) Bounds() r2.Box {
	return r2.Box{
		Min: r2.Vec{X: math.Min(c.A.X, c.B.X) - c.Radius, Y: math.Min(c.A.Z, c.B.Z) - c.Radius},
		Max: r2.Vec{X: math.Max(c.A.X, c.B.X) + c.Radius, Y: math.Max(c.A.Z, c.B.Z) + c.Radius},
	}
}

// Closest returns the point of the segment A-B nearest to p.
func (c Capsule) Closest(p r3.Vec) r3.Vec {
	ab := r3.Sub(c.B, c.A)
	den := r3.Dot(ab, ab)
	if den == 0 {
		return c.A
	}
	t := r3.Dot(r3.Sub(p, c.A), ab) / den
	t = math.Max(0, math.Min(1, t))
	return r3.Add(c.A, r3.Scale(t, ab))
}

// overlaps reports whether two XZ boxes intersect, edges included.
func overlaps(a, b r2.Box) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y
}

// intersect clips a to b. Callers check overlaps first.
func intersect(a, b r2.Box) r2.Box {
	return r2.Box{
		Min: r2.Vec{X: math.Max(a.Min.X, b.Min.X), Y: math.Max(a.Min.Y, b.Min.Y)},
		Max: r2.Vec{X: math.Min(a.Max.X, b.Max.X), Y: math.Min(a.Max.Y, b.Max.Y)},
	}
}
