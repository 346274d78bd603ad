package camera

import (
	"errors"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNoWaypoints is returned by NewFlight for an empty path.
var ErrNoWaypoints = errors.New("camera: flight needs at least one waypoint")

// Flight moves a focus point along waypoints at constant speed. It starts
// at the first waypoint.
type Flight struct {
	waypoints []r2.Vec
	speed     float64
	loop      bool

	pos  r2.Vec
	next int
	done bool
}

// NewFlight creates a flight over waypoints. With loop set the path closes
// back to the first waypoint and never finishes.
func NewFlight(waypoints []r2.Vec, speed float64, loop bool) (*Flight, error) {
	if len(waypoints) == 0 {
		return nil, ErrNoWaypoints
	}
	f := &Flight{
		waypoints: append([]r2.Vec(nil), waypoints...),
		speed:     speed,
		loop:      loop,
		pos:       waypoints[0],
	}
	f.advanceIndex()
	return f, nil
}

// Advance moves the focus by speed*dt along the path, passing as many
// waypoints as the distance covers, and returns the new position.
func (f *Flight) Advance(dt float64) r2.Vec {
	dist := f.speed * dt
	// Bounds the walk when every remaining leg has zero length
	idle := 0
	for dist > 0 && !f.done && idle <= len(f.waypoints) {
		d := r2.Sub(f.waypoints[f.next], f.pos)
		l := r2.Norm(d)
		if l > dist {
			f.pos = r2.Add(f.pos, r2.Scale(dist/l, d))
			break
		}
		if l == 0 {
			idle++
		} else {
			idle = 0
		}
		f.pos = f.waypoints[f.next]
		dist -= l
		f.advanceIndex()
	}
	return f.pos
}

func (f *Flight) advanceIndex() {
	f.next++
	if f.next < len(f.waypoints) {
		return
	}
	if f.loop {
		f.next = 0
		return
	}
	f.next = len(f.waypoints) - 1
	f.done = true
}

// Position returns the current position on the canvas plane.
func (f *Flight) Position() r2.Vec {
	return f.pos
}

// Focus returns the current position as an engine focus.
func (f *Flight) Focus() r3.Vec {
	return r3.Vec{X: f.pos.X, Z: f.pos.Y}
}

// Done reports whether a non-looping flight reached its last waypoint.
func (f *Flight) Done() bool {
	return f.done
}

// RandomWaypoints returns n points drawn uniformly inside bounds.
func RandomWaypoints(bounds r2.Box, n int, rng *rand.Rand) []r2.Vec {
	pts := make([]r2.Vec, n)
	size := r2.Sub(bounds.Max, bounds.Min)
	for i := range pts {
		pts[i] = r2.Vec{
			X: bounds.Min.X + rng.Float64()*size.X,
			Y: bounds.Min.Y + rng.Float64()*size.Y,
		}
	}
	return pts
}
