package spatial

// WrappedGrid is the toroidal W×H slot space of the active window. Every
// conversion between absolute tile coordinates and window slots goes
// through it.
type WrappedGrid struct {
	W, H int
}

// Slots returns the number of window slots.
func (w WrappedGrid) Slots() int {
	return w.W * w.H
}

// Wrap returns the slot an absolute coordinate occupies.
func (w WrappedGrid) Wrap(c TileCoord) int {
	return mod(c.Y, w.H)*w.W + mod(c.X, w.W)
}

// Unwrap returns the absolute coordinate held by slot when the window's
// minimum corner is origin. It is the inverse of Wrap over
// [origin, origin+W) × [origin, origin+H).
func (w WrappedGrid) Unwrap(slot int, origin TileCoord) TileCoord {
	sx, sy := slot%w.W, slot/w.W
	return TileCoord{
		X: origin.X + mod(sx-origin.X, w.W),
		Y: origin.Y + mod(sy-origin.Y, w.H),
	}
}

// Contains reports whether c lies inside the window anchored at origin.
func (w WrappedGrid) Contains(c, origin TileCoord) bool {
	return c.X >= origin.X && c.X < origin.X+w.W &&
		c.Y >= origin.Y && c.Y < origin.Y+w.H
}

// mod computes the non-negative modulo.
func mod(x, m int) int {
	r := x % m
	if r < 0 {
		r += m
	}
	return r
}
