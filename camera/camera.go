// Package camera provides the viewport camera over the canvas and a waypoint
// flight that drives the engine focus.
package camera

import (
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Camera controls the top-down viewport onto the canvas. World Y on screen
// is the canvas Z axis.
type Camera struct {
	// Position is the camera center in world coordinates
	X, Y float32

	// Zoom level in pixels per world unit
	Zoom float32

	// Viewport dimensions (screen size)
	ViewportW, ViewportH float32

	// Canvas bounds; the center is kept inside them
	MinX, MinY, MaxX, MaxY float32

	// Zoom constraints
	MinZoom, MaxZoom float32
}

// New creates a camera centered on the canvas, zoomed to fit it.
func New(viewportW, viewportH float32, canvas r2.Box) *Camera {
	c := &Camera{
		ViewportW: viewportW,
		ViewportH: viewportH,
		MinX:      float32(canvas.Min.X),
		MinY:      float32(canvas.Min.Y),
		MaxX:      float32(canvas.Max.X),
		MaxY:      float32(canvas.Max.Y),
	}
	c.fitZoom()
	c.Reset()
	return c
}

// fitZoom derives the zoom range: fully zoomed out shows the whole canvas.
func (c *Camera) fitZoom() {
	w, h := c.MaxX-c.MinX, c.MaxY-c.MinY
	if w <= 0 || h <= 0 {
		c.MinZoom, c.MaxZoom = 1, 1
		return
	}
	c.MinZoom = min(c.ViewportW/w, c.ViewportH/h)
	// Fifty pixels per unit is enough to see single instances
	c.MaxZoom = max(c.MinZoom, 50)
}

// SetCanvas changes the bounds and re-fits the camera.
func (c *Camera) SetCanvas(canvas r2.Box) {
	c.MinX, c.MinY = float32(canvas.Min.X), float32(canvas.Min.Y)
	c.MaxX, c.MaxY = float32(canvas.Max.X), float32(canvas.Max.Y)
	c.fitZoom()
	c.Reset()
}

// WorldToScreen converts world coordinates to screen coordinates.
func (c *Camera) WorldToScreen(wx, wy float32) (sx, sy float32) {
	sx = c.ViewportW/2 + (wx-c.X)*c.Zoom
	sy = c.ViewportH/2 + (wy-c.Y)*c.Zoom
	return sx, sy
}

// ScreenToWorld converts screen coordinates to world coordinates.
func (c *Camera) ScreenToWorld(sx, sy float32) (wx, wy float32) {
	wx = c.X + (sx-c.ViewportW/2)/c.Zoom
	wy = c.Y + (sy-c.ViewportH/2)/c.Zoom
	return wx, wy
}

// IsVisible returns true if a circle at (wx, wy) with given radius
// could be visible on screen (conservative check for culling).
func (c *Camera) IsVisible(wx, wy, radius float32) bool {
	halfW := c.ViewportW/(2*c.Zoom) + radius
	halfH := c.ViewportH/(2*c.Zoom) + radius
	return absf(wx-c.X) <= halfW && absf(wy-c.Y) <= halfH
}

// Focus returns the camera center as an engine focus on the XZ plane.
func (c *Camera) Focus() r3.Vec {
	return r3.Vec{X: float64(c.X), Z: float64(c.Y)}
}

// MoveTo centers the camera on (wx, wy), clamped to the canvas.
func (c *Camera) MoveTo(wx, wy float32) {
	c.X = clamp(wx, c.MinX, c.MaxX)
	c.Y = clamp(wy, c.MinY, c.MaxY)
}

// Resize updates viewport dimensions and recalculates zoom constraints.
func (c *Camera) Resize(viewportW, viewportH float32) {
	if viewportW == c.ViewportW && viewportH == c.ViewportH {
		return
	}
	c.ViewportW = viewportW
	c.ViewportH = viewportH
	c.fitZoom()
	c.SetZoom(c.Zoom)
}

// Pan moves the camera by the given delta in screen pixels.
func (c *Camera) Pan(dx, dy float32) {
	c.MoveTo(c.X+dx/c.Zoom, c.Y+dy/c.Zoom)
}

// SetZoom sets the zoom level, clamped to min/max.
func (c *Camera) SetZoom(zoom float32) {
	c.Zoom = clamp(zoom, c.MinZoom, c.MaxZoom)
}

// ZoomBy multiplies the current zoom by the given factor.
func (c *Camera) ZoomBy(factor float32) {
	c.SetZoom(c.Zoom * factor)
}

// Reset centers the camera on the canvas, fully zoomed out.
func (c *Camera) Reset() {
	c.X = (c.MinX + c.MaxX) / 2
	c.Y = (c.MinY + c.MaxY) / 2
	c.Zoom = c.MinZoom
}

// VisibleWorldBounds returns the world-coordinate bounds of the visible area.
func (c *Camera) VisibleWorldBounds() (minX, minY, maxX, maxY float32) {
	halfW := c.ViewportW / (2 * c.Zoom)
	halfH := c.ViewportH / (2 * c.Zoom)
	return c.X - halfW, c.Y - halfH, c.X + halfW, c.Y + halfH
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
