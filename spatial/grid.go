// Package spatial buckets scattered instances into a 2D tile grid over the
// XZ plane and owns the toroidal arithmetic for the active window.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// InvalidTile is returned by Classify for positions outside the canvas.
const InvalidTile = -1

// ErrInvalidGrid is returned when the canvas or cell size cannot form a grid.
var ErrInvalidGrid = errors.New("spatial: invalid grid")

// TileCoord is an absolute tile coordinate. Y indexes the Z axis.
type TileCoord struct {
	X, Y int
}

// Grid maps world positions to tiles. Positions use r2.Vec with Y holding
// world Z. Tiles are flattened row-major: row*TilesX + col.
type Grid struct {
	Bounds   r2.Box
	CellSize float64
	TilesX   int
	TilesY   int
}

// NewGrid builds a grid covering bounds with square cells. Partial cells at
// the max edges are kept whole.
func NewGrid(bounds r2.Box, cellSize float64) (Grid, error) {
	size := bounds.Size()
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return Grid{}, fmt.Errorf("%w: cell size %v", ErrInvalidGrid, cellSize)
	}
	if !(size.X > 0) || !(size.Y > 0) || math.IsInf(size.X, 0) || math.IsInf(size.Y, 0) {
		return Grid{}, fmt.Errorf("%w: canvas %v", ErrInvalidGrid, bounds)
	}
	return Grid{
		Bounds:   bounds,
		CellSize: cellSize,
		TilesX:   int(math.Ceil(size.X / cellSize)),
		TilesY:   int(math.Ceil(size.Y / cellSize)),
	}, nil
}

// NumTiles returns the number of tiles in the grid.
func (g Grid) NumTiles() int {
	return g.TilesX * g.TilesY
}

// Valid reports whether the grid has at least one tile.
func (g Grid) Valid() bool {
	return g.CellSize > 0 && g.TilesX > 0 && g.TilesY > 0
}

// Classify returns the flat tile index containing pos, or InvalidTile and
// false when pos is NaN or outside the canvas. The max edges belong to the
// last row and column.
func (g Grid) Classify(pos r2.Vec) (int, bool) {
	if !g.Valid() || math.IsNaN(pos.X) || math.IsNaN(pos.Y) {
		return InvalidTile, false
	}
	if pos.X < g.Bounds.Min.X || pos.X > g.Bounds.Max.X ||
		pos.Y < g.Bounds.Min.Y || pos.Y > g.Bounds.Max.Y {
		return InvalidTile, false
	}
	c := g.CoordOf(pos)
	c.X = min(c.X, g.TilesX-1)
	c.Y = min(c.Y, g.TilesY-1)
	return g.Flatten(c), true
}

// CoordOf returns the unclamped tile coordinate of pos.
func (g Grid) CoordOf(pos r2.Vec) TileCoord {
	return TileCoord{
		X: int(math.Floor((pos.X - g.Bounds.Min.X) / g.CellSize)),
		Y: int(math.Floor((pos.Y - g.Bounds.Min.Y) / g.CellSize)),
	}
}

// Flatten converts a coordinate to a flat tile index. The coordinate must be
// in bounds.
func (g Grid) Flatten(c TileCoord) int {
	return c.Y*g.TilesX + c.X
}

// Coord converts a flat tile index back to a coordinate.
func (g Grid) Coord(tile int) TileCoord {
	return TileCoord{X: tile % g.TilesX, Y: tile / g.TilesX}
}

// InBounds reports whether c addresses a tile of the grid.
func (g Grid) InBounds(c TileCoord) bool {
	return c.X >= 0 && c.X < g.TilesX && c.Y >= 0 && c.Y < g.TilesY
}

// TileBox returns the world extent of a tile.
func (g Grid) TileBox(c TileCoord) r2.Box {
	lo := r2.Vec{
		X: g.Bounds.Min.X + float64(c.X)*g.CellSize,
		Y: g.Bounds.Min.Y + float64(c.Y)*g.CellSize,
	}
	return r2.Box{Min: lo, Max: r2.Add(lo, r2.Vec{X: g.CellSize, Y: g.CellSize})}
}

// TileRange returns the inclusive coordinate range of tiles overlapping b,
// clamped to the grid. ok is false when b misses the grid entirely.
func (g Grid) TileRange(b r2.Box) (lo, hi TileCoord, ok bool) {
	if !g.Valid() {
		return lo, hi, false
	}
	lo = g.CoordOf(b.Min)
	hi = g.CoordOf(b.Max)
	if hi.X < 0 || hi.Y < 0 || lo.X >= g.TilesX || lo.Y >= g.TilesY {
		return lo, hi, false
	}
	lo.X = max(lo.X, 0)
	lo.Y = max(lo.Y, 0)
	hi.X = min(hi.X, g.TilesX-1)
	hi.Y = min(hi.Y, g.TilesY-1)
	return lo, hi, lo.X <= hi.X && lo.Y <= hi.Y
}

// Equal reports whether two grids have identical geometry.
func (g Grid) Equal(o Grid) bool {
	return g.Bounds == o.Bounds && g.CellSize == o.CellSize
}
