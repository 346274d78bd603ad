// Package upload schedules bounded batches of per-tile instance uploads
// into GPU pages.
package upload

import (
	"errors"
	"fmt"

	"github.com/pthm-cable/scatter/paging"
)

// ErrInvalidGeometry is returned when the page sizes cannot be translated.
var ErrInvalidGeometry = errors.New("upload: invalid page geometry")

// Entry uploads Count records of a tile, starting at record First, into
// one GPU page.
type Entry struct {
	Tile        int
	EntryIndex  int
	LogicalPage paging.PageID
	SubPage     int
	GPUPage     uint32
	First       int
	Count       int
	Last        bool // final entry of the tile's refresh
	Version     uint32
}

// Batch is the result of one drain.
type Batch struct {
	Entries   []Entry
	Completed []int // tiles whose last entry is in this batch
	Stale     int   // entries discarded because their tile was re-versioned
}

// Scheduler is a FIFO of upload entries. Every refresh bumps the tile's
// version, so entries queued by an earlier refresh are dropped at drain
// time instead of overwriting pages the tile may no longer own.
//
// A Scheduler is not safe for concurrent use.
type Scheduler struct {
	gpuPageSize     int
	pagesPerLogical int
	maxPerBatch     int
	versions        []uint32
	queue           []Entry
	head            int
}

// NewScheduler creates a scheduler for numTiles tiles. pageSize is the
// logical page size in records and must be a multiple of gpuPageSize.
func NewScheduler(numTiles, pageSize, gpuPageSize, maxPerBatch int) (*Scheduler, error) {
	if pageSize <= 0 || gpuPageSize <= 0 || pageSize%gpuPageSize != 0 || maxPerBatch <= 0 {
		return nil, fmt.Errorf("%w: page %d, gpu page %d, batch %d",
			ErrInvalidGeometry, pageSize, gpuPageSize, maxPerBatch)
	}
	return &Scheduler{
		gpuPageSize:     gpuPageSize,
		pagesPerLogical: pageSize / gpuPageSize,
		maxPerBatch:     maxPerBatch,
		versions:        make([]uint32, numTiles),
	}, nil
}

// Reset drops the queue and resizes the version table.
func (s *Scheduler) Reset(numTiles int) {
	s.Clear()
	s.versions = make([]uint32, numTiles)
}

// UploadPageSize returns the number of records one entry can carry.
func (s *Scheduler) UploadPageSize() int {
	return s.gpuPageSize
}

// MaxUploadsPerBatch returns the batch cap fixed at construction.
func (s *Scheduler) MaxUploadsPerBatch() int {
	return s.maxPerBatch
}

// GPUPage translates the n-th GPU page of a tile into a global GPU page id.
func (s *Scheduler) GPUPage(pages []paging.PageID, n int) (paging.PageID, int, uint32) {
	logical := pages[n/s.pagesPerLogical]
	sub := n % s.pagesPerLogical
	return logical, sub, uint32(logical)*uint32(s.pagesPerLogical) + uint32(sub)
}

// Version returns the current upload version of a tile.
func (s *Scheduler) Version(tile int) uint32 {
	return s.versions[tile]
}

// EnqueueTileRefresh queues the upload of count records of tile into its
// pages and returns the number of entries queued. Records beyond the
// capacity of pages are not uploaded. A count of zero queues a single empty
// last entry so the emptied tile is still published.
func (s *Scheduler) EnqueueTileRefresh(tile int, pages []paging.PageID, count int) int {
	s.versions[tile]++
	v := s.versions[tile]

	count = min(count, len(pages)*s.pagesPerLogical*s.gpuPageSize)
	if count <= 0 {
		s.queue = append(s.queue, Entry{Tile: tile, Last: true, Version: v})
		return 1
	}

	n := paging.PagesNeeded(count, s.gpuPageSize)
	for k := 0; k < n; k++ {
		logical, sub, gpuPage := s.GPUPage(pages, k)
		first := k * s.gpuPageSize
		s.queue = append(s.queue, Entry{
			Tile:        tile,
			EntryIndex:  k,
			LogicalPage: logical,
			SubPage:     sub,
			GPUPage:     gpuPage,
			First:       first,
			Count:       min(s.gpuPageSize, count-first),
			Last:        k == n-1,
			Version:     v,
		})
	}
	return n
}

// Invalidate bumps the tile's version without queuing anything, dropping
// whatever is still queued for it.
func (s *Scheduler) Invalidate(tile int) {
	s.versions[tile]++
}

// DrainNextBatch pops up to limit live entries in FIFO order. limit is
// clamped to MaxUploadsPerBatch; a non-positive limit means the cap. Stale
// entries are discarded and do not count toward limit.
func (s *Scheduler) DrainNextBatch(limit int) Batch {
	if limit <= 0 || limit > s.maxPerBatch {
		limit = s.maxPerBatch
	}

	var b Batch
	for s.head < len(s.queue) && len(b.Entries) < limit {
		e := s.queue[s.head]
		s.head++
		if e.Tile >= len(s.versions) || e.Version != s.versions[e.Tile] {
			b.Stale++
			continue
		}
		b.Entries = append(b.Entries, e)
		if e.Last {
			b.Completed = append(b.Completed, e.Tile)
		}
	}
	s.compact()
	return b
}

// compact reclaims the drained prefix once it dominates the queue.
func (s *Scheduler) compact() {
	if s.head == len(s.queue) {
		s.queue = s.queue[:0]
		s.head = 0
		return
	}
	if s.head > len(s.queue)/2 {
		n := copy(s.queue, s.queue[s.head:])
		s.queue = s.queue[:n]
		s.head = 0
	}
}

// Pending returns the number of queued entries, stale ones included.
func (s *Scheduler) Pending() int {
	return len(s.queue) - s.head
}

// PendingTiles returns the distinct tiles with live queued entries, in
// queue order.
func (s *Scheduler) PendingTiles() []int {
	var tiles []int
	seen := make(map[int]bool)
	for _, e := range s.queue[s.head:] {
		if seen[e.Tile] || e.Version != s.versions[e.Tile] {
			continue
		}
		seen[e.Tile] = true
		tiles = append(tiles, e.Tile)
	}
	return tiles
}

// Clear drops every queued entry. Versions are kept so entries already
// handed out can still be recognised as stale by callers comparing them.
func (s *Scheduler) Clear() {
	s.queue = s.queue[:0]
	s.head = 0
}
