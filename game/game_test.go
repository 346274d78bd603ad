package game

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/spatial"
)

const testConfig = `
canvas: {min_x: 0, min_z: 0, max_x: 64, max_z: 64, cell_size: 8}
paging: {page_size: 16, gpu_page_size: 4, initial_pages: 4, max_pages: 0, max_uploads_per_batch: 512}
window: {active_radius: 16}
workers: {count: 2}
telemetry: {stats_window: 4, perf_collector_window: 4}
`

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	return cfg
}

func newTestGame(t *testing.T, opts Options) *Game {
	t.Helper()
	g, err := New(loadConfig(t), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// checkSlots verifies every handle's back-reference against the engine.
func checkSlots(t *testing.T, g *Game) {
	t.Helper()
	w := g.World()
	for _, h := range w.Handles() {
		got, ok := g.Engine().Handle(w.Slot(h))
		if !ok || got != h {
			t.Fatalf("handle %d: expected engine slot %+v to hold it, got %d (ok=%v)", h, w.Slot(h), got, ok)
		}
	}
}

func TestScatterIndexesEveryInstance(t *testing.T) {
	opts := DefaultOptions()
	opts.Instances = 500
	g := newTestGame(t, opts)
	defer g.Unload()

	if g.Engine().Instances() != 500 {
		t.Errorf("expected 500 instances, got %d", g.Engine().Instances())
	}
	checkSlots(t, g)

	if _, err := g.Step(1.0 / 60); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if g.Last().State != "full_reset" || g.Last().TilesPublished == 0 {
		t.Errorf("expected a full reset publishing tiles, got %+v", g.Last())
	}
}

func TestChurnKeepsBackReferences(t *testing.T) {
	opts := DefaultOptions()
	opts.Instances = 400
	opts.Churn = 0.5
	g := newTestGame(t, opts)
	defer g.Unload()

	for i := 0; i < 10; i++ {
		if _, err := g.Step(0.1); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if g.Engine().Instances() != 400 {
		t.Errorf("expected churn to keep 400 instances, got %d", g.Engine().Instances())
	}
	checkSlots(t, g)
	if g.Engine().Pool().InUse() == 0 {
		t.Error("expected pages in use around the focus")
	}
}

func TestResetCanvasRescatters(t *testing.T) {
	opts := DefaultOptions()
	opts.Instances = 100
	g := newTestGame(t, opts)
	defer g.Unload()

	bounds := r2.Box{Min: r2.Vec{X: 100, Y: 100}, Max: r2.Vec{X: 132, Y: 132}}
	if err := g.ResetCanvas(bounds, 4); err != nil {
		t.Fatalf("ResetCanvas: %v", err)
	}
	if g.Engine().Grid().TilesX != 8 || g.Engine().Instances() != 100 {
		t.Errorf("expected 8 tile columns and 100 instances, got %d and %d",
			g.Engine().Grid().TilesX, g.Engine().Instances())
	}
	for _, h := range g.World().Handles() {
		p := g.World().Position(h)
		if p.X < 100 || p.X > 132 || p.Z < 100 || p.Z > 132 {
			t.Fatalf("expected instance inside the new canvas, got %v", p)
		}
	}
	checkSlots(t, g)

	err := g.ResetCanvas(r2.Box{}, 4)
	if !errors.Is(err, spatial.ErrInvalidGrid) {
		t.Errorf("expected ErrInvalidGrid, got %v", err)
	}
	if err := g.ResetCanvas(bounds, 4); err != nil || g.Engine().Instances() != 100 {
		t.Errorf("expected population restored after an invalid canvas, got %d (%v)", g.Engine().Instances(), err)
	}
}

func TestCapsuleTouchesInstances(t *testing.T) {
	opts := DefaultOptions()
	opts.Instances = 2000
	opts.Churn = 0
	opts.CapsuleRadius = 3
	g := newTestGame(t, opts)
	defer g.Unload()

	center := r3.Vec{X: 32, Z: 32}
	for i := 0; i < 3; i++ {
		stats, err := g.StepAt(center, 1.0/60)
		if err != nil {
			t.Fatal(err)
		}
		if stats.CollidersGathered != 1 || stats.TouchedTiles == 0 || stats.WorkItems == 0 {
			t.Errorf("frame %d: expected the capsule to reach resident pages, got %+v", i, stats)
		}
	}

	g.SetCapsuleRadius(0)
	stats, err := g.StepAt(center, 1.0/60)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CollidersGathered != 0 {
		t.Errorf("expected no colliders after disabling the capsule, got %d", stats.CollidersGathered)
	}
}

func TestOutputWritesStatsWindows(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Instances = 200
	opts.OutputDir = dir
	g := newTestGame(t, opts)

	for i := 0; i < 10; i++ {
		if _, err := g.Step(1.0 / 60); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "stats.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// Two full windows of 4 frames plus the partial one flushed by Unload
	if len(lines) != 4 {
		t.Errorf("expected header and 3 rows, got %d lines", len(lines))
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("expected config snapshot: %v", err)
	}
}
