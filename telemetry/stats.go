package telemetry

import (
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/scatter/logging"
)

// FrameStats holds the counters of one engine update.
type FrameStats struct {
	Frame     int64
	State     string
	Instances int

	// Active window
	TilesEntered int
	TilesExited  int
	TilesChanged int
	Desyncs      int

	// Page pass
	PagesFreed     int
	PagesReused    int
	PagesFromPool  int
	PagesReturned  int
	FailedTiles    int
	ClampedTiles   int
	PagesInUse     int
	PagesAllocated int
	FreePages      int
	Fragmentation  float64
	BackingPages   int
	BackingGrew    bool

	// Uploads
	UploadsQueued  int
	UploadsDrained int
	UploadsStale   int
	UploadsPending int
	TilesPublished int

	// Colliders and simulation
	CollidersGathered int
	CollidersDropped  int
	ColliderBatches   int
	TouchedTiles      int
	WorkItems         int
	SimSteps          int
	Collides          int
	Integrates        int

	// Compaction
	Defragmented bool
	DefragMoved  int
}

// WindowStats holds aggregated statistics for a window of frames.
type WindowStats struct {
	WindowStart int64 `csv:"-"`
	WindowEnd   int64 `csv:"window_end"`
	Frames      int   `csv:"frames"`
	Instances   int   `csv:"instances"`

	// Window transitions
	FullResets   int `csv:"full_resets"`
	Recenters    int `csv:"recenters"`
	TilesEntered int `csv:"tiles_entered"`
	TilesExited  int `csv:"tiles_exited"`
	TilesChanged int `csv:"tiles_changed"`
	Desyncs      int `csv:"desyncs"`

	// Pages (sampled every frame)
	PagesInUseMean    float64 `csv:"pages_in_use_mean"`
	PagesInUseMax     float64 `csv:"pages_in_use_max"`
	PagesAllocatedMax float64 `csv:"pages_allocated_max"`
	FragmentationMean float64 `csv:"fragmentation_mean"`
	FragmentationMax  float64 `csv:"fragmentation_max"`
	PagesReused       int     `csv:"pages_reused"`
	PagesFromPool     int     `csv:"pages_from_pool"`
	FailedTiles       int     `csv:"failed_tiles"`
	BackingGrowths    int     `csv:"backing_growths"`

	// Uploads
	UploadsDrained int     `csv:"uploads_drained"`
	UploadsStale   int     `csv:"uploads_stale"`
	UploadsP50     float64 `csv:"uploads_p50"`
	UploadsP90     float64 `csv:"uploads_p90"`
	PendingMax     float64 `csv:"pending_max"`
	TilesPublished int     `csv:"tiles_published"`

	// Colliders and simulation
	CollidersMean float64 `csv:"colliders_mean"`
	WorkItems     int     `csv:"work_items"`
	SimSteps      int     `csv:"sim_steps"`

	// Compaction
	Defrags     int `csv:"defrags"`
	DefragMoved int `csv:"defrag_moved"`
}

// Quantile returns the p-quantile of values using the empirical CDF.
// Returns 0 for an empty slice.
func Quantile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// meanMax returns the mean and maximum of values, or zeros when empty.
func meanMax(values []float64) (mean, maxV float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.Mean(values, nil), floats.Max(values)
}

// LogValue implements slog.LogValuer for structured logging.
func (s WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("window_start", s.WindowStart),
		slog.Int64("window_end", s.WindowEnd),
		slog.Int("instances", s.Instances),
		slog.Int("full_resets", s.FullResets),
		slog.Int("recenters", s.Recenters),
		slog.Int("tiles_entered", s.TilesEntered),
		slog.Int("tiles_exited", s.TilesExited),
		slog.Float64("pages_in_use_mean", s.PagesInUseMean),
		slog.Float64("fragmentation_max", s.FragmentationMax),
		slog.Int("failed_tiles", s.FailedTiles),
		slog.Int("uploads_drained", s.UploadsDrained),
		slog.Int("uploads_stale", s.UploadsStale),
		slog.Float64("uploads_p90", s.UploadsP90),
		slog.Int("work_items", s.WorkItems),
		slog.Int("sim_steps", s.SimSteps),
		slog.Int("defrags", s.Defrags),
	)
}

// LogStats logs the window stats.
func (s WindowStats) LogStats() {
	logging.Logger().Info("stats",
		"window_end", s.WindowEnd,
		"frames", s.Frames,
		"instances", s.Instances,
		"full_resets", s.FullResets,
		"recenters", s.Recenters,
		"tiles_entered", s.TilesEntered,
		"tiles_exited", s.TilesExited,
		"tiles_changed", s.TilesChanged,
		"desyncs", s.Desyncs,
		"pages_in_use_mean", s.PagesInUseMean,
		"pages_in_use_max", s.PagesInUseMax,
		"pages_allocated_max", s.PagesAllocatedMax,
		"fragmentation_mean", s.FragmentationMean,
		"failed_tiles", s.FailedTiles,
		"backing_growths", s.BackingGrowths,
		"uploads_drained", s.UploadsDrained,
		"uploads_stale", s.UploadsStale,
		"uploads_p50", s.UploadsP50,
		"uploads_p90", s.UploadsP90,
		"pending_max", s.PendingMax,
		"colliders_mean", s.CollidersMean,
		"work_items", s.WorkItems,
		"sim_steps", s.SimSteps,
		"defrags", s.Defrags,
		"defrag_moved", s.DefragMoved,
	)
}
