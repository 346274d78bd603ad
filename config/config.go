// Package config provides configuration loading for the paging engine.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"

	"gonum.org/v1/gonum/spatial/r2"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidPaging is returned by Load when the page geometry cannot be used.
// Page sizes are fixed at initialization, so unlike canvas errors this is fatal.
var ErrInvalidPaging = errors.New("invalid paging configuration")

// Config holds all engine configuration parameters.
type Config struct {
	Canvas     CanvasConfig     `yaml:"canvas"`
	Paging     PagingConfig     `yaml:"paging"`
	Window     WindowConfig     `yaml:"window"`
	Simulation SimulationConfig `yaml:"simulation"`
	Colliders  ColliderConfig   `yaml:"colliders"`
	Workers    WorkersConfig    `yaml:"workers"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// CanvasConfig describes the world area covered by the tile grid.
// The grid lies on the XZ plane; Y is up.
type CanvasConfig struct {
	MinX     float64 `yaml:"min_x"`
	MinZ     float64 `yaml:"min_z"`
	MaxX     float64 `yaml:"max_x"`
	MaxZ     float64 `yaml:"max_z"`
	CellSize float64 `yaml:"cell_size"` // Tile edge length in world units
}

// PagingConfig holds page pool and upload parameters.
type PagingConfig struct {
	PageSize           int     `yaml:"page_size"`             // Instance slots per logical page
	GPUPageSize        int     `yaml:"gpu_page_size"`         // Slots per GPU page; must divide page_size
	MaxUploadsPerBatch int     `yaml:"max_uploads_per_batch"` // Upload entries drained per frame
	GrowthFactor       float64 `yaml:"growth_factor"`         // Backing growth multiplier (>= 1)
	InitialPages       int     `yaml:"initial_pages"`         // Logical pages allocated up front
	MaxPages           int     `yaml:"max_pages"`             // Hard cap on logical pages (0 = unbounded)
	MaxPagesPerTile    int     `yaml:"max_pages_per_tile"`    // Page directory entries per window slot
	DefragThreshold    float64 `yaml:"defrag_threshold"`      // Free/allocated ratio that triggers compaction
	DefragMinPages     int     `yaml:"defrag_min_pages"`      // Skip compaction below this many allocated pages
}

// WindowConfig holds active window parameters.
type WindowConfig struct {
	ActiveRadius float64 `yaml:"active_radius"` // World units around the focus kept resident
}

// SimulationConfig holds interaction backend parameters.
type SimulationConfig struct {
	FixedDT  float64      `yaml:"fixed_dt"`
	MinSteps int          `yaml:"min_steps"`
	MaxSteps int          `yaml:"max_steps"`
	Spring   SpringConfig `yaml:"spring"`
}

// SpringConfig holds per-instance spring parameter ranges.
// Each instance samples uniformly inside [min, max] from its seed.
type SpringConfig struct {
	DampingMin       float64 `yaml:"damping_min"`
	DampingMax       float64 `yaml:"damping_max"`
	StiffnessMin     float64 `yaml:"stiffness_min"`
	StiffnessMax     float64 `yaml:"stiffness_max"`
	BreakingAngleMin float64 `yaml:"breaking_angle_min"` // Degrees
	BreakingAngleMax float64 `yaml:"breaking_angle_max"` // Degrees
	RecoveryAngleMin float64 `yaml:"recovery_angle_min"` // Degrees
	RecoveryAngleMax float64 `yaml:"recovery_angle_max"` // Degrees
	PlasticityMin    float64 `yaml:"plasticity_min"`
	PlasticityMax    float64 `yaml:"plasticity_max"`
	TipHeight        float64 `yaml:"tip_height"` // Spring tip above the instance origin
	TipRadius        float64 `yaml:"tip_radius"`
}

// ColliderConfig holds broad-phase parameters.
type ColliderConfig struct {
	MaxColliders int `yaml:"max_colliders"` // Gathered colliders beyond this are dropped
	BatchSize    int `yaml:"batch_size"`    // Colliders per mask batch (<= 32)
}

// WorkersConfig holds worker pool parameters.
type WorkersConfig struct {
	Count             int `yaml:"count"`              // 0 = GOMAXPROCS
	ParallelThreshold int `yaml:"parallel_threshold"` // Items below which work runs inline
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsWindow         int `yaml:"stats_window"` // Frames per stats window
	PerfCollectorWindow int `yaml:"perf_collector_window"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	PagesPerLogical int    // Paging.PageSize / Paging.GPUPageSize
	CanvasBox       r2.Box // Canvas bounds as an XZ box (Vec.Y holds Z)
	Workers         int    // Resolved worker count
	BreakingRad     [2]float64
	RecoveryRad     [2]float64
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only overwrites fields present in the file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.validatePaging(); err != nil {
		return nil, err
	}
	cfg.computeDerived()

	return cfg, nil
}

// Default returns the embedded defaults. It panics if they are malformed,
// which only happens when defaults.yaml itself is broken.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

func (c *Config) validatePaging() error {
	p := c.Paging
	switch {
	case p.PageSize <= 0 || p.GPUPageSize <= 0:
		return fmt.Errorf("%w: page sizes must be positive (page_size=%d, gpu_page_size=%d)",
			ErrInvalidPaging, p.PageSize, p.GPUPageSize)
	case p.PageSize%p.GPUPageSize != 0:
		return fmt.Errorf("%w: gpu_page_size %d does not divide page_size %d",
			ErrInvalidPaging, p.GPUPageSize, p.PageSize)
	case p.GrowthFactor < 1:
		return fmt.Errorf("%w: growth_factor %.2f is below 1", ErrInvalidPaging, p.GrowthFactor)
	case p.MaxUploadsPerBatch <= 0:
		return fmt.Errorf("%w: max_uploads_per_batch must be positive", ErrInvalidPaging)
	case p.MaxPagesPerTile <= 0:
		return fmt.Errorf("%w: max_pages_per_tile must be positive", ErrInvalidPaging)
	case p.MaxPages > 0 && p.InitialPages > p.MaxPages:
		return fmt.Errorf("%w: initial_pages %d exceeds max_pages %d",
			ErrInvalidPaging, p.InitialPages, p.MaxPages)
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.PagesPerLogical = c.Paging.PageSize / c.Paging.GPUPageSize
	c.Derived.CanvasBox = r2.Box{
		Min: r2.Vec{X: c.Canvas.MinX, Y: c.Canvas.MinZ},
		Max: r2.Vec{X: c.Canvas.MaxX, Y: c.Canvas.MaxZ},
	}

	c.Derived.Workers = c.Workers.Count
	if c.Derived.Workers <= 0 {
		c.Derived.Workers = runtime.GOMAXPROCS(0)
	}

	// Batch size is bounded by the mask width
	if c.Colliders.BatchSize <= 0 || c.Colliders.BatchSize > 32 {
		c.Colliders.BatchSize = 32
	}

	s := c.Simulation.Spring
	c.Derived.BreakingRad = [2]float64{deg2rad(s.BreakingAngleMin), deg2rad(s.BreakingAngleMax)}
	c.Derived.RecoveryRad = [2]float64{deg2rad(s.RecoveryAngleMin), deg2rad(s.RecoveryAngleMax)}
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
