package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/game"
	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/logging"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	frames := flag.Int("frames", 600, "Stop after N updates (0 = unlimited)")
	instances := flag.Int("instances", game.DefaultInstances, "Instances scattered over the canvas")
	seed := flag.Uint64("seed", 0, "RNG seed (0 = time-based)")
	dt := flag.Float64("dt", 0, "Seconds between updates (0 = simulation.fixed_dt)")
	churn := flag.Float64("churn", game.DefaultChurn, "Fraction of instances relocated per second")
	capsule := flag.Float64("capsule-radius", game.DefaultCapsuleRadius, "Radius of the sweeping capsule (0 = none)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	logFile := flag.String("log-file", "", "Write logs to a rotating file instead of stdout")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logStats := flag.Bool("log-stats", false, "Output window stats via slog")
	device := flag.String("device", "host", "Buffer device: host or noop")

	flag.Parse()

	logger, closeLog, err := newLogger(*logFile, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog.Close()
	slog.SetDefault(logger)
	logging.SetLogger(logger)

	if err := run(*configPath, *frames, *instances, *seed, *dt, *churn, *capsule, *outputDir, *logStats, *device); err != nil {
		slog.Error("run failed", "error", err)
		closeLog.Close()
		os.Exit(1)
	}
}

func run(configPath string, frames, instances int, seed uint64, dt, churn, capsule float64, outputDir string, logStats bool, device string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Set up seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if dt <= 0 {
		dt = cfg.Simulation.FixedDT
	}

	dev, err := openDevice(device)
	if err != nil {
		return err
	}
	defer dev.Close()

	opts := game.DefaultOptions()
	opts.Seed = seed
	opts.Instances = instances
	opts.Device = dev
	opts.Churn = churn
	opts.CapsuleRadius = capsule
	opts.LogStats = logStats
	opts.OutputDir = outputDir

	g, err := game.New(cfg, opts)
	if err != nil {
		return err
	}

	slog.Info("starting headless run",
		"seed", seed,
		"frames", frames,
		"dt", dt,
		"instances", instances,
		"device", device,
	)

	start := time.Now()
	for frames == 0 || g.Engine().Frame() < int64(frames) {
		if _, err := g.Step(dt); err != nil {
			g.Unload()
			return err
		}
	}

	slog.Info("run complete",
		"frames", g.Engine().Frame(),
		"simulated", time.Duration(g.Elapsed()*float64(time.Second)),
		"wall", time.Since(start),
		"pages_in_use", g.Engine().Pool().InUse(),
		"pages_allocated", g.Engine().Pool().Allocated(),
		"perf", g.Perf().Stats(),
	)
	return g.Unload()
}

// newLogger builds the JSON logger, writing to stdout or a rotating file.
func newLogger(file, level string) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var w io.WriteCloser = nopCloser{os.Stdout}
	if file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), w, nil
}

func openDevice(name string) (gpu.Device, error) {
	switch name {
	case "host":
		return gpu.NewHostDevice(), nil
	case "noop":
		return gpu.OpenNoop()
	default:
		return nil, fmt.Errorf("unknown device %q (want host or noop)", name)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
