package game

import (
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/telemetry"
)

// flushTelemetry closes the stats window once it is full.
func (g *Game) flushTelemetry() {
	if !g.collector.ShouldFlush() {
		return
	}
	g.writeWindow(g.collector.Flush())
}

// writeWindow logs and exports one stats window with the current perf
// summary.
func (g *Game) writeWindow(stats telemetry.WindowStats) {
	perfStats := g.perf.Stats()

	if g.logStats {
		stats.LogStats()
		perfStats.LogStats()
	}

	if g.output != nil {
		if err := g.output.WriteStats(stats); err != nil {
			logging.Logger().Error("failed to write stats", "error", err)
		}
		if err := g.output.WritePerf(perfStats, stats.WindowEnd); err != nil {
			logging.Logger().Error("failed to write perf", "error", err)
		}
	}
}
