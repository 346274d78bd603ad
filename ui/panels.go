package ui

import (
	"github.com/pthm-cable/scatter/telemetry"
)

func frame(data any) telemetry.FrameStats {
	f, _ := data.(telemetry.FrameStats)
	return f
}

func count(label string, get func(telemetry.FrameStats) int) FieldDescriptor {
	return FieldDescriptor{
		ID:     label,
		Label:  label,
		Widget: WidgetText,
		Format: "%.0f",
		Getter: func(d any) float32 { return float32(get(frame(d))) },
	}
}

// FramePanel describes the per-update paging statistics panel. Its data is
// a telemetry.FrameStats.
func FramePanel(width int32) PanelDescriptor {
	return PanelDescriptor{
		ID:    "frame",
		Title: "Paging",
		Width: width,
		Sections: []SectionDescriptor{
			{
				ID:    "window",
				Title: "Window",
				Fields: []FieldDescriptor{
					{ID: "state", Label: "State", Widget: WidgetText,
						TextGetter: func(d any) string { return frame(d).State }},
					count("Entered", func(f telemetry.FrameStats) int { return f.TilesEntered }),
					count("Exited", func(f telemetry.FrameStats) int { return f.TilesExited }),
					count("Changed", func(f telemetry.FrameStats) int { return f.TilesChanged }),
				},
			},
			{
				ID:    "pages",
				Title: "Pages",
				Fields: []FieldDescriptor{
					count("In use", func(f telemetry.FrameStats) int { return f.PagesInUse }),
					count("Allocated", func(f telemetry.FrameStats) int { return f.PagesAllocated }),
					count("Backing", func(f telemetry.FrameStats) int { return f.BackingPages }),
					{ID: "fragmentation", Label: "Fragmentation", Widget: WidgetBar, Range: DefaultRange(),
						Getter: func(d any) float32 { return float32(frame(d).Fragmentation) }},
					count("Failed tiles", func(f telemetry.FrameStats) int { return f.FailedTiles }),
				},
			},
			{
				ID:    "uploads",
				Title: "Uploads",
				Fields: []FieldDescriptor{
					count("Drained", func(f telemetry.FrameStats) int { return f.UploadsDrained }),
					count("Pending", func(f telemetry.FrameStats) int { return f.UploadsPending }),
					count("Stale", func(f telemetry.FrameStats) int { return f.UploadsStale }),
					count("Published", func(f telemetry.FrameStats) int { return f.TilesPublished }),
				},
			},
			{
				ID:    "interaction",
				Title: "Interaction",
				Fields: []FieldDescriptor{
					count("Colliders", func(f telemetry.FrameStats) int { return f.CollidersGathered }),
					count("Touched tiles", func(f telemetry.FrameStats) int { return f.TouchedTiles }),
					count("Work items", func(f telemetry.FrameStats) int { return f.WorkItems }),
					count("Sim steps", func(f telemetry.FrameStats) int { return f.SimSteps }),
				},
			},
		},
	}
}
