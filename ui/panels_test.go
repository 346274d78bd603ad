package ui

import (
	"testing"

	"github.com/pthm-cable/scatter/telemetry"
)

func TestFramePanelReadsStats(t *testing.T) {
	stats := telemetry.FrameStats{
		State:          "recenter",
		TilesEntered:   5,
		PagesInUse:     42,
		Fragmentation:  0.25,
		UploadsPending: 7,
		WorkItems:      3,
	}

	want := map[string]string{
		"state":      "recenter",
		"Entered":    "5",
		"In use":     "42",
		"Pending":    "7",
		"Work items": "3",
	}
	got := make(map[string]string)
	var frag float32
	for _, sd := range FramePanel(240).Sections {
		for _, fd := range sd.Fields {
			if fd.Widget == WidgetBar {
				frag = fd.Getter(stats)
				continue
			}
			got[fd.ID] = fd.Text(stats)
		}
	}
	for id, w := range want {
		if got[id] != w {
			t.Errorf("field %s: expected %q, got %q", id, w, got[id])
		}
	}
	if frag != 0.25 {
		t.Errorf("expected fragmentation 0.25, got %f", frag)
	}
}

func TestFramePanelIgnoresOtherData(t *testing.T) {
	for _, sd := range FramePanel(240).Sections {
		for _, fd := range sd.Fields {
			if fd.Widget == WidgetText && fd.Getter != nil && fd.Text("not stats") != "0" {
				t.Errorf("field %s: expected 0 for foreign data, got %q", fd.ID, fd.Text("not stats"))
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		value float32
		rng   FieldRange
		want  float32
	}{
		{0.5, DefaultRange(), 0.5},
		{-1, DefaultRange(), 0},
		{3, DefaultRange(), 1},
		{15, FieldRange{Min: 10, Max: 20}, 0.5},
		{1, FieldRange{Min: 1, Max: 1}, 0},
	}
	for _, tc := range tests {
		if got := Normalize(tc.value, tc.rng); got != tc.want {
			t.Errorf("Normalize(%v, %+v): expected %v, got %v", tc.value, tc.rng, tc.want, got)
		}
	}
}

func TestHeightSkipsHiddenSections(t *testing.T) {
	r := NewRenderer()
	pd := FramePanel(240)
	full := r.Height(pd, telemetry.FrameStats{})

	pd.Sections[0].Visible = func(any) bool { return false }
	if got := r.Height(pd, telemetry.FrameStats{}); got >= full {
		t.Errorf("expected hiding a section to shrink the panel below %d, got %d", full, got)
	}
}
