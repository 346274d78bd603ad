package camera

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func canvas(w, h float64) r2.Box {
	return r2.Box{Max: r2.Vec{X: w, Y: h}}
}

func TestNew(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))

	// Should be centered on the canvas, showing all of it
	if cam.X != 1280 || cam.Y != 720 {
		t.Errorf("expected camera at (1280, 720), got (%f, %f)", cam.X, cam.Y)
	}
	if cam.Zoom != 0.5 {
		t.Errorf("expected zoom 0.5, got %f", cam.Zoom)
	}
}

func TestWorldToScreenCentered(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))

	sx, sy := cam.WorldToScreen(1280, 720)
	if math.Abs(float64(sx-640)) > 0.01 || math.Abs(float64(sy-360)) > 0.01 {
		t.Errorf("expected screen center (640, 360), got (%f, %f)", sx, sy)
	}
}

func TestScreenToWorldRoundtrip(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))
	cam.SetZoom(2)

	testCases := []struct{ sx, sy float32 }{
		{640, 360},
		{100, 100},
		{1200, 600},
	}
	for _, tc := range testCases {
		wx, wy := cam.ScreenToWorld(tc.sx, tc.sy)
		sx, sy := cam.WorldToScreen(wx, wy)
		if math.Abs(float64(sx-tc.sx)) > 0.01 || math.Abs(float64(sy-tc.sy)) > 0.01 {
			t.Errorf("roundtrip failed: (%f,%f) -> (%f,%f) -> (%f,%f)",
				tc.sx, tc.sy, wx, wy, sx, sy)
		}
	}
}

func TestPanClampsToCanvas(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))
	cam.SetZoom(1)
	cam.X = 100

	cam.Pan(-200, 0)
	if cam.X != 0 {
		t.Errorf("expected X clamped to the canvas edge, got %f", cam.X)
	}

	cam.Pan(0, 300)
	if cam.Y != 1020 {
		t.Errorf("expected Y 1020, got %f", cam.Y)
	}
}

func TestZoomClamp(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))

	cam.SetZoom(0.1)
	if cam.Zoom != 0.5 {
		t.Errorf("expected zoom clamped to 0.5, got %f", cam.Zoom)
	}
	cam.SetZoom(100)
	if cam.Zoom != cam.MaxZoom {
		t.Errorf("expected zoom clamped to %f, got %f", cam.MaxZoom, cam.Zoom)
	}
}

func TestMinZoomFitsCanvas(t *testing.T) {
	cam := New(800, 600, canvas(1600, 800))

	// min(800/1600, 600/800) = 0.5 fits the wider dimension
	if math.Abs(float64(cam.MinZoom-0.5)) > 0.001 {
		t.Errorf("expected MinZoom 0.5, got %f", cam.MinZoom)
	}
	minX, _, maxX, _ := cam.VisibleWorldBounds()
	if minX > 0 || maxX < 1600 {
		t.Errorf("expected the whole canvas visible, got x range %f..%f", minX, maxX)
	}
}

func TestIsVisible(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))
	cam.SetZoom(1)

	// Visible range is (640, 360) to (1920, 1080)
	if !cam.IsVisible(1280, 720, 10) {
		t.Error("center should be visible")
	}
	if cam.IsVisible(2400, 1300, 10) {
		t.Error("far point should not be visible")
	}
	if !cam.IsVisible(600, 720, 100) {
		t.Error("edge point with large radius should be visible")
	}
}

func TestFocusUsesCanvasPlane(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))
	cam.MoveTo(10, 20)

	f := cam.Focus()
	if f.X != 10 || f.Y != 0 || f.Z != 20 {
		t.Errorf("expected focus (10, 0, 20), got %+v", f)
	}
}

func TestSetCanvasRefits(t *testing.T) {
	cam := New(1280, 720, canvas(2560, 1440))
	cam.MoveTo(2000, 1000)

	cam.SetCanvas(canvas(128, 128))
	if cam.X != 64 || cam.Y != 64 {
		t.Errorf("expected camera recentered at (64, 64), got (%f, %f)", cam.X, cam.Y)
	}
	if cam.Zoom != 720.0/128 {
		t.Errorf("expected zoom %f, got %f", 720.0/128, cam.Zoom)
	}
}
