// Scatter viewer - top-down view of tile paging around a movable focus.
//
// Usage: go run ./cmd/scatterview [-config path] [-instances n]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	gui "github.com/gen2brain/raylib-go/raygui"
	rl "github.com/gen2brain/raylib-go/raylib"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/camera"
	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/engine"
	"github.com/pthm-cable/scatter/game"
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/spatial"
	"github.com/pthm-cable/scatter/ui"
)

const (
	screenWidth  = 1280
	screenHeight = 800
	panelWidth   = 240
	panSpeed     = 600 // pixels per second
	maxDrawn     = 20000
)

var (
	colorIdle      = rl.Color{R: 35, G: 38, B: 42, A: 255}
	colorEmpty     = rl.Color{R: 30, G: 60, B: 40, A: 255}
	colorPaged     = rl.Color{R: 60, G: 140, B: 220, A: 255}
	colorUploading = rl.Color{R: 230, G: 150, B: 50, A: 255}
	colorInstance  = rl.Color{R: 190, G: 230, B: 160, A: 255}
	colorCapsule   = rl.Color{R: 240, G: 80, B: 80, A: 255}
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	instances := flag.Int("instances", game.DefaultInstances, "Instances scattered over the canvas")
	seed := flag.Uint64("seed", 1, "RNG seed")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)
	logging.SetLogger(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	opts := game.DefaultOptions()
	opts.Seed = *seed
	opts.Instances = *instances
	// The mouse capsule replaces the sweeping one
	opts.CapsuleRadius = 0
	g, err := game.New(cfg, opts)
	if err != nil {
		slog.Error("failed to create game", "error", err)
		os.Exit(1)
	}
	defer g.Unload()

	rl.SetConfigFlags(rl.FlagWindowResizable)
	rl.InitWindow(screenWidth, screenHeight, "Scatter")
	defer rl.CloseWindow()
	rl.SetTargetFPS(60)

	v := &viewer{
		cfg:     cfg,
		g:       g,
		cam:     camera.New(screenWidth, screenHeight, cfg.Derived.CanvasBox),
		hud:     ui.NewHUD(),
		perf:    ui.NewPerfPanel(screenWidth-panelWidth-10, 10),
		panels:  ui.NewRenderer(),
		capsule: game.DefaultCapsuleRadius,
	}
	for !rl.WindowShouldClose() {
		v.update()
		v.draw()
	}
}

type viewer struct {
	cfg    *config.Config
	g      *game.Game
	cam    *camera.Camera
	hud    *ui.HUD
	perf   *ui.PerfPanel
	panels *ui.Renderer

	paused  bool
	capsule float64
	err     error
}

func (v *viewer) update() {
	w, h := float32(rl.GetScreenWidth()), float32(rl.GetScreenHeight())
	v.cam.Resize(w, h)
	v.perf.SetPosition(int32(w)-panelWidth-10, 10)
	v.g.Perf().RecordFrame()

	dt := rl.GetFrameTime()
	var dx, dy float32
	if rl.IsKeyDown(rl.KeyW) {
		dy -= panSpeed * dt
	}
	if rl.IsKeyDown(rl.KeyS) {
		dy += panSpeed * dt
	}
	if rl.IsKeyDown(rl.KeyA) {
		dx -= panSpeed * dt
	}
	if rl.IsKeyDown(rl.KeyD) {
		dx += panSpeed * dt
	}
	if rl.IsMouseButtonDown(rl.MouseButtonRight) {
		d := rl.GetMouseDelta()
		dx -= d.X
		dy -= d.Y
	}
	v.cam.Pan(dx, dy)

	if wheel := rl.GetMouseWheelMove(); wheel != 0 {
		v.cam.ZoomBy(1 + 0.1*wheel)
	}
	if rl.IsKeyPressed(rl.KeySpace) {
		v.paused = !v.paused
	}
	if v.paused {
		return
	}

	eng := v.g.Engine()
	mouse := rl.GetMousePosition()
	mx, mz := v.cam.ScreenToWorld(mouse.X, mouse.Y)
	base := r3.Vec{X: float64(mx), Z: float64(mz)}
	eng.SetColliders([]collide.Capsule{{
		A:      base,
		B:      r3.Add(base, r3.Vec{Y: game.CapsuleHeight}),
		Radius: v.capsule,
	}})

	if _, err := v.g.StepAt(v.cam.Focus(), float64(dt)); err != nil {
		v.err = err
		slog.Error("update failed", "error", err)
	}
}

func (v *viewer) draw() {
	rl.BeginDrawing()
	defer rl.EndDrawing()
	rl.ClearBackground(rl.Color{R: 15, G: 17, B: 20, A: 255})

	eng := v.g.Engine()
	v.drawTiles(eng)
	v.drawInstances(eng)
	v.drawWindow(eng)
	v.drawCapsule()

	last := v.g.Last()
	v.hud.Draw(ui.HUDData{
		Title:     "Scatter",
		Frame:     eng.Frame(),
		FPS:       rl.GetFPS(),
		Instances: eng.Instances(),
		Tiles:     eng.Grid().NumTiles(),
		Radius:    eng.ActiveRadius(),
		Paused:    v.paused,
	})
	bottom := v.panels.DrawDescriptor(10, 100, ui.FramePanel(panelWidth), last)
	v.drawControls(10, float32(bottom+10))
	v.perf.Draw(v.g.Perf().Stats())

	if v.err != nil {
		rl.DrawText(v.err.Error(), 10, int32(rl.GetScreenHeight())-50, 14, colorCapsule)
	}
	v.hud.DrawControls(int32(rl.GetScreenHeight()), "[WASD/right drag] pan  [wheel] zoom  [space] pause")
}

// drawTiles colors visible tiles by page ownership: dark outside the window,
// green for resident empty tiles, blue by page count when published and
// orange while an upload is pending.
func (v *viewer) drawTiles(eng *engine.Engine) {
	grid := eng.Grid()
	if !grid.Valid() {
		return
	}
	minX, minY, maxX, maxY := v.cam.VisibleWorldBounds()
	lo, hi, ok := grid.TileRange(boxOf(minX, minY, maxX, maxY))
	if !ok {
		return
	}
	maxPages := float32(v.cfg.Paging.MaxPagesPerTile)
	win := eng.Window()
	size := float32(grid.CellSize) * v.cam.Zoom

	for y := lo.Y; y <= hi.Y; y++ {
		for x := lo.X; x <= hi.X; x++ {
			c := spatial.TileCoord{X: x, Y: y}
			tile := grid.Flatten(c)
			color := colorIdle
			switch pages := eng.TilePages(tile); {
			case !win.Contains(tile):
			case pages > 0 && !eng.Published(tile):
				color = colorUploading
			case pages > 0:
				color = lerp(colorEmpty, colorPaged, 0.3+0.7*min(float32(pages)/maxPages, 1))
			default:
				color = colorEmpty
			}
			box := grid.TileBox(c)
			sx, sy := v.cam.WorldToScreen(float32(box.Min.X), float32(box.Min.Y))
			rl.DrawRectangleV(rl.Vector2{X: sx, Y: sy}, rl.Vector2{X: size, Y: size}, color)
			if size > 12 {
				rl.DrawRectangleLines(int32(sx), int32(sy), int32(size), int32(size), rl.Fade(rl.Black, 0.4))
			}
		}
	}
}

// drawInstances draws instances of visible tiles once zoomed in enough.
func (v *viewer) drawInstances(eng *engine.Engine) {
	if v.cam.Zoom < 2 {
		return
	}
	grid := eng.Grid()
	minX, minY, maxX, maxY := v.cam.VisibleWorldBounds()
	lo, hi, ok := grid.TileRange(boxOf(minX, minY, maxX, maxY))
	if !ok {
		return
	}
	world := v.g.World()
	drawn := 0
	for y := lo.Y; y <= hi.Y; y++ {
		for x := lo.X; x <= hi.X; x++ {
			tile := grid.Flatten(spatial.TileCoord{X: x, Y: y})
			for i := 0; i < eng.TileCount(tile) && drawn < maxDrawn; i++ {
				h, ok := eng.Handle(spatial.Slot{Tile: tile, Index: i})
				if !ok {
					break
				}
				p := world.Position(h)
				sx, sy := v.cam.WorldToScreen(float32(p.X), float32(p.Z))
				rl.DrawCircleV(rl.Vector2{X: sx, Y: sy}, max(1, 0.25*v.cam.Zoom), colorInstance)
				drawn++
			}
		}
	}
}

func (v *viewer) drawWindow(eng *engine.Engine) {
	win := eng.Window()
	if !win.Ready() {
		return
	}
	b := win.WorldBox()
	x0, y0 := v.cam.WorldToScreen(float32(b.Min.X), float32(b.Min.Y))
	x1, y1 := v.cam.WorldToScreen(float32(b.Max.X), float32(b.Max.Y))
	rl.DrawRectangleLinesEx(rl.Rectangle{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, 2, rl.White)

	fx, fy := v.cam.WorldToScreen(v.cam.X, v.cam.Y)
	rl.DrawCircleLines(int32(fx), int32(fy), float32(eng.ActiveRadius())*v.cam.Zoom, rl.Fade(rl.White, 0.5))
	rl.DrawCircleV(rl.Vector2{X: fx, Y: fy}, 4, rl.White)
}

func (v *viewer) drawCapsule() {
	mouse := rl.GetMousePosition()
	rl.DrawCircleLines(int32(mouse.X), int32(mouse.Y), float32(v.capsule)*v.cam.Zoom, colorCapsule)
}

// drawControls draws the sliders and buttons below the stats panel.
func (v *viewer) drawControls(x, y float32) {
	eng := v.g.Engine()
	cell := float32(eng.Grid().CellSize)
	if cell <= 0 {
		cell = float32(v.cfg.Canvas.CellSize)
	}

	rl.DrawText(fmt.Sprintf("Active radius %.0f", eng.ActiveRadius()), int32(x), int32(y), 12, rl.LightGray)
	y += 16
	radius := gui.SliderBar(rl.Rectangle{X: x + 30, Y: y, Width: panelWidth - 70, Height: 16},
		"min", "max", float32(eng.ActiveRadius()), cell/2, cell*16)
	if float64(radius) != eng.ActiveRadius() {
		eng.SetActiveRadius(float64(radius))
	}
	y += 24

	rl.DrawText(fmt.Sprintf("Churn %.1f%%/s", v.g.Churn()*100), int32(x), int32(y), 12, rl.LightGray)
	y += 16
	churn := gui.SliderBar(rl.Rectangle{X: x + 30, Y: y, Width: panelWidth - 70, Height: 16},
		"0", "20%", float32(v.g.Churn()), 0, 0.2)
	if float64(churn) != v.g.Churn() {
		v.g.SetChurn(float64(churn))
	}
	y += 24

	rl.DrawText(fmt.Sprintf("Capsule radius %.1f", v.capsule), int32(x), int32(y), 12, rl.LightGray)
	y += 16
	v.capsule = float64(gui.SliderBar(rl.Rectangle{X: x + 30, Y: y, Width: panelWidth - 70, Height: 16},
		"", "", float32(v.capsule), 0.5, cell))
	y += 28

	if gui.Button(rl.Rectangle{X: x, Y: y, Width: 115, Height: 28}, "Re-scatter") {
		v.err = v.g.Scatter(v.g.World().Len())
	}
	if gui.Button(rl.Rectangle{X: x + 125, Y: y, Width: 115, Height: 28}, "Reset canvas") {
		v.err = v.g.ResetCanvas(v.cfg.Derived.CanvasBox, v.cfg.Canvas.CellSize)
		v.cam.SetCanvas(v.cfg.Derived.CanvasBox)
	}
}

func boxOf(minX, minY, maxX, maxY float32) r2.Box {
	return r2.Box{
		Min: r2.Vec{X: float64(minX), Y: float64(minY)},
		Max: r2.Vec{X: float64(maxX), Y: float64(maxY)},
	}
}

func lerp(a, b rl.Color, t float32) rl.Color {
	mix := func(x, y uint8) uint8 { return uint8(float32(x) + (float32(y)-float32(x))*t) }
	return rl.Color{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}
