package telemetry

// Collector accumulates FrameStats within windows of frames and produces
// WindowStats.
type Collector struct {
	windowFrames int
	windowStart  int64
	last         int64
	acc          WindowStats

	// Per-frame samples for the current window
	inUse     []float64
	allocated []float64
	frag      []float64
	uploads   []float64
	pending   []float64
	colliders []float64
}

// NewCollector creates a new stats collector flushing every windowFrames
// frames.
func NewCollector(windowFrames int) *Collector {
	if windowFrames < 1 {
		windowFrames = 1
	}
	return &Collector{windowFrames: windowFrames}
}

// Record adds one frame to the current window.
func (c *Collector) Record(f FrameStats) {
	if c.acc.Frames == 0 {
		c.windowStart = f.Frame
	}
	c.last = f.Frame
	a := &c.acc
	a.Frames++
	a.Instances = f.Instances

	switch f.State {
	case "full_reset":
		a.FullResets++
	case "recenter":
		a.Recenters++
	}
	a.TilesEntered += f.TilesEntered
	a.TilesExited += f.TilesExited
	a.TilesChanged += f.TilesChanged
	a.Desyncs += f.Desyncs

	a.PagesReused += f.PagesReused
	a.PagesFromPool += f.PagesFromPool
	a.FailedTiles += f.FailedTiles
	if f.BackingGrew {
		a.BackingGrowths++
	}

	a.UploadsDrained += f.UploadsDrained
	a.UploadsStale += f.UploadsStale
	a.TilesPublished += f.TilesPublished

	a.WorkItems += f.WorkItems
	a.SimSteps += f.SimSteps

	if f.Defragmented {
		a.Defrags++
		a.DefragMoved += f.DefragMoved
	}

	c.inUse = append(c.inUse, float64(f.PagesInUse))
	c.allocated = append(c.allocated, float64(f.PagesAllocated))
	c.frag = append(c.frag, f.Fragmentation)
	c.uploads = append(c.uploads, float64(f.UploadsDrained))
	c.pending = append(c.pending, float64(f.UploadsPending))
	c.colliders = append(c.colliders, float64(f.CollidersGathered))
}

// ShouldFlush returns true once the window holds windowFrames frames.
func (c *Collector) ShouldFlush() bool {
	return c.acc.Frames >= c.windowFrames
}

// Flush produces a WindowStats and resets the collector for the next window.
func (c *Collector) Flush() WindowStats {
	s := c.acc
	s.WindowStart = c.windowStart
	s.WindowEnd = c.last

	s.PagesInUseMean, s.PagesInUseMax = meanMax(c.inUse)
	_, s.PagesAllocatedMax = meanMax(c.allocated)
	s.FragmentationMean, s.FragmentationMax = meanMax(c.frag)
	s.UploadsP50 = Quantile(c.uploads, 0.5)
	s.UploadsP90 = Quantile(c.uploads, 0.9)
	_, s.PendingMax = meanMax(c.pending)
	s.CollidersMean, _ = meanMax(c.colliders)

	c.acc = WindowStats{}
	c.inUse = c.inUse[:0]
	c.allocated = c.allocated[:0]
	c.frag = c.frag[:0]
	c.uploads = c.uploads[:0]
	c.pending = c.pending[:0]
	c.colliders = c.colliders[:0]
	return s
}

// WindowFrames returns the number of frames per window.
func (c *Collector) WindowFrames() int {
	return c.windowFrames
}

// Frames returns the number of frames recorded in the current window.
func (c *Collector) Frames() int {
	return c.acc.Frames
}
