package hardware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"megafield/internal/config"
	"megafield/internal/future"
	"megafield/internal/geometry"
)

// SimInstrument bundles a complete simulated instrument.
type SimInstrument struct {
	Stage      *SimStage
	Scanner    *SimScanner
	MultiBeam  *SimMultiBeam
	Detector   *SimDetector
	Camera     *SimCamera
	BeamShift  *SimBeamShift
	Lens       *SimLens
	Calibrator *SimCalibrator
	Tiler      *SimTiler
	Settings   *SimSettings
}

// NewSimInstrument builds a simulated instrument from configuration.
func NewSimInstrument(cfg config.Simulator) (*SimInstrument, error) {
	res := Resolution{X: cfg.Resolution[0], Y: cfg.Resolution[1]}
	if res.X <= 0 || res.Y <= 0 {
		return nil, fmt.Errorf("invalid simulator resolution %v", cfg.Resolution)
	}
	frame := time.Duration(cfg.FrameMillis) * time.Millisecond

	stage := NewSimStage(true)
	stage.MoveDelay = time.Duration(cfg.MoveMillis) * time.Millisecond

	det := NewSimDetector(frame)
	if cfg.FailTile != "" {
		idx, err := ParseIndex(cfg.FailTile)
		if err != nil {
			return nil, err
		}
		det.NeverDeliver(idx)
	}
	if cfg.Payload[0] > 0 && cfg.Payload[1] > 0 {
		det.SetPayload(cfg.Payload[0], cfg.Payload[1])
	}

	shift := &SimBeamShift{}
	lens := &SimLens{Mag: cfg.Magnification}
	if lens.Mag == 0 {
		lens.Mag = 40
	}
	size := cfg.CameraSize
	if size == 0 {
		size = 256
	}
	cam := NewSimCamera(size, 8, shift, lens)
	cam.SetDrift(cfg.Drift[0], cfg.Drift[1])

	scanner := NewSimScanner()
	return &SimInstrument{
		Stage:      stage,
		Scanner:    scanner,
		MultiBeam:  NewSimMultiBeam(res, cfg.PixelSize),
		Detector:   det,
		Camera:     cam,
		BeamShift:  shift,
		Lens:       lens,
		Calibrator: &SimCalibrator{Duration: 10 * time.Millisecond},
		Tiler:      &SimTiler{TileDelay: frame},
		Settings: &SimSettings{Values: map[string]map[string]any{
			"MultiBeam Scanner":     {"dwellTime": 4e-7, "rotation": 0.0, "scanOffset": [2]float64{}},
			"Beam Shift Controller": {"shift": [2]float64{}},
			"Sample Stage":          {"referenced": map[string]bool{"x": true, "y": true}},
		}},
	}, nil
}

// ParseIndex parses "col,row".
func ParseIndex(s string) (geometry.Index, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geometry.Index{}, fmt.Errorf("invalid tile index %q, expected col,row", s)
	}
	col, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return geometry.Index{}, fmt.Errorf("invalid column in %q: %w", s, err)
	}
	row, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return geometry.Index{}, fmt.Errorf("invalid row in %q: %w", s, err)
	}
	return geometry.Index{Col: col, Row: row}, nil
}

// SimStage is a two axis stage.
type SimStage struct {
	MoveDelay   time.Duration
	MoveErr     error
	RotationCor float64

	mu         sync.Mutex
	axes       []string
	pos        Position
	referenced map[string]bool
	moves      []Position
}

// NewSimStage returns a stage with x and y axes.
func NewSimStage(referenced bool) *SimStage {
	return &SimStage{
		axes:       []string{"x", "y"},
		referenced: map[string]bool{"x": referenced, "y": referenced},
	}
}

func (s *SimStage) MoveAbs(ctx context.Context, pos Position) error {
	if s.MoveDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.MoveDelay):
		}
	}
	if s.MoveErr != nil {
		return s.MoveErr
	}
	s.mu.Lock()
	s.pos = pos
	s.moves = append(s.moves, pos)
	s.mu.Unlock()
	return nil
}

func (s *SimStage) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Moves returns every position the stage was moved to.
func (s *SimStage) Moves() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Position(nil), s.moves...)
}

func (s *SimStage) Axes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.axes...)
}

// SetAxes replaces the axis list.
func (s *SimStage) SetAxes(axes ...string) {
	s.mu.Lock()
	s.axes = axes
	s.mu.Unlock()
}

func (s *SimStage) Referenced() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.referenced == nil {
		return nil
	}
	out := make(map[string]bool, len(s.referenced))
	for k, v := range s.referenced {
		out[k] = v
	}
	return out
}

// SetReferenced overrides the referenced flag of one axis.
func (s *SimStage) SetReferenced(axis string, ok bool) {
	s.mu.Lock()
	if s.referenced == nil {
		s.referenced = make(map[string]bool)
	}
	s.referenced[axis] = ok
	s.mu.Unlock()
}

func (s *SimStage) Reference(ctx context.Context, axes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.referenced == nil {
		s.referenced = make(map[string]bool)
	}
	for _, a := range axes {
		s.referenced[a] = true
	}
	return nil
}

func (s *SimStage) RotationCorrection() float64 { return s.RotationCor }

// SimScanner is a single-beam scanner with a blanker.
type SimScanner struct {
	ConfigureErr error

	mu        sync.Mutex
	blanked   bool
	mode      Mode
	immersion bool
	hfw       float64
	dwell     float64
	history   []bool
}

// NewSimScanner returns a blanked scanner in live mode.
func NewSimScanner() *SimScanner {
	return &SimScanner{blanked: true, mode: ModeLive, hfw: 1.5e-3, dwell: 1e-6}
}

func (s *SimScanner) SetBlanked(b bool) error {
	s.mu.Lock()
	s.blanked = b
	s.history = append(s.history, b)
	s.mu.Unlock()
	return nil
}

func (s *SimScanner) Blanked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blanked
}

// BlankHistory returns every blanker value set, in order.
func (s *SimScanner) BlankHistory() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.history...)
}

func (s *SimScanner) Configure(mode Mode) error {
	if s.ConfigureErr != nil {
		return s.ConfigureErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	if mode == ModeOverview {
		s.immersion = true
		s.hfw = 1.5e-3
	}
	return nil
}

// Mode returns the last configured mode.
func (s *SimScanner) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *SimScanner) Immersion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immersion
}

func (s *SimScanner) SetImmersion(on bool) error {
	s.mu.Lock()
	s.immersion = on
	s.mu.Unlock()
	return nil
}

func (s *SimScanner) HorizontalFOV() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hfw
}

func (s *SimScanner) DwellTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dwell
}

// SimMultiBeam is the multibeam scanner.
type SimMultiBeam struct {
	mu        sync.Mutex
	res       Resolution
	pixelSize float64
}

func NewSimMultiBeam(res Resolution, pixelSize float64) *SimMultiBeam {
	return &SimMultiBeam{res: res, pixelSize: pixelSize}
}

func (m *SimMultiBeam) Resolution() Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res
}

func (m *SimMultiBeam) SetResolution(res Resolution) error {
	if res.X <= 0 || res.Y <= 0 {
		return fmt.Errorf("invalid resolution %+v", res)
	}
	m.mu.Lock()
	m.res = res
	m.mu.Unlock()
	return nil
}

func (m *SimMultiBeam) PixelSize() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pixelSize, m.pixelSize
}

// SimDetector delivers a frame on its own goroutine some time after Next.
type SimDetector struct {
	mu            sync.Mutex
	listeners     []Listener
	md            map[string]any
	frameDuration time.Duration
	shape         [2]int
	cellRes       Resolution
	ct            CellTranslation
	never         map[geometry.Index]bool
	payload       Resolution
	triggered     []geometry.Index
	wg            sync.WaitGroup
}

// NewSimDetector returns an 8x8 cell detector that returns empty frames.
func NewSimDetector(frameDuration time.Duration) *SimDetector {
	shape := [2]int{8, 8}
	ct := make(CellTranslation, shape[1])
	for r := range ct {
		ct[r] = make([][2]int, shape[0])
		for c := range ct[r] {
			ct[r][c] = [2]int{50, 50}
		}
	}
	return &SimDetector{
		md:            map[string]any{},
		frameDuration: frameDuration,
		shape:         shape,
		cellRes:       Resolution{X: 900, Y: 900},
		ct:            ct,
		never:         map[geometry.Index]bool{},
	}
}

// NeverDeliver makes Next for idx succeed without ever producing a frame.
func (d *SimDetector) NeverDeliver(idx geometry.Index) {
	d.mu.Lock()
	d.never[idx] = true
	d.mu.Unlock()
}

// SetPayload makes the detector return frames of the given size instead of
// empty ones.
func (d *SimDetector) SetPayload(width, height int) {
	d.mu.Lock()
	d.payload = Resolution{X: width, Y: height}
	d.mu.Unlock()
}

func (d *SimDetector) Subscribe(l Listener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return nil
		}
	}
	d.listeners = append(d.listeners, l)
	return nil
}

func (d *SimDetector) Unsubscribe(l Listener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return nil
		}
	}
	return nil
}

// Listeners returns the number of subscribed listeners.
func (d *SimDetector) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *SimDetector) Next(idx geometry.Index) error {
	d.mu.Lock()
	d.triggered = append(d.triggered, idx)
	skip := d.never[idx]
	payload := d.payload
	d.mu.Unlock()
	if skip {
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		time.Sleep(d.frameDuration)
		f := NewFrame(payload.X, payload.Y)
		f.Index = idx
		f.Metadata = d.Metadata()

		// Listeners that left while the frame was in flight miss it.
		d.mu.Lock()
		ls := append([]Listener(nil), d.listeners...)
		d.mu.Unlock()
		for _, l := range ls {
			l.FrameReceived(f)
		}
	}()
	return nil
}

// Triggered returns every index passed to Next, in order.
func (d *SimDetector) Triggered() []geometry.Index {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]geometry.Index(nil), d.triggered...)
}

// Wait blocks until all in-flight frames were delivered.
func (d *SimDetector) Wait() {
	d.wg.Wait()
}

func (d *SimDetector) Metadata() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.md))
	for k, v := range d.md {
		out[k] = v
	}
	return out
}

func (d *SimDetector) UpdateMetadata(md map[string]any) {
	d.mu.Lock()
	for k, v := range md {
		d.md[k] = v
	}
	d.mu.Unlock()
}

func (d *SimDetector) FrameDuration() time.Duration { return d.frameDuration }

func (d *SimDetector) Shape() [2]int { return d.shape }

func (d *SimDetector) CellCompleteResolution() Resolution { return d.cellRes }

func (d *SimDetector) CellTranslation() CellTranslation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ct
}

func (d *SimDetector) SetCellTranslation(ct CellTranslation) error {
	if len(ct) != d.shape[1] {
		return fmt.Errorf("cell translation has %d rows, want %d", len(ct), d.shape[1])
	}
	d.mu.Lock()
	d.ct = ct
	d.mu.Unlock()
	return nil
}

// SimCamera renders a grid of beam spots. The grid sits on the favourite
// position, displaced by the drift and compensated by the beam shift.
type SimCamera struct {
	mu        sync.Mutex
	size      int
	grid      int
	pixelSize float64
	sigma     float64
	drift     [2]float64
	dark      bool
	shifter   BeamShifter
	lens      Lens
	md        map[string]any
	captures  int
}

// NewSimCamera returns a size x size camera showing a grid x grid pattern.
func NewSimCamera(size, grid int, shifter BeamShifter, lens Lens) *SimCamera {
	c := float64(size) / 2
	return &SimCamera{
		size:      size,
		grid:      grid,
		pixelSize: 3.45e-6,
		sigma:     1.5,
		shifter:   shifter,
		lens:      lens,
		md: map[string]any{
			MDFavPosActive: map[string]any{"i": c, "j": c},
		},
	}
}

// SetDrift displaces the pattern by (dx, dy) pixels.
func (c *SimCamera) SetDrift(dx, dy float64) {
	c.mu.Lock()
	c.drift = [2]float64{dx, dy}
	c.mu.Unlock()
}

// SetDark makes the camera return black frames, so no pattern is found.
func (c *SimCamera) SetDark(dark bool) {
	c.mu.Lock()
	c.dark = dark
	c.mu.Unlock()
}

// Captures returns how many frames were taken.
func (c *SimCamera) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// PatternCenter returns where the pattern centre currently lands, in pixels.
func (c *SimCamera) PatternCenter() (x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.center()
}

func (c *SimCamera) center() (float64, float64) {
	ref := float64(c.size) / 2
	x, y := ref+c.drift[0], ref+c.drift[1]
	if c.shifter != nil && c.lens != nil {
		s := c.shifter.Shift()
		mag := c.lens.Magnification()
		// Image rows grow downwards, physical y grows upwards.
		x -= s[0] * mag / c.pixelSize
		y += s[1] * mag / c.pixelSize
	}
	return x, y
}

func (c *SimCamera) Capture(ctx context.Context, fresh bool) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++

	f := NewFrame(c.size, c.size)
	if c.dark {
		return f, nil
	}
	cx, cy := c.center()
	pitch := float64(c.size) / float64(c.grid+2)
	half := float64(c.grid-1) / 2
	radius := int(math.Ceil(3 * c.sigma))
	for gr := 0; gr < c.grid; gr++ {
		for gc := 0; gc < c.grid; gc++ {
			sx := cx + (float64(gc)-half)*pitch
			sy := cy + (float64(gr)-half)*pitch
			x0, y0 := int(math.Round(sx)), int(math.Round(sy))
			for y := y0 - radius; y <= y0+radius; y++ {
				for x := x0 - radius; x <= x0+radius; x++ {
					if x < 0 || y < 0 || x >= c.size || y >= c.size {
						continue
					}
					d2 := (float64(x)-sx)*(float64(x)-sx) + (float64(y)-sy)*(float64(y)-sy)
					v := uint16(4000 * math.Exp(-d2/(2*c.sigma*c.sigma)))
					if v > f.At(x, y) {
						f.Set(x, y, v)
					}
				}
			}
		}
	}
	return f, nil
}

func (c *SimCamera) PixelSize() (float64, float64) { return c.pixelSize, c.pixelSize }

func (c *SimCamera) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.md))
	for k, v := range c.md {
		out[k] = v
	}
	return out
}

func (c *SimCamera) UpdateMetadata(md map[string]any) {
	c.mu.Lock()
	for k, v := range md {
		c.md[k] = v
	}
	c.mu.Unlock()
}

// SimBeamShift stores the shift it is given.
type SimBeamShift struct {
	mu    sync.Mutex
	shift [2]float64
	sets  int
}

func (b *SimBeamShift) Shift() [2]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shift
}

func (b *SimBeamShift) SetShift(s [2]float64) error {
	b.mu.Lock()
	b.shift = s
	b.sets++
	b.mu.Unlock()
	return nil
}

// Sets returns how many times the shift was changed.
func (b *SimBeamShift) Sets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sets
}

// SimLens has a fixed magnification.
type SimLens struct {
	Mag float64
}

func (l *SimLens) Magnification() float64 { return l.Mag }

// SimCalibrator succeeds after Duration unless it still has failures left.
type SimCalibrator struct {
	Duration time.Duration
	// FailTimes is the number of attempts that fail before one succeeds.
	FailTimes int
	// OnAlign is called synchronously at the start of every attempt.
	OnAlign func(calibrations []string)

	mu       sync.Mutex
	attempts int
}

func (c *SimCalibrator) Align(ctx context.Context, calibrations []string) *future.Future[struct{}] {
	c.mu.Lock()
	c.attempts++
	fail := c.attempts <= c.FailTimes
	c.mu.Unlock()
	if c.OnAlign != nil {
		c.OnAlign(calibrations)
	}

	f := future.NewWithEstimate[struct{}](c.Duration)
	stop := make(chan struct{})
	var once sync.Once
	f.SetCanceller(func() bool {
		once.Do(func() { close(stop) })
		return true
	})
	f.SetRunning()
	go func() {
		select {
		case <-stop:
			f.Complete(struct{}{}, future.ErrCancelled)
		case <-ctx.Done():
			f.Complete(struct{}{}, ctx.Err())
		case <-time.After(c.Duration):
			if fail {
				f.Complete(struct{}{}, errors.New("calibration did not converge"))
				return
			}
			f.Complete(struct{}{}, nil)
		}
	}()
	return f
}

// Attempts returns how many times Align was called.
func (c *SimCalibrator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SimTiler scans the area tile by tile and returns a single stitched frame.
type SimTiler struct {
	TileDelay time.Duration

	mu      sync.Mutex
	overlap float64
	tiles   int
}

func (t *SimTiler) AcquireTiledArea(ctx context.Context, scanner Scanner, detector DataSource, stage Stage, area [4]float64, overlap float64) *future.Future[[]Frame] {
	t.mu.Lock()
	t.overlap = overlap
	t.mu.Unlock()

	fov := scanner.HorizontalFOV()
	step := fov * (1 - overlap)
	nx := int(math.Max(1, math.Ceil(math.Abs(area[2]-area[0])/step)))
	ny := int(math.Max(1, math.Ceil(math.Abs(area[3]-area[1])/step)))

	f := future.NewWithEstimate[[]Frame](time.Duration(nx*ny) * t.TileDelay)
	stop := make(chan struct{})
	var once sync.Once
	f.SetCanceller(func() bool {
		once.Do(func() { close(stop) })
		return true
	})
	f.SetRunning()

	go func() {
		left, top := math.Min(area[0], area[2]), math.Max(area[1], area[3])
		for r := 0; r < ny; r++ {
			for c := 0; c < nx; c++ {
				select {
				case <-stop:
					f.Complete(nil, future.ErrCancelled)
					return
				case <-ctx.Done():
					f.Complete(nil, ctx.Err())
					return
				default:
				}
				pos := Position{X: left + (float64(c)+0.5)*step, Y: top - (float64(r)+0.5)*step}
				if err := stage.MoveAbs(ctx, pos); err != nil {
					f.Complete(nil, err)
					return
				}
				_ = scanner.SetBlanked(false)
				time.Sleep(t.TileDelay)
				t.mu.Lock()
				t.tiles++
				t.mu.Unlock()
			}
		}
		out := NewFrame(nx*16, ny*16)
		f.Complete([]Frame{out}, nil)
	}()
	return f
}

// Overlap returns the overlap of the last acquisition.
func (t *SimTiler) Overlap() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlap
}

// Tiles returns the number of tiles scanned so far.
func (t *SimTiler) Tiles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tiles
}

// SimSettings reports a fixed settings map.
type SimSettings struct {
	Values map[string]map[string]any
}

func (s *SimSettings) AllSettings() map[string]map[string]any { return s.Values }
