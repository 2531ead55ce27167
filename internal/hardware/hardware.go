// Package hardware declares the instrument capabilities the acquisition code
// drives, one small interface per capability, plus simulated implementations.
package hardware

import (
	"context"
	"errors"
	"time"

	"megafield/internal/future"
	"megafield/internal/geometry"
)

// ErrNotReferenced is returned when a stage axis must be referenced first.
var ErrNotReferenced = errors.New("stage axis not referenced")

// Metadata keys shared between the acquisition code and the instrument.
const (
	MDFieldSize       = "field_size"
	MDUser            = "user"
	MDFilename        = "filename"
	MDCellTranslation = "cell_translation"
	MDExtraSettings   = "extra_settings"
	MDFavPosActive    = "fav_pos_active"
	MDRotationCor     = "rotation_cor"
	MDCalibration     = "calibration_regions"
)

// Position is a stage position in metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Resolution in pixels.
type Resolution struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Mode of the scanner.
type Mode string

const (
	ModeMegafield Mode = "megafield"
	ModeOverview  Mode = "overview"
	ModeLive      Mode = "liveview"
)

// Movable is anything that can be moved to an absolute position.
type Movable interface {
	MoveAbs(ctx context.Context, pos Position) error
	Position() Position
}

// Referenceable axes must be homed before absolute moves are trusted.
type Referenceable interface {
	Axes() []string
	// Referenced reports per axis whether it is referenced. A nil map means
	// the stage does not report it.
	Referenced() map[string]bool
	Reference(ctx context.Context, axes []string) error
}

// Stage combines movement and referencing.
type Stage interface {
	Movable
	Referenceable
}

// Blanker switches the beam off (true) or on (false).
type Blanker interface {
	SetBlanked(blanked bool) error
	Blanked() bool
}

// Scanner is the single-beam scanner.
type Scanner interface {
	Blanker
	Configure(mode Mode) error
	Immersion() bool
	SetImmersion(on bool) error
	HorizontalFOV() float64
	DwellTime() float64
}

// MultiBeam is the multibeam scanner that defines the field geometry.
type MultiBeam interface {
	Resolution() Resolution
	SetResolution(res Resolution) error
	PixelSize() (x, y float64)
}

// Listener receives frames from a DataSource, on a goroutine owned by the
// source.
type Listener interface {
	FrameReceived(f Frame)
}

// DataSource delivers one frame per Next call to its subscribers.
type DataSource interface {
	Subscribe(l Listener) error
	Unsubscribe(l Listener) error
	Next(idx geometry.Index) error
}

// MetadataStore holds metadata attached to acquired data.
type MetadataStore interface {
	Metadata() map[string]any
	UpdateMetadata(md map[string]any)
}

// CellTranslation holds a per cell (x, y) crop offset in pixels, indexed
// [row][col].
type CellTranslation [][][2]int

// Detector is the multibeam detector.
type Detector interface {
	DataSource
	MetadataStore
	FrameDuration() time.Duration
	// Shape is the number of cells per axis.
	Shape() [2]int
	CellCompleteResolution() Resolution
	CellTranslation() CellTranslation
	SetCellTranslation(ct CellTranslation) error
}

// Camera is the diagnostic camera looking at the beam pattern.
type Camera interface {
	MetadataStore
	// Capture returns an image. With fresh set it waits for a new exposure
	// instead of returning a buffered one.
	Capture(ctx context.Context, fresh bool) (Frame, error)
	PixelSize() (x, y float64)
}

// BeamShifter moves all beams together.
type BeamShifter interface {
	Shift() [2]float64
	SetShift(shift [2]float64) error
}

// Lens reports the optical magnification between beams and camera.
type Lens interface {
	Magnification() float64
}

// Calibrator runs named calibrations at the current stage position.
type Calibrator interface {
	Align(ctx context.Context, calibrations []string) *future.Future[struct{}]
}

// RotationCorrector is implemented by stages whose axes are rotated with
// respect to the region coordinates.
type RotationCorrector interface {
	RotationCorrection() float64
}

// SettingsSource reports the current settings of every component, as
// component name to setting name to value.
type SettingsSource interface {
	AllSettings() map[string]map[string]any
}

// Tiler acquires a rectangular area as tiles and stitches them.
type Tiler interface {
	AcquireTiledArea(ctx context.Context, scanner Scanner, detector DataSource, stage Stage, area [4]float64, overlap float64) *future.Future[[]Frame]
}

// Frame is a 16 bit grayscale image.
type Frame struct {
	Index    geometry.Index
	Width    int
	Height   int
	Pix      []uint16
	Metadata map[string]any
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// At returns the pixel at column x, row y.
func (f Frame) At(x, y int) uint16 {
	return f.Pix[y*f.Width+x]
}

// Set stores the pixel at column x, row y.
func (f Frame) Set(x, y int, v uint16) {
	f.Pix[y*f.Width+x] = v
}

// Max returns the brightest pixel value.
func (f Frame) Max() uint16 {
	var m uint16
	for _, v := range f.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// Empty reports whether the frame holds no pixels, which is what a detector
// streaming straight to external storage returns.
func (f Frame) Empty() bool {
	return len(f.Pix) == 0
}
