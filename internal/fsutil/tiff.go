package fsutil

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"megafield/internal/geometry"
	"megafield/internal/hardware"
)

// ErrEmptyFrame is returned when a frame without pixels is written.
var ErrEmptyFrame = errors.New("frame has no pixel data")

// EncodeFrame writes f as an uncompressed 16 bit grayscale TIFF.
func EncodeFrame(w io.Writer, f hardware.Frame) error {
	if f.Empty() {
		return ErrEmptyFrame
	}
	if len(f.Pix) != f.Width*f.Height {
		return fmt.Errorf("frame is %dx%d but holds %d pixels", f.Width, f.Height, len(f.Pix))
	}
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: f.At(x, y)})
		}
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed})
}

// DecodeFrame reads a grayscale TIFF back into a frame.
func DecodeFrame(r io.Reader) (hardware.Frame, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return hardware.Frame{}, fmt.Errorf("decode tiff: %w", err)
	}
	b := img.Bounds()
	f := hardware.NewFrame(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			f.Set(x, y, g.Y)
		}
	}
	return f, nil
}

// WriteFrame stores f at path, creating parent directories.
func WriteFrame(path string, f hardware.Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := EncodeFrame(out, f); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFrame loads a TIFF written by WriteFrame.
func ReadFrame(path string) (hardware.Frame, error) {
	in, err := os.Open(path)
	if err != nil {
		return hardware.Frame{}, err
	}
	defer in.Close()
	return DecodeFrame(in)
}

// SaveDiagnostic stores a diagnostic camera frame as dir/name.
func SaveDiagnostic(dir, name string, f hardware.Frame) (string, error) {
	p := filepath.Join(dir, name)
	if err := WriteFrame(p, f); err != nil {
		return "", fmt.Errorf("save diagnostic frame %s: %w", name, err)
	}
	return p, nil
}

// TileWriter stores tile frames under Root/<run id>/<col>_<row>.tiff.
// Frames without pixels, as produced by detectors that stream directly to
// external storage, are skipped.
type TileWriter struct {
	Root string
}

// WriteTile implements the acquisition tile sink.
func (w TileWriter) WriteTile(runID string, idx geometry.Index, f hardware.Frame) (string, error) {
	if f.Empty() {
		return "", nil
	}
	p := filepath.Join(w.Root, runID, fmt.Sprintf("%d_%d.tiff", idx.Col, idx.Row))
	if err := WriteFrame(p, f); err != nil {
		return "", err
	}
	return p, nil
}
