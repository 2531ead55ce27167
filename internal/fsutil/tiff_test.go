package fsutil

import (
	"errors"
	"path/filepath"
	"testing"

	"megafield/internal/geometry"
	"megafield/internal/hardware"
)

func gradient(w, h int) hardware.Frame {
	f := hardware.NewFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Set(x, y, uint16(x*1000+y))
		}
	}
	return f
}

func TestWriteReadFrame(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "frame.tiff")
	in := gradient(7, 5)
	if err := WriteFrame(p, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadFrame(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Width != 7 || out.Height != 5 {
		t.Fatalf("unexpected size %dx%d", out.Width, out.Height)
	}
	for i := range in.Pix {
		if in.Pix[i] != out.Pix[i] {
			t.Fatalf("pixel %d: expected %d, got %d", i, in.Pix[i], out.Pix[i])
		}
	}
}

func TestEncodeEmptyFrame(t *testing.T) {
	err := WriteFrame(filepath.Join(t.TempDir(), "x.tiff"), hardware.Frame{})
	if !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestTileWriter(t *testing.T) {
	root := t.TempDir()
	w := TileWriter{Root: root}

	p, err := w.WriteTile("run-1", geometry.Index{Col: 2, Row: 1}, gradient(4, 4))
	if err != nil {
		t.Fatalf("write tile: %v", err)
	}
	if want := filepath.Join(root, "run-1", "2_1.tiff"); p != want {
		t.Fatalf("expected %s, got %s", want, p)
	}

	p, err = w.WriteTile("run-1", geometry.Index{}, hardware.Frame{})
	if err != nil || p != "" {
		t.Fatalf("expected empty frames to be skipped, got %q, %v", p, err)
	}

	tiles, err := ListTiles(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tiles) != 1 || !IsTIFF(tiles[0]) {
		t.Fatalf("unexpected tiles %v", tiles)
	}
}

func TestSaveDiagnostic(t *testing.T) {
	dir := t.TempDir()
	p, err := SaveDiagnostic(dir, "3_4_after.tiff", gradient(3, 3))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if FirstExisting(filepath.Join(dir, "missing"), p) != p {
		t.Fatalf("diagnostic file %s not found", p)
	}
}
