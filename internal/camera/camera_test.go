package camera

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func encodeFrame(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFrameBeforeStream(t *testing.T) {
	c := newCamera()
	if _, err := c.Frame(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame, got %v", err)
	}
}

func TestConsumeKeepsLatest(t *testing.T) {
	first := encodeFrame(t, 8, 8, color.Black)
	second := encodeFrame(t, 16, 12, color.White)

	stream := []byte{0x00, 0x01} // leading garbage, as ffmpeg sometimes emits
	stream = append(stream, first...)
	stream = append(stream, second...)

	c := newCamera()
	if err := c.consume(bytes.NewReader(stream)); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	select {
	case <-c.first:
	default:
		t.Fatal("Expected first-frame signal")
	}

	f, err := c.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if f.Seq != 2 {
		t.Errorf("Seq = %d, want 2", f.Seq)
	}
	if f.Image.Bounds() != image.Rect(0, 0, 16, 12) {
		t.Errorf("Expected the latest frame, got bounds %v", f.Image.Bounds())
	}
	if !bytes.Equal(f.JPEG, second) {
		t.Error("Expected raw JPEG of the latest frame")
	}

	again, err := c.Frame()
	if err != nil || again.Image != f.Image {
		t.Error("Expected cached decode for an unchanged frame")
	}
}

func TestFrameCorrupt(t *testing.T) {
	c := newCamera()
	c.consume(bytes.NewReader([]byte{0xFF, 0xD8, 0x00, 0x00, 0xFF, 0xD9}))

	if _, err := c.Frame(); err == nil {
		t.Error("Expected decode error for a corrupt frame")
	}
}

func TestCloseWithoutProcess(t *testing.T) {
	if err := newCamera().Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
