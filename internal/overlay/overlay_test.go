package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/andresmejia3/facecap/internal/types"
)

func landmarks(cx, cy float64) []types.Point {
	pts := make([]types.Point, types.LandmarkCount)
	for i := range pts {
		pts[i] = types.Point{X: cx + float64(i%10)*4, Y: cy + float64(i/10)*4}
	}
	return pts
}

func painted(img *image.RGBA) int {
	n := 0
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			n++
		}
	}
	return n
}

func TestRenderDrawsLandmarks(t *testing.T) {
	canvas := image.NewRGBA(image.Rect(0, 0, 200, 200))
	r := NewRenderer(rand.New(rand.NewPCG(1, 2)))
	pts := landmarks(60, 60)
	r.Render(canvas, pts)

	if painted(canvas) == 0 {
		t.Fatal("Expected painted pixels")
	}
	for _, p := range pts[:5] {
		c := canvas.RGBAAt(int(p.X), int(p.Y))
		if c.A == 0 || c.G <= c.R || c.G <= c.B {
			t.Errorf("Expected a green dot at %v, got %v", p, c)
		}
	}
}

func TestRenderClearsWithoutFace(t *testing.T) {
	canvas := image.NewRGBA(image.Rect(0, 0, 100, 100))
	r := NewRenderer(rand.New(rand.NewPCG(1, 2)))
	r.Render(canvas, landmarks(20, 20))
	r.Render(canvas, nil)

	if n := painted(canvas); n != 0 {
		t.Errorf("Expected a cleared canvas, %d pixels painted", n)
	}
}

func TestRenderClipsAtEdges(t *testing.T) {
	canvas := image.NewRGBA(image.Rect(0, 0, 50, 50))
	r := NewRenderer(rand.New(rand.NewPCG(3, 4)))
	pts := landmarks(-30, 40) // partly off canvas, sparkles spill over every edge
	r.Render(canvas, pts)
}

type fixedFrames struct {
	frame types.Frame
	err   error
}

func (f *fixedFrames) Frame() (types.Frame, error) { return f.frame, f.err }

type countingLandmarker struct {
	det   *types.Detection
	calls int
}

func (c *countingLandmarker) Detect(ctx context.Context, frame types.Frame) (*types.Detection, error) {
	c.calls++
	return c.det, nil
}

func TestLoopStep(t *testing.T) {
	frames := &fixedFrames{frame: types.Frame{Seq: 1, Image: image.NewRGBA(image.Rect(0, 0, 120, 90))}}
	det := &countingLandmarker{det: &types.Detection{Landmarks: landmarks(30, 20)}}
	l := NewLoop(frames, det, NewRenderer(rand.New(rand.NewPCG(5, 6))), 0)

	if data, err := l.PNG(); data != nil || err != nil {
		t.Fatalf("PNG() before first frame = %d bytes, %v", len(data), err)
	}

	if err := l.Step(context.Background()); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !l.HasFace() || l.Latest().Bounds() != image.Rect(0, 0, 120, 90) {
		t.Fatal("Expected a face overlay sized to the frame")
	}

	// Same frame sequence is not redetected.
	l.Step(context.Background())
	if det.calls != 1 {
		t.Errorf("Expected 1 detection, got %d", det.calls)
	}

	frames.frame.Seq = 2
	det.det = nil
	l.Step(context.Background())
	if l.HasFace() || painted(l.Latest()) != 0 {
		t.Error("Expected a cleared overlay once the face is gone")
	}

	data, err := l.PNG()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("Invalid PNG: %v", err)
	}
}

func TestLoopStepNoFrame(t *testing.T) {
	frames := &fixedFrames{err: errors.New("no frame")}
	det := &countingLandmarker{}
	l := NewLoop(frames, det, nil, 0)

	if err := l.Step(context.Background()); err == nil {
		t.Error("Expected frame error")
	}
	if det.calls != 0 || l.Latest() != nil {
		t.Error("Expected no detection and no overlay without a frame")
	}
}
