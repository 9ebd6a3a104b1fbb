package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils"
)

// DefaultFPS is the redraw rate of the overlay.
const DefaultFPS = 10

// FrameSource supplies the most recent camera frame.
type FrameSource interface {
	Frame() (types.Frame, error)
}

// Landmarker locates a face's landmarks, returning (nil, nil) when there is no face.
type Landmarker interface {
	Detect(ctx context.Context, frame types.Frame) (*types.Detection, error)
}

// Loop redraws the overlay for the latest frame at a fixed rate.
// It only reads frames; it never touches the session.
type Loop struct {
	frames   FrameSource
	detector Landmarker
	renderer *Renderer
	fps      int

	mu     sync.RWMutex
	canvas *image.RGBA
	seq    uint64
	faces  bool
}

// NewLoop creates a loop. fps <= 0 uses DefaultFPS.
func NewLoop(frames FrameSource, detector Landmarker, renderer *Renderer, fps int) *Loop {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if renderer == nil {
		renderer = NewRenderer(nil)
	}
	return &Loop{frames: frames, detector: detector, renderer: renderer, fps: fps}
}

// Run redraws until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Step(ctx); err != nil && !errors.Is(err, context.Canceled) {
				utils.Log.WithError(err).Debug("overlay frame skipped")
			}
		}
	}
}

// Step renders one overlay frame. Missing frames leave the previous overlay in place.
func (l *Loop) Step(ctx context.Context) error {
	frame, err := l.frames.Frame()
	if err != nil {
		return err
	}

	l.mu.RLock()
	stale := l.canvas != nil && l.seq == frame.Seq
	l.mu.RUnlock()
	if stale {
		return nil
	}

	det, err := l.detector.Detect(ctx, frame)
	if err != nil {
		return err
	}

	canvas := image.NewRGBA(frame.Image.Bounds())
	var landmarks []types.Point
	if det != nil {
		landmarks = det.Landmarks
	}
	l.renderer.Render(canvas, landmarks)

	l.mu.Lock()
	l.canvas = canvas
	l.seq = frame.Seq
	l.faces = det != nil
	l.mu.Unlock()
	return nil
}

// Latest returns the current overlay, or nil before the first frame. The image must not be modified.
func (l *Loop) Latest() *image.RGBA {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.canvas
}

// HasFace reports whether the current overlay shows a face.
func (l *Loop) HasFace() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.faces
}

// PNG encodes the current overlay. It returns nil, nil before the first frame.
func (l *Loop) PNG() ([]byte, error) {
	canvas := l.Latest()
	if canvas == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
