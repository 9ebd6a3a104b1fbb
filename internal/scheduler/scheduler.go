// Package scheduler drives the fixed-period capture loop of a session.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facecap/internal/crop"
	"github.com/andresmejia3/facecap/internal/identity"
	"github.com/andresmejia3/facecap/internal/session"
	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the capture period.
const DefaultInterval = 2 * time.Second

// FrameSource supplies the most recent camera frame.
type FrameSource interface {
	Frame() (types.Frame, error)
}

// Detector finds the most prominent face in a frame, returning (nil, nil) when there is none.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) (*types.Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame types.Frame) (*types.Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, frame types.Frame) (*types.Detection, error) {
	return f(ctx, frame)
}

// Outcome describes what a single tick did.
type Outcome int

const (
	Skipped   Outcome = iota // a detection was already in flight, or the session is full
	NoFrame                  // the camera had nothing yet
	NoFace                   // the detector found nothing
	Duplicate                // the face is already captured
	Captured                 // a new capture was stored
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case NoFrame:
		return "no-frame"
	case NoFace:
		return "no-face"
	case Duplicate:
		return "duplicate"
	case Captured:
		return "captured"
	}
	return "unknown"
}

// Options configures a Scheduler.
type Options struct {
	Interval  time.Duration
	Threshold float64
	Crop      crop.Options
	// OnCapture runs after every accepted capture, from the scheduler's goroutine.
	OnCapture func(c types.Capture, s *session.Session)
}

// Scheduler pulls one detection per tick and admits new identities into the session.
type Scheduler struct {
	session  *session.Session
	frames   FrameSource
	detector Detector
	opts     Options
	log      logrus.FieldLogger

	inFlight atomic.Bool
}

// New creates a scheduler. Zero options fall back to the capture defaults.
func New(s *session.Session, frames FrameSource, detector Detector, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = identity.AcceptThreshold
	}
	if opts.Crop == (crop.Options{}) {
		opts.Crop = crop.DefaultOptions()
	}
	return &Scheduler{
		session:  s,
		frames:   frames,
		detector: detector,
		opts:     opts,
		log:      utils.Log.WithField("session", s.ID),
	}
}

// Run ticks every Interval until the session is full or ctx is cancelled.
// Each tick runs in its own goroutine; the in-flight guard drops ticks that would overlap.
// It returns nil once the session is full, and never before its last tick has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.session.Full() {
		return nil
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	var ticks sync.WaitGroup
	defer ticks.Wait()

	full := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-full:
			s.log.Info("maximum number of faces reached")
			return nil
		case <-ticker.C:
			if s.session.Full() {
				s.log.Info("maximum number of faces reached")
				return nil
			}
			ticks.Go(func() {
				out, err := s.Tick(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.log.WithError(err).Warn("capture tick failed")
				}
				if out == Captured && s.session.Full() {
					select {
					case full <- struct{}{}:
					default:
					}
				}
			})
		}
	}
}

// Tick performs one capture attempt. A missing frame or face is not an error.
func (s *Scheduler) Tick(ctx context.Context) (Outcome, error) {
	if s.session.Full() {
		return Skipped, nil
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("detection still in flight, skipping tick")
		return Skipped, nil
	}
	defer s.inFlight.Store(false)

	frame, err := s.frames.Frame()
	if err != nil {
		s.log.WithError(err).Debug("no frame for this tick")
		return NoFrame, nil
	}

	det, err := s.detector.Detect(ctx, frame)
	if err != nil {
		return NoFace, err
	}
	if err := ctx.Err(); err != nil {
		// The session is ending; a detection that outlived it is discarded.
		return Skipped, err
	}
	if det == nil {
		s.log.Debug("no face in frame")
		return NoFace, nil
	}
	if !det.Descriptor.Valid() {
		s.log.WithField("len", len(det.Descriptor)).Debug("detection without descriptor, ignoring")
		return NoFace, nil
	}

	if !identity.ShouldAccept(det.Descriptor, s.session.Captures(), s.opts.Threshold) {
		s.log.Debug("face already captured")
		return Duplicate, nil
	}

	crops, err := crop.Extract(frame.Image, *det, s.opts.Crop)
	if err != nil {
		s.log.WithError(err).Debug("face crop failed")
		return NoFace, nil
	}
	for name, ferr := range crops.Failed {
		s.log.WithError(ferr).WithField("feature", name).Debug("feature crop failed")
	}

	c := types.Capture{
		Image:      crops.Face,
		LeftEye:    crops.LeftEye,
		RightEye:   crops.RightEye,
		Nose:       crops.Nose,
		Mouth:      crops.Mouth,
		Descriptor: det.Descriptor,
		FaceID:     session.IdentityKey(det.Landmarks),
		Box:        det.Box,
		CapturedAt: time.Now(),
	}
	if err := s.session.Add(c); err != nil {
		if errors.Is(err, session.ErrFull) {
			return Skipped, nil
		}
		return Skipped, err
	}

	captures := s.session.Captures()
	stored := captures[len(captures)-1]
	s.log.WithFields(logrus.Fields{
		"capture": stored.ID,
		"count":   len(captures),
		"groups":  len(session.Groups(captures)),
	}).Info("face captured")

	if s.opts.OnCapture != nil {
		s.opts.OnCapture(stored, s.session)
	}
	return Captured, nil
}
