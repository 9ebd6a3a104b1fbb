package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils"
)

var (
	// ErrNoJPEG is returned when a frame carries no encoded image to send to an engine.
	ErrNoJPEG = errors.New("frame has no JPEG data")
	// ErrNoEngines is returned once every engine in the pool has broken.
	ErrNoEngines = errors.New("no detection engine left")
)

// engine is the part of PythonWorker the pool depends on.
type engine interface {
	Detect(ctx context.Context, frame []byte, mode Mode) (*types.Detection, error)
	Close()
}

// Pool shares a fixed set of engines between the capture scheduler and the overlay renderer.
// Each call borrows an idle engine; callers block until one is free or ctx ends.
// A broken engine is never handed out again.
type Pool struct {
	engines []engine
	procs   []*PythonWorker
	idle    chan engine

	mu    sync.Mutex
	alive int
	dead  chan struct{}
}

// NewPool starts n engines. If any fails to start, the ones already running are closed.
func NewPool(ctx context.Context, n int, cfg Config) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{}
	for i := 0; i < n; i++ {
		w, err := NewPythonWorker(ctx, i, cfg)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.procs = append(p.procs, w)
		p.engines = append(p.engines, w)
	}
	p.fill()
	return p, nil
}

func newPool(engines ...engine) *Pool {
	p := &Pool{engines: engines}
	p.fill()
	return p
}

func (p *Pool) fill() {
	p.alive = len(p.engines)
	p.dead = make(chan struct{})
	p.idle = make(chan engine, len(p.engines))
	for _, e := range p.engines {
		p.idle <- e
	}
}

// Size returns the number of engines.
func (p *Pool) Size() int {
	return len(p.engines)
}

// Detect runs one frame on the next idle engine.
func (p *Pool) Detect(ctx context.Context, frame types.Frame, mode Mode) (*types.Detection, error) {
	if len(frame.JPEG) == 0 {
		return nil, ErrNoJPEG
	}

	var e engine
	select {
	case e = <-p.idle:
	case <-p.dead:
		return nil, ErrNoEngines
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	det, err := e.Detect(ctx, frame.JPEG, mode)
	if errors.Is(err, ErrEngineBroken) {
		p.retire()
		return nil, err
	}
	p.idle <- e
	return det, err
}

// retire drops one broken engine from rotation.
func (p *Pool) retire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive--
	utils.Log.WithField("remaining", p.alive).Warn("detection engine retired")
	if p.alive == 0 {
		close(p.dead)
	}
}

// Detector binds the pool to one mode.
type Detector struct {
	pool *Pool
	mode Mode
}

// Detector returns a view of the pool that always runs in mode.
func (p *Pool) Detector(mode Mode) Detector {
	return Detector{pool: p, mode: mode}
}

// Detect runs frame in the bound mode.
func (d Detector) Detect(ctx context.Context, frame types.Frame) (*types.Detection, error) {
	return d.pool.Detect(ctx, frame, d.mode)
}

// Stderr returns the first engine process that logged anything, for error reports.
func (p *Pool) Stderr() *utils.SafeCommand {
	for _, w := range p.procs {
		if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
			return w.Cmd
		}
	}
	return nil
}

// Close shuts every engine down.
func (p *Pool) Close() {
	for _, e := range p.engines {
		e.Close()
	}
	utils.Log.WithField("engines", len(p.engines)).Debug("detection engines stopped")
}

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeLandmarks:
		return "landmarks"
	}
	return fmt.Sprintf("mode(%d)", byte(m))
}
