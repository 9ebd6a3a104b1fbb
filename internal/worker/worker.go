package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils" // Using the SafeCommand wrapper
)

// Mode selects how much work the engine does per frame.
type Mode byte

const (
	// ModeFull returns box, landmarks and descriptor.
	ModeFull Mode = 0
	// ModeLandmarks skips the descriptor; used by the overlay renderer.
	ModeLandmarks Mode = 1
)

const (
	statusOK    = 0
	statusError = 1
)

var (
	// ErrProtocol is returned when the engine's response cannot be decoded.
	ErrProtocol = errors.New("malformed worker response")
	// ErrEngineBroken is returned once a request failed mid-exchange. The engine is killed because
	// a late reply would otherwise be read as the answer to the next frame.
	ErrEngineBroken = errors.New("detection engine out of service")
)

// Config controls how the Python engine is launched.
type Config struct {
	Python      string // interpreter, default python3
	Script      string // default python/worker.py
	ModelsDir   string
	ReadTimeout time.Duration
}

// PythonWorker talks to one detection engine process.
// Requests go over stdin; responses come back on a dedicated pipe (FD 3) so engine logging on
// stdout/stderr cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken bool
}

// NewPythonWorker starts the engine. The process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script, "--models", cfg.ModelsDir)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	utils.Log.WithField("worker", id).Debug("detection engine started")

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if w.Timeout > 0 {
		if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(w.Timeout))
			defer d.SetReadDeadline(time.Time{})
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where an engine crash surfaces
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect runs the engine on one JPEG frame. It returns (nil, nil) when no face was found.
// Cancelling ctx aborts a pending exchange. Any failed exchange leaves the worker broken.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte, mode Mode) (*types.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrEngineBroken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := make([]byte, 0, len(frame)+1)
	req = append(req, byte(mode))
	req = append(req, frame...)

	stop := context.AfterFunc(ctx, w.kill)
	resp, err := w.Communicate(req)
	if !stop() {
		// The pipes were closed under the exchange, whatever it returned.
		err = ctx.Err()
	}
	if err != nil {
		w.broken = true
		w.kill()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("worker %d: %w: %w", w.ID, ErrEngineBroken, ctxErr)
		}
		utils.Log.WithField("worker", w.ID).WithError(err).Warn("detection engine stopped responding")
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, ErrEngineBroken, err)
	}
	return decodeDetection(resp, mode)
}

// kill closes both pipes and stops the process, unblocking any pending read or write.
func (w *PythonWorker) kill() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// decodeDetection parses:
//
//	[status=0][found] [box 4xf32] [landmarks 68x2 f32] [descriptor 128 f32, full mode only]
//	[status=1][msgLen u32][msg]
func decodeDetection(resp []byte, mode Mode) (*types.Detection, error) {
	rd := bytes.NewReader(resp)

	status, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty response", ErrProtocol)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("%w: error length: %v", ErrProtocol, err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("%w: error body: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("%w: unknown status %d", ErrProtocol, status)
	}

	found, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing face flag", ErrProtocol)
	}
	if found == 0 {
		return nil, nil
	}

	var box [4]float32
	if err := binary.Read(rd, binary.BigEndian, &box); err != nil {
		return nil, fmt.Errorf("%w: box: %v", ErrProtocol, err)
	}

	var pts [types.LandmarkCount * 2]float32
	if err := binary.Read(rd, binary.BigEndian, &pts); err != nil {
		return nil, fmt.Errorf("%w: landmarks: %v", ErrProtocol, err)
	}

	det := &types.Detection{
		Box:       types.Box{X: float64(box[0]), Y: float64(box[1]), Width: float64(box[2]), Height: float64(box[3])},
		Landmarks: make([]types.Point, types.LandmarkCount),
	}
	for i := range det.Landmarks {
		det.Landmarks[i] = types.Point{X: float64(pts[2*i]), Y: float64(pts[2*i+1])}
	}

	if mode == ModeFull {
		desc := make(types.Descriptor, types.DescriptorSize)
		if err := binary.Read(rd, binary.BigEndian, []float32(desc)); err != nil {
			return nil, fmt.Errorf("%w: descriptor: %v", ErrProtocol, err)
		}
		det.Descriptor = desc
	}

	return det, nil
}

// Close shuts the engine down and waits for it to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
