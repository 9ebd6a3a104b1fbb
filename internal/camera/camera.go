// Package camera keeps the most recent frame of an ffmpeg-decoded video source.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrUnavailable means the source never produced a frame.
	ErrUnavailable = errors.New("camera unavailable")
	// ErrNoFrame is returned by Frame before the first frame arrives.
	ErrNoFrame = errors.New("no frame available yet")
)

// Camera streams MJPEG frames from ffmpeg and keeps only the latest one.
type Camera struct {
	cmd *utils.SafeCommand

	mu      sync.RWMutex
	latest  []byte
	seq     uint64
	decoded types.Frame

	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	streamErr error
}

func newCamera() *Camera {
	return &Camera{
		first: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Open starts ffmpeg on src and waits up to startTimeout for the first frame.
// Any failure here is fatal for the session.
func Open(ctx context.Context, src utils.CaptureSource, startTimeout time.Duration) (*Camera, error) {
	c := newCamera()
	c.cmd = utils.NewFFmpegCaptureCmd(ctx, src)

	out, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrUnavailable, err)
	}

	go func() {
		err := c.consume(out)
		if werr := c.cmd.Wait(); err == nil {
			err = werr
		}
		c.mu.Lock()
		c.streamErr = err
		c.mu.Unlock()
		close(c.done)
	}()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-c.first:
		utils.Log.WithField("device", src.Device).Info("camera streaming")
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: %s exited before the first frame: %v", ErrUnavailable, src.Device, c.Err())
	case <-timer.C:
		c.Close()
		return nil, fmt.Errorf("%w: no frame from %s within %s", ErrUnavailable, src.Device, startTimeout)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// consume splits the MJPEG stream into frames until it ends.
func (c *Camera) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		c.mu.Lock()
		c.latest = frame
		c.seq++
		c.mu.Unlock()

		c.firstOnce.Do(func() { close(c.first) })
	}
	return scanner.Err()
}

// Frame returns the latest frame, decoding it at most once.
func (c *Camera) Frame() (types.Frame, error) {
	c.mu.RLock()
	seq, data, cached := c.seq, c.latest, c.decoded
	c.mu.RUnlock()

	if data == nil {
		return types.Frame{}, ErrNoFrame
	}
	if cached.Seq == seq && cached.Image != nil {
		return cached, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode frame %d: %w", seq, err)
	}
	f := types.Frame{Seq: seq, JPEG: data, Image: img}

	c.mu.Lock()
	if c.decoded.Seq < seq {
		c.decoded = f
	}
	c.mu.Unlock()
	return f, nil
}

// Done is closed when the stream ends.
func (c *Camera) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the stream ended, if it has.
func (c *Camera) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamErr
}

// Stderr returns the ffmpeg process wrapper for error reports.
func (c *Camera) Stderr() *utils.SafeCommand {
	return c.cmd
}

// Close stops ffmpeg and waits for the reader to finish.
func (c *Camera) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	_ = c.cmd.Process.Kill()
	<-c.done
	return nil
}
