package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg / Python logs)
// so a crash still leaves something to print.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps captured process logs if a SafeCommand is provided.
// It is used for failures the user has to act on; everything else goes to Log.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACECAP ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	Log.WithError(err).Error(context)
}

// --- 2. Frame Stream ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureSource describes where ffmpeg reads frames from.
type CaptureSource struct {
	Device    string // e.g. /dev/video0, or a file path
	Format    string // ffmpeg input format (v4l2, avfoundation, dshow); empty for files
	Width     int
	Height    int
	FrameRate int
}

// FFmpegCaptureArgs builds the argument list for a decoder that emits MJPEG frames on stdout.
func FFmpegCaptureArgs(src CaptureSource) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if src.Format != "" {
		args = append(args, "-f", src.Format)
		if src.FrameRate > 0 {
			args = append(args, "-framerate", strconv.Itoa(src.FrameRate))
		}
		if src.Width > 0 && src.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", src.Width, src.Height))
		}
	} else {
		// Files are paced to real time so they behave like a camera.
		args = append(args, "-re")
	}
	args = append(args, "-i", src.Device)
	if src.Format == "" && src.Width > 0 && src.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", src.Width, src.Height))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegCaptureCmd creates the camera decoder pipe.
func NewFFmpegCaptureCmd(ctx context.Context, src CaptureSource) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", FFmpegCaptureArgs(src)...)
}
