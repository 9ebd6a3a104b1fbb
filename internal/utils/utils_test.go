package utils

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpegBackToBack(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}

	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if len(got) != 2 || !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Expected two frames, got %X", got)
	}
}

func TestFFmpegCaptureArgs(t *testing.T) {
	tests := []struct {
		name    string
		src     CaptureSource
		want    string
		notWant string
	}{
		{
			name: "Camera device",
			src:  CaptureSource{Device: "/dev/video0", Format: "v4l2", Width: 640, Height: 480, FrameRate: 30},
			want: "-f v4l2 -framerate 30 -video_size 640x480 -i /dev/video0 -f image2pipe -vcodec mjpeg -",
		},
		{
			name:    "File input",
			src:     CaptureSource{Device: "clip.mp4", Width: 320, Height: 240},
			want:    "-re -i clip.mp4 -vf scale=320:240 -f image2pipe",
			notWant: "-video_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(FFmpegCaptureArgs(tt.src), " ")
			if !strings.Contains(got, tt.want) {
				t.Errorf("args %q missing %q", got, tt.want)
			}
			if tt.notWant != "" && strings.Contains(got, tt.notWant) {
				t.Errorf("args %q should not contain %q", got, tt.notWant)
			}
		})
	}
}

func TestNewSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "ffmpeg", "-version")
	if cmd.Cmd.Stderr != cmd.Stderr {
		t.Error("Expected stderr to be wired to the capture buffer")
	}
}

func TestConfigureLogging(t *testing.T) {
	var buf bytes.Buffer
	if err := ConfigureLogging("debug", "json", &buf); err != nil {
		t.Fatal(err)
	}
	defer ConfigureLogging("warn", "text", os.Stderr)

	if Log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Level = %v, want debug", Log.GetLevel())
	}
	Log.Debug("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("Expected JSON output, got %q", buf.String())
	}

	if err := ConfigureLogging("loud", "text", nil); err == nil {
		t.Error("Expected invalid level to fail")
	}
	if err := ConfigureLogging("info", "xml", nil); err == nil {
		t.Error("Expected invalid format to fail")
	}
}
