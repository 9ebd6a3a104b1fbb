package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// framed writes a length-prefixed response into the fake data pipe.
func framed(pipe *MockCloser, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func facePayload(withDescriptor bool) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0) // Status OK
	payload.WriteByte(1) // Face found

	binary.Write(payload, binary.BigEndian, [4]float32{10, 20, 100, 120}) // Box

	var pts [types.LandmarkCount * 2]float32
	pts[2*30] = 55   // nose tip x
	pts[2*30+1] = 66 // nose tip y
	binary.Write(payload, binary.BigEndian, pts)

	if withDescriptor {
		var vec [types.DescriptorSize]float32
		vec[0] = 0.5
		binary.Write(payload, binary.BigEndian, vec)
	}
	return payload.Bytes()
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestDetectFull(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	framed(dataPipeMock, facePayload(true))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	det, err := w.Detect(context.Background(), inputFrame, ModeFull)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent [len][mode][frame]
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+1+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+1+len(inputFrame), len(sentData))
	}
	if sentData[4] != byte(ModeFull) {
		t.Errorf("Expected mode byte %d, got %d", ModeFull, sentData[4])
	}

	if det == nil {
		t.Fatal("Expected a detection")
	}
	if det.Box != (types.Box{X: 10, Y: 20, Width: 100, Height: 120}) {
		t.Errorf("Unexpected box %+v", det.Box)
	}
	if len(det.Landmarks) != types.LandmarkCount || det.Landmarks[30] != (types.Point{X: 55, Y: 66}) {
		t.Errorf("Unexpected landmarks, nose tip %+v", det.Landmarks[30])
	}
	if !det.Descriptor.Valid() {
		t.Fatalf("Expected a valid descriptor, got length %d", len(det.Descriptor))
	}
	if math.Abs(float64(det.Descriptor[0])-0.5) > 1e-9 {
		t.Errorf("Expected descriptor[0] approx 0.5, got %f", det.Descriptor[0])
	}
}

func TestDetectLandmarksOnly(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	framed(dataPipeMock, facePayload(false))

	det, err := w.Detect(context.Background(), []byte("frame"), ModeLandmarks)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if stdinMock.Bytes()[4] != byte(ModeLandmarks) {
		t.Error("Expected landmarks mode byte")
	}
	if det.Descriptor != nil {
		t.Error("Expected no descriptor in landmarks mode")
	}
}

func TestDetectNoFace(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	framed(dataPipeMock, []byte{0, 0})

	det, err := w.Detect(context.Background(), []byte("frame"), ModeFull)
	if err != nil {
		t.Fatalf("Expected no error for an empty frame, got %v", err)
	}
	if det != nil {
		t.Errorf("Expected nil detection, got %+v", det)
	}
}

func TestDetectError(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	framed(dataPipeMock, payload.Bytes())

	_, err := w.Detect(context.Background(), []byte("frame"), ModeFull)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetectTruncated(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	full := facePayload(true)
	framed(dataPipeMock, full[:len(full)-10])

	_, err := w.Detect(context.Background(), []byte("frame"), ModeFull)
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", err)
	}
}

func TestDetectCancelled(t *testing.T) {
	w, stdinMock, _ := newMockWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Detect(ctx, []byte("frame"), ModeFull); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Error("Expected nothing to be sent after cancellation")
	}
}

func TestDetectEngineGone(t *testing.T) {
	w, _, _ := newMockWorker() // empty data pipe simulates a crashed engine

	if _, err := w.Detect(context.Background(), []byte("frame"), ModeFull); err == nil {
		t.Fatal("Expected error when the engine returns nothing")
	}
}

// newPipeWorker wires a worker to a real OS pipe so read deadlines and closes behave as with an engine.
func newPipeWorker(t *testing.T, timeout time.Duration) (*PythonWorker, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: r,
		Timeout:  timeout,
	}, w
}

func TestDetectTimeoutBreaksEngine(t *testing.T) {
	worker, engineOut := newPipeWorker(t, 50*time.Millisecond)

	if _, err := worker.Detect(context.Background(), []byte("frame1"), ModeFull); !errors.Is(err, ErrEngineBroken) {
		t.Fatalf("Expected ErrEngineBroken after the timeout, got %v", err)
	}

	// The engine answers frame1 late, then frame2 with no face. Neither may be read as frame2's reply.
	var late bytes.Buffer
	binary.Write(&late, binary.BigEndian, uint32(len(facePayload(true))))
	late.Write(facePayload(true))
	binary.Write(&late, binary.BigEndian, uint32(2))
	late.Write([]byte{0, 0})
	engineOut.Write(late.Bytes())

	det, err := worker.Detect(context.Background(), []byte("frame2"), ModeFull)
	if !errors.Is(err, ErrEngineBroken) {
		t.Errorf("Expected ErrEngineBroken on the next request, got %v", err)
	}
	if det != nil {
		t.Errorf("Expected no detection from a broken engine, got %+v", det)
	}
}

func TestDetectCancelUnblocksRead(t *testing.T) {
	worker, _ := newPipeWorker(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := worker.Detect(ctx, []byte("frame"), ModeFull)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if !errors.Is(err, ErrEngineBroken) {
			t.Errorf("Expected the engine to be marked broken, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Detect still blocked after cancellation")
	}
}
