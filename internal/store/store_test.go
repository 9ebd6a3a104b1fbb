package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startArchive runs a pgvector Postgres container and returns a connected store.
// It requires Docker to be running.
func startArchive(t *testing.T) (*Store, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("facecap_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	return s, ctx
}

func descriptor(v float32) types.Descriptor {
	d := make(types.Descriptor, types.DescriptorSize)
	d[0] = v
	d[127] = -v
	return d
}

func TestStoreIntegration(t *testing.T) {
	s, ctx := startArchive(t)

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	rec := SessionRecord{ID: "sess-1", StartedAt: started, EndedAt: started.Add(30 * time.Second), MaxFaces: 3, Groups: 2}
	captures := []types.Capture{
		{ID: "cap-a", FaceID: "k1", Descriptor: descriptor(0.25), Box: types.Box{X: 1, Y: 2, Width: 30, Height: 40},
			Image: []byte("face"), LeftEye: []byte("le"), CapturedAt: started.Add(2 * time.Second)},
		{ID: "cap-b", FaceID: "k2", Descriptor: descriptor(0.75), CapturedAt: started.Add(4 * time.Second)},
		{ID: "cap-c", FaceID: "k2", CapturedAt: started.Add(6 * time.Second)}, // no descriptor
	}

	if err := s.SaveSession(ctx, rec, captures); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	// Saving again must not duplicate captures.
	if err := s.SaveSession(ctx, rec, captures); err != nil {
		t.Fatalf("second SaveSession failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if got := sessions[0]; got.ID != "sess-1" || got.Captures != 3 || got.Groups != 2 || got.MaxFaces != 3 {
		t.Errorf("Unexpected session record %+v", got)
	}

	stored, err := s.SessionCaptures(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionCaptures failed: %v", err)
	}
	if len(stored) != 3 || stored[0].ID != "cap-a" || stored[2].ID != "cap-c" {
		t.Fatalf("Expected captures in acceptance order, got %+v", stored)
	}
	if stored[0].Box != captures[0].Box {
		t.Errorf("Box = %+v, want %+v", stored[0].Box, captures[0].Box)
	}
	if stored[2].Descriptor != nil {
		t.Error("Expected nil descriptor for a capture saved without one")
	}

	got, err := s.GetCapture(ctx, "cap-b")
	if err != nil {
		t.Fatalf("GetCapture failed: %v", err)
	}
	if !got.Descriptor.Valid() {
		t.Fatalf("Expected a %d-float descriptor, got %d", types.DescriptorSize, len(got.Descriptor))
	}
	epsilon := 1e-6
	if math.Abs(float64(got.Descriptor[0])-0.75) > epsilon || math.Abs(float64(got.Descriptor[127])+0.75) > epsilon {
		t.Errorf("Descriptor not preserved: [0]=%f [127]=%f", got.Descriptor[0], got.Descriptor[127])
	}

	if _, err := s.GetCapture(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx); err == nil {
		t.Error("Expected an error listing after the tables were dropped")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
