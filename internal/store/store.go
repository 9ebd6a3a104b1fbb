package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when a session or capture is not in the archive.
var ErrNotFound = errors.New("not found in archive")

// Store archives finished sessions in PostgreSQL. It is write-mostly: nothing in it is ever loaded
// back into a live session.
type Store struct {
	conn *pgx.Conn
}

// SessionRecord summarizes one archived session.
type SessionRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	MaxFaces  int
	Captures  int
	Groups    int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS capture_sessions (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			max_faces INT NOT NULL,
			capture_count INT NOT NULL,
			group_count INT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_captures (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
			position INT NOT NULL,
			face_id TEXT NOT NULL,
			descriptor VECTOR(128),
			box_x DOUBLE PRECISION NOT NULL,
			box_y DOUBLE PRECISION NOT NULL,
			box_width DOUBLE PRECISION NOT NULL,
			box_height DOUBLE PRECISION NOT NULL,
			face_jpeg BYTEA,
			left_eye_jpeg BYTEA,
			right_eye_jpeg BYTEA,
			nose_jpeg BYTEA,
			mouth_jpeg BYTEA,
			captured_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS session_captures_session_id_idx ON session_captures (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveSession writes a finished session and its captures in one transaction.
// Saving the same session again replaces its captures.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord, captures []types.Capture) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO capture_sessions (id, started_at, ended_at, max_faces, capture_count, group_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			capture_count = EXCLUDED.capture_count,
			group_count = EXCLUDED.group_count
	`, rec.ID, rec.StartedAt, rec.EndedAt, rec.MaxFaces, len(captures), rec.Groups)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM session_captures WHERE session_id = $1", rec.ID); err != nil {
		return err
	}

	for i, c := range captures {
		var vec *pgvector.Vector
		if c.Descriptor.Valid() {
			v := pgvector.NewVector([]float32(c.Descriptor))
			vec = &v
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO session_captures (
				id, session_id, position, face_id, descriptor,
				box_x, box_y, box_width, box_height,
				face_jpeg, left_eye_jpeg, right_eye_jpeg, nose_jpeg, mouth_jpeg, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, c.ID, rec.ID, i, c.FaceID, vec,
			c.Box.X, c.Box.Y, c.Box.Width, c.Box.Height,
			c.Image, c.LeftEye, c.RightEye, c.Nose, c.Mouth, c.CapturedAt)
		if err != nil {
			return fmt.Errorf("failed to save capture %s: %w", c.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, started_at, ended_at, max_faces, capture_count, group_count
		FROM capture_sessions
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.EndedAt, &r.MaxFaces, &r.Captures, &r.Groups); err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// SessionCaptures returns a session's captures in acceptance order, without image bytes.
func (s *Store) SessionCaptures(ctx context.Context, sessionID string) ([]types.Capture, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, face_id, descriptor, box_x, box_y, box_width, box_height, captured_at
		FROM session_captures
		WHERE session_id = $1
		ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var captures []types.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

// GetCapture loads one archived capture's metadata and descriptor.
func (s *Store) GetCapture(ctx context.Context, id string) (types.Capture, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT id, face_id, descriptor, box_x, box_y, box_width, box_height, captured_at
		FROM session_captures
		WHERE id = $1
	`, id)
	c, err := scanCapture(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Capture{}, fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	return c, err
}

func scanCapture(row pgx.Row) (types.Capture, error) {
	var c types.Capture
	var vec *pgvector.Vector // NULL for captures stored without a descriptor
	if err := row.Scan(&c.ID, &c.FaceID, &vec, &c.Box.X, &c.Box.Y, &c.Box.Width, &c.Box.Height, &c.CapturedAt); err != nil {
		return types.Capture{}, err
	}
	if vec != nil {
		c.Descriptor = types.Descriptor(vec.Slice())
	}
	return c, nil
}

// Reset drops all archive tables.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS session_captures CASCADE;
		DROP TABLE IF EXISTS capture_sessions CASCADE;
	`)
	return err
}
