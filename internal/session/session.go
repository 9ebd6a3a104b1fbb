// Package session owns the captures accepted during one detection session.
package session

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facecap/internal/types"
	"github.com/google/uuid"
)

// MaxFaces is the default capture limit for a session.
const MaxFaces = 3

// KeyPrecision is the number of decimals kept per coordinate in an identity key.
const KeyPrecision = 2

var (
	// ErrFull is returned when adding to a session that already holds its maximum.
	ErrFull = errors.New("session is full")
	// ErrClosed is returned when adding to a session that has ended.
	ErrClosed = errors.New("session is closed")
)

// Session is the bounded, append-only capture store for one run.
type Session struct {
	ID        string
	StartedAt time.Time

	mu       sync.RWMutex
	max      int
	captures []types.Capture
	endedAt  time.Time
	closed   bool
}

// New starts a session that accepts at most limit captures. Non-positive limit uses MaxFaces.
func New(limit int) *Session {
	if limit <= 0 {
		limit = MaxFaces
	}
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		max:       limit,
	}
}

// Max returns the capture limit.
func (s *Session) Max() int {
	return s.max
}

// Add appends a capture. The capture is stored as given; callers must not modify it afterwards.
func (s *Session) Add(c types.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(s.captures) >= s.max {
		return ErrFull
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now()
	}
	s.captures = append(s.captures, c)
	return nil
}

// Captures returns a snapshot of the accepted captures in insertion order.
func (s *Session) Captures() []types.Capture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Capture, len(s.captures))
	copy(out, s.captures)
	return out
}

// Capture looks up a capture by ID.
func (s *Session) Capture(id string) (types.Capture, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.captures {
		if c.ID == id {
			return c, true
		}
	}
	return types.Capture{}, false
}

// Len returns the number of accepted captures.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.captures)
}

// Full reports whether the session has reached its limit.
func (s *Session) Full() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.captures) >= s.max
}

// Progress is the capture completion percentage.
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(len(s.captures)) / float64(s.max) * 100
}

// Groups projects the current captures into identity groups.
func (s *Session) Groups() []types.Group {
	return Groups(s.Captures())
}

// Close ends the session and releases its captures. It returns the final snapshot.
func (s *Session) Close() []types.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	final := s.captures
	s.captures = nil
	s.closed = true
	s.endedAt = time.Now()
	return final
}

// EndedAt returns when the session was closed, or the zero time while it is live.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Groups maps identity keys to captures in first-appearance order.
// Captures without a key are left out.
func Groups(captures []types.Capture) []types.Group {
	index := make(map[string]int)
	var groups []types.Group
	for _, c := range captures {
		if c.FaceID == "" {
			continue
		}
		i, ok := index[c.FaceID]
		if !ok {
			i = len(groups)
			index[c.FaceID] = i
			groups = append(groups, types.Group{FaceID: c.FaceID})
		}
		groups[i].Captures = append(groups[i].Captures, c)
	}
	return groups
}

// IdentityKey concatenates every landmark coordinate rounded to KeyPrecision decimals.
// It is a display grouping key only and says nothing about descriptor similarity.
func IdentityKey(landmarks []types.Point) string {
	var b strings.Builder
	for _, p := range landmarks {
		b.WriteString(strconv.FormatFloat(p.X, 'f', KeyPrecision, 64))
		b.WriteString(strconv.FormatFloat(p.Y, 'f', KeyPrecision, 64))
	}
	return b.String()
}
