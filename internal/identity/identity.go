// Package identity decides whether a freshly detected face is new to the session.
package identity

import (
	"math"

	"github.com/andresmejia3/facecap/internal/types"
)

const (
	// AcceptThreshold is the admission cutoff for the capture store.
	AcceptThreshold = 0.4
	// SameFaceThreshold is the looser cutoff used for one-off "same person?" checks.
	SameFaceThreshold = 0.6
)

// Distance returns the Euclidean distance between two descriptors.
// Unavailable or mismatched descriptors are infinitely far apart.
func Distance(a, b types.Descriptor) float64 {
	if !a.Valid() || !b.Valid() {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// ShouldAccept reports whether candidate is far enough from every existing capture.
// Captures without a descriptor never match. A distance equal to threshold is accepted.
func ShouldAccept(candidate types.Descriptor, existing []types.Capture, threshold float64) bool {
	for _, c := range existing {
		if !c.Descriptor.Valid() {
			continue
		}
		if Distance(c.Descriptor, candidate) < threshold {
			return false
		}
	}
	return true
}

// IsSameFace compares two descriptors against SameFaceThreshold.
func IsSameFace(a, b types.Descriptor) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	return Distance(a, b) < SameFaceThreshold
}
