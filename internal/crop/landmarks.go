package crop

import (
	"fmt"
	"image"

	"github.com/andresmejia3/facecap/internal/types"
)

// Index ranges of the 68-point scheme, [start, end).
var (
	noseRange     = [2]int{27, 36}
	leftEyeRange  = [2]int{36, 42}
	rightEyeRange = [2]int{42, 48}
	mouthRange    = [2]int{48, 68}
)

// FeatureLandmarks holds the four landmark clusters in crop coordinates.
type FeatureLandmarks struct {
	LeftEye  []types.Point
	RightEye []types.Point
	Nose     []types.Point
	Mouth    []types.Point
}

// FeaturesOf slices the 68 frame-space landmarks into feature clusters shifted so that
// origin becomes (0, 0).
func FeaturesOf(landmarks []types.Point, origin image.Point) (FeatureLandmarks, error) {
	if len(landmarks) != types.LandmarkCount {
		return FeatureLandmarks{}, fmt.Errorf("expected %d landmarks, got %d", types.LandmarkCount, len(landmarks))
	}

	shift := func(r [2]int) []types.Point {
		out := make([]types.Point, 0, r[1]-r[0])
		for _, p := range landmarks[r[0]:r[1]] {
			out = append(out, types.Point{X: p.X - float64(origin.X), Y: p.Y - float64(origin.Y)})
		}
		return out
	}

	return FeatureLandmarks{
		LeftEye:  shift(leftEyeRange),
		RightEye: shift(rightEyeRange),
		Nose:     shift(noseRange),
		Mouth:    shift(mouthRange),
	}, nil
}
