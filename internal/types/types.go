package types

import (
	"image"
	"math"
	"time"
)

// DescriptorSize is the length of a face descriptor produced by the detection engine.
const DescriptorSize = 128

// LandmarkCount is the number of points in the 68-point landmark scheme.
const LandmarkCount = 68

// Descriptor is a 128-d face embedding. A nil, wrong-length or non-finite descriptor is treated as unavailable.
type Descriptor []float32

// Valid reports whether the descriptor can take part in a distance comparison.
// It needs DescriptorSize finite values.
func (d Descriptor) Valid() bool {
	if len(d) != DescriptorSize {
		return false
	}
	for _, v := range d {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Point is a landmark position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned face bounding box in pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is the most prominent face found in a frame.
type Detection struct {
	Box        Box
	Landmarks  []Point
	Descriptor Descriptor // nil for landmarks-only detections
}

// Frame is a single camera frame, both as received and decoded.
type Frame struct {
	Seq   uint64
	JPEG  []byte
	Image image.Image
}

// Capture is one accepted face instance. Feature crops are empty when extraction failed.
type Capture struct {
	ID         string
	Image      []byte
	LeftEye    []byte
	RightEye   []byte
	Nose       []byte
	Mouth      []byte
	Descriptor Descriptor
	FaceID     string
	Box        Box
	CapturedAt time.Time
}

// Group is the set of captures sharing an identity key, in capture order.
type Group struct {
	FaceID   string
	Captures []Capture
}
