// Package crop cuts the face and its eye/nose/mouth regions out of a frame.
package crop

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/andresmejia3/facecap/internal/types"
	"golang.org/x/image/draw"
)

// ErrDegenerateRegion is returned when a region has no area after clamping.
var ErrDegenerateRegion = errors.New("degenerate crop region")

// Feature names, also used as the display surface part names.
const (
	LeftEye  = "left-eye"
	RightEye = "right-eye"
	Nose     = "nose"
	Mouth    = "mouth"
)

// FeatureNames lists the features in display order.
var FeatureNames = []string{LeftEye, RightEye, Nose, Mouth}

// Options controls how much context surrounds each crop.
type Options struct {
	FacePadding    float64 // fraction of the box size added on each side
	FeaturePadding float64 // pixels added around each landmark cluster
	JPEGQuality    int
}

// DefaultOptions matches the capture defaults.
func DefaultOptions() Options {
	return Options{FacePadding: 0.5, FeaturePadding: 15, JPEGQuality: 92}
}

// Crops holds the encoded face image and its feature crops.
// A feature whose extraction failed is left empty and its error recorded in Failed.
type Crops struct {
	Region   image.Rectangle
	Face     []byte
	LeftEye  []byte
	RightEye []byte
	Nose     []byte
	Mouth    []byte
	Failed   map[string]error
}

// FaceRegion expands box by padRatio of its size on each axis and clamps it to bounds.
func FaceRegion(box types.Box, bounds image.Rectangle, padRatio float64) image.Rectangle {
	pw := box.Width * padRatio
	ph := box.Height * padRatio
	r := image.Rect(
		int(math.Floor(box.X-pw)),
		int(math.Floor(box.Y-ph)),
		int(math.Ceil(box.X+box.Width+pw)),
		int(math.Ceil(box.Y+box.Height+ph)),
	)
	return r.Intersect(bounds)
}

// FeatureRegion returns the bounding rectangle of points grown by padding and clamped to bounds.
func FeatureRegion(points []types.Point, padding float64, bounds image.Rectangle) (image.Rectangle, error) {
	if len(points) == 0 {
		return image.Rectangle{}, fmt.Errorf("%w: no points", ErrDegenerateRegion)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}

	minX = math.Max(float64(bounds.Min.X), minX-padding)
	minY = math.Max(float64(bounds.Min.Y), minY-padding)
	maxX = math.Min(float64(bounds.Max.X), maxX+padding)
	maxY = math.Min(float64(bounds.Max.Y), maxY+padding)

	if maxX-minX <= 0 || maxY-minY <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: %.1fx%.1f", ErrDegenerateRegion, maxX-minX, maxY-minY)
	}

	r := image.Rect(
		int(math.Floor(minX)),
		int(math.Floor(minY)),
		int(math.Ceil(maxX)),
		int(math.Ceil(maxY)),
	).Intersect(bounds)
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: empty after rounding", ErrDegenerateRegion)
	}
	return r, nil
}

// Cut copies region r of src into a new image anchored at the origin.
func Cut(src image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, src, r, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ExtractFeature crops the padded bounding box of points out of src.
// Callers treat a returned error as "no crop" for that feature only.
func ExtractFeature(src image.Image, points []types.Point, padding float64, quality int) ([]byte, error) {
	r, err := FeatureRegion(points, padding, src.Bounds())
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(Cut(src, r), quality)
}

// Extract produces the face crop and the four feature crops for a detection.
// Only a face region with no area is an error; feature failures are reported in Crops.Failed.
func Extract(frame image.Image, det types.Detection, opts Options) (*Crops, error) {
	region := FaceRegion(det.Box, frame.Bounds(), opts.FacePadding)
	if region.Empty() {
		return nil, fmt.Errorf("%w: face box %+v outside frame", ErrDegenerateRegion, det.Box)
	}

	face := Cut(frame, region)
	faceJPEG, err := EncodeJPEG(face, opts.JPEGQuality)
	if err != nil {
		return nil, err
	}

	out := &Crops{Region: region, Face: faceJPEG, Failed: make(map[string]error)}

	features, err := FeaturesOf(det.Landmarks, region.Min)
	if err != nil {
		for _, name := range FeatureNames {
			out.Failed[name] = err
		}
		return out, nil
	}

	extract := func(name string, points []types.Point) []byte {
		data, err := ExtractFeature(face, points, opts.FeaturePadding, opts.JPEGQuality)
		if err != nil {
			out.Failed[name] = err
			return nil
		}
		return data
	}
	out.LeftEye = extract(LeftEye, features.LeftEye)
	out.RightEye = extract(RightEye, features.RightEye)
	out.Nose = extract(Nose, features.Nose)
	out.Mouth = extract(Mouth, features.Mouth)

	return out, nil
}
