// Package overlay paints the decorative landmark layer shown on top of the live video.
package overlay

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/andresmejia3/facecap/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// Drawing parameters
const (
	LandmarkRadius = 1.2
	LandmarkAlpha  = 0.8

	// Consecutive landmarks closer than LinkDistance get InterpSteps-1 dots between them.
	LinkDistance = 30.0
	InterpSteps  = 3
	InterpRadius = 0.8
	InterpJitter = 1.0

	SparkleCount  = 100
	SparkleRadius = 0.5
	SparkleSpread = 100.0
	SparkleAnchor = 30 // nose tip
)

var green = color.NRGBA{R: 48, G: 255, B: 48}

func withAlpha(c color.NRGBA, a float64) color.NRGBA {
	c.A = uint8(math.Round(a * 255))
	return c
}

// Renderer draws landmark dots onto an RGBA canvas.
type Renderer struct {
	rng *rand.Rand
	z   vector.Rasterizer
}

// NewRenderer returns a renderer using rng for jitter and sparkles. A nil rng is seeded randomly.
func NewRenderer(rng *rand.Rand) *Renderer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Renderer{rng: rng}
}

// Render clears dst and, when landmarks is non-empty, paints the overlay for one face.
func (r *Renderer) Render(dst *image.RGBA, landmarks []types.Point) {
	Clear(dst)
	if len(landmarks) == 0 {
		return
	}

	solid := withAlpha(green, LandmarkAlpha)
	for _, p := range landmarks {
		r.dot(dst, p.X, p.Y, LandmarkRadius, solid)
	}

	for i := 0; i < len(landmarks)-1; i++ {
		a, b := landmarks[i], landmarks[i+1]
		if math.Hypot(b.X-a.X, b.Y-a.Y) >= LinkDistance {
			continue
		}
		for j := 1; j < InterpSteps; j++ {
			t := float64(j) / InterpSteps
			x := a.X + (b.X-a.X)*t + r.jitter()
			y := a.Y + (b.Y-a.Y)*t + r.jitter()
			r.dot(dst, x, y, InterpRadius, solid)
		}
	}

	if len(landmarks) <= SparkleAnchor {
		return
	}
	center := landmarks[SparkleAnchor]
	for i := 0; i < SparkleCount; i++ {
		angle := r.rng.Float64() * 2 * math.Pi
		dist := r.rng.Float64() * SparkleSpread
		x := center.X + dist*math.Cos(angle)
		y := center.Y + dist*math.Sin(angle)
		r.dot(dst, x, y, SparkleRadius, withAlpha(green, r.rng.Float64()*0.5+0.3))
	}
}

func (r *Renderer) jitter() float64 {
	return (r.rng.Float64() - 0.5) * 2 * InterpJitter
}

// dot fills a circle centred at (cx, cy). The circle is rasterized into a small mask so the cost
// does not depend on the canvas size; DrawMask clips it against dst.
func (r *Renderer) dot(dst *image.RGBA, cx, cy, radius float64, c color.Color) {
	minX := int(math.Floor(cx - radius))
	minY := int(math.Floor(cy - radius))
	maxX := int(math.Ceil(cx + radius))
	maxY := int(math.Ceil(cy + radius))
	rect := image.Rect(minX, minY, maxX, maxY)
	if !rect.Overlaps(dst.Bounds()) {
		return
	}

	w, h := rect.Dx(), rect.Dy()
	r.z.Reset(w, h)
	circle(&r.z, float32(cx-float64(minX)), float32(cy-float64(minY)), float32(radius))

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	r.z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	draw.DrawMask(dst, rect, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
}

// kappa places cubic control points so four curves approximate a circle.
const kappa = 0.5522847498

func circle(z *vector.Rasterizer, cx, cy, r float32) {
	k := r * kappa
	z.MoveTo(cx+r, cy)
	z.CubeTo(cx+r, cy+k, cx+k, cy+r, cx, cy+r)
	z.CubeTo(cx-k, cy+r, cx-r, cy+k, cx-r, cy)
	z.CubeTo(cx-r, cy-k, cx-k, cy-r, cx, cy-r)
	z.CubeTo(cx+k, cy-r, cx+r, cy-k, cx+r, cy)
	z.ClosePath()
}

// Clear makes every pixel of dst fully transparent.
func Clear(dst *image.RGBA) {
	clear(dst.Pix)
}
