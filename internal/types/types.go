package types

import (
	"image"
	"math"
	"time"
)

// DepthMode selects which acquisition variant of a frame is consumed.
type DepthMode string

const (
	ModeRaw      DepthMode = "raw"
	ModeSmoothed DepthMode = "smoothed"
)

func (m DepthMode) Valid() bool {
	return m == ModeRaw || m == ModeSmoothed
}

// ModeFor maps the smoothing toggle onto a depth mode.
func ModeFor(smoothed bool) DepthMode {
	if smoothed {
		return ModeSmoothed
	}
	return ModeRaw
}

// DepthFrame is one sample set from the sensor. Samples are row-major
// distances in meters; a frame may carry one or both variants.
//
// Frames are shared by reference between the ingest goroutine and the
// conversion workers and must not be mutated after delivery.
type DepthFrame struct {
	FrameID   int
	StartTime float64
	Width     int
	Height    int
	Samples   map[DepthMode][]float32
}

// Variant returns the sample buffer for the given mode, if the frame
// carries it.
func (f DepthFrame) Variant(mode DepthMode) ([]float32, bool) {
	samples, ok := f.Samples[mode]
	return samples, ok
}

// ClipRange is the [Min,Max] meter interval mapped onto the full grayscale
// intensity range. Depths outside the range saturate.
type ClipRange struct {
	Min float64
	Max float64
}

func DefaultClip() ClipRange {
	return ClipRange{Min: 0, Max: 5}
}

// Valid reports whether the range is finite and non-degenerate. A zero-width
// range would make the reciprocal scale step undefined.
func (c ClipRange) Valid() bool {
	if math.IsNaN(c.Min) || math.IsInf(c.Min, 0) {
		return false
	}
	if math.IsNaN(c.Max) || math.IsInf(c.Max, 0) {
		return false
	}
	return c.Max > c.Min
}

// GrayscaleImage is a converted raster: one intensity byte per depth sample,
// row-major, no padding. FrameID, Mode and CapturedAt record which
// acquisition produced it.
type GrayscaleImage struct {
	Width      int
	Height     int
	Pix        []uint8
	FrameID    int
	Mode       DepthMode
	CapturedAt time.Time
}

// ToGray wraps the raster in a stdlib image for encoding and display
// transforms. The pixel buffer is shared, not copied.
func (g *GrayscaleImage) ToGray() *image.Gray {
	return &image.Gray{
		Pix:    g.Pix,
		Stride: g.Width,
		Rect:   image.Rect(0, 0, g.Width, g.Height),
	}
}
