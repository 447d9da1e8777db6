// Package convert turns raw depth frames into 8-bit grayscale rasters.
//
// The mapping is deterministic and saturating: depths at ClipRange.Min map
// to white (255), depths at or beyond ClipRange.Max map to black (0), and
// intensity falls off linearly in between, so nearer surfaces render
// brighter. Non-finite, zero and negative depths are physically invalid
// sensor states and always render as pure black.
package convert

import (
	"errors"
	"fmt"
	"math"
	"time"

	"depthview-go/internal/types"
)

// ErrInvalidInput marks a malformed frame or a degenerate clip range. The
// failure is local to one frame; callers drop it and continue.
var ErrInvalidInput = errors.New("invalid conversion input")

// Convert maps the selected depth variant of a frame onto a grayscale
// raster of the same dimensions. It is pure: no I/O, no shared state, and
// byte-identical output for identical input.
func Convert(frame types.DepthFrame, mode types.DepthMode, clip types.ClipRange) (types.GrayscaleImage, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return types.GrayscaleImage{}, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidInput, frame.Width, frame.Height)
	}
	if !clip.Valid() {
		return types.GrayscaleImage{}, fmt.Errorf("%w: clip range [%g, %g]", ErrInvalidInput, clip.Min, clip.Max)
	}
	samples, ok := frame.Variant(mode)
	if !ok {
		return types.GrayscaleImage{}, fmt.Errorf("%w: frame %d has no %q variant", ErrInvalidInput, frame.FrameID, mode)
	}
	if len(samples) != frame.Width*frame.Height {
		return types.GrayscaleImage{}, fmt.Errorf("%w: %d samples for %dx%d frame", ErrInvalidInput, len(samples), frame.Width, frame.Height)
	}

	scale := 1.0 / (clip.Max - clip.Min)
	pix := make([]uint8, len(samples))
	for i, sample := range samples {
		depth := float64(sample)
		if math.IsNaN(depth) || math.IsInf(depth, 0) || depth <= 0 {
			continue
		}
		t := 1.0 - (depth-clip.Min)*scale
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		pix[i] = uint8(t*255.0 + 0.5)
	}

	return types.GrayscaleImage{
		Width:      frame.Width,
		Height:     frame.Height,
		Pix:        pix,
		FrameID:    frame.FrameID,
		Mode:       mode,
		CapturedAt: time.Now(),
	}, nil
}
