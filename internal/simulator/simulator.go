// Package simulator emits synthetic time-of-flight frames for development
// without sensor hardware: a bump rising out of a back wall, per-frame
// sensor noise, and a sprinkling of invalid samples the way real ToF
// sensors drop them at grazing angles.
package simulator

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"depthview-go/internal/types"
)

const (
	wallDepth   = 4.0
	bumpDepth   = 1.2
	noiseSigma  = 0.02
	invalidEach = 97
)

// Control is the in-process stand-in for a sensor daemon. Both acquisition
// modes are always supported; Stop pauses emission without tearing the
// stream down.
type Control struct {
	running atomic.Bool
	mode    atomic.Value
}

func NewControl(mode types.DepthMode) *Control {
	c := &Control{}
	c.mode.Store(mode)
	c.running.Store(true)
	return c
}

func (c *Control) Supports(_ context.Context, mode types.DepthMode) (bool, error) {
	return mode.Valid(), nil
}

func (c *Control) Configure(_ context.Context, mode types.DepthMode) error {
	c.mode.Store(mode)
	return nil
}

func (c *Control) Start(context.Context) error {
	c.running.Store(true)
	return nil
}

func (c *Control) Stop(context.Context) error {
	c.running.Store(false)
	return nil
}

func (c *Control) Running() bool {
	return c.running.Load()
}

func (c *Control) Mode() types.DepthMode {
	return c.mode.Load().(types.DepthMode)
}

// Stream emits frames at acqRate frames per second until ctx is cancelled.
// The raw variant is always present; the smoothed variant is computed only
// while the control is configured for it, mirroring real daemons that
// filter on demand. Emission pauses while ctrl is stopped.
func Stream(ctx context.Context, ctrl *Control, width, height int, acqRate float64) <-chan types.DepthFrame {
	out := make(chan types.DepthFrame)
	go func() {
		defer close(out)

		if acqRate <= 0 {
			acqRate = 30
		}
		ticker := time.NewTicker(time.Duration(float64(time.Second) / acqRate))
		defer ticker.Stop()

		base := baseScene(width, height)
		frameID := 0

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctrl != nil && !ctrl.Running() {
					continue
				}
				raw := sample(base, frameID)
				samples := map[types.DepthMode][]float32{
					types.ModeRaw: raw,
				}
				if ctrl == nil || ctrl.Mode() == types.ModeSmoothed {
					samples[types.ModeSmoothed] = boxBlur(raw, width, height)
				}
				frame := types.DepthFrame{
					FrameID:   frameID,
					StartTime: float64(time.Now().UnixNano()) / 1e9,
					Width:     width,
					Height:    height,
					Samples:   samples,
				}
				select {
				case <-ctx.Done():
					return
				case out <- frame:
				}
				frameID++
			}
		}
	}()
	return out
}

func baseScene(width, height int) []float32 {
	base := make([]float32, width*height)
	centerX := float64(width) / 2
	centerY := float64(height) / 2
	radius := math.Min(centerX, centerY) * 0.7
	for i := range base {
		dx := float64(i%width) - centerX
		dy := float64(i/width) - centerY
		r := math.Sqrt(dx*dx + dy*dy)
		if r < radius {
			base[i] = float32(bumpDepth + (r/radius)*(wallDepth-bumpDepth)*0.5)
		} else {
			base[i] = wallDepth
		}
	}
	return base
}

func sample(base []float32, frameID int) []float32 {
	out := make([]float32, len(base))
	for i, b := range base {
		switch {
		case (i+frameID)%invalidEach == 0:
			// dropped return, sensor reports zero
			out[i] = 0
		case (i+frameID*3)%(invalidEach*5) == 1:
			out[i] = float32(math.NaN())
		default:
			out[i] = b + float32(rand.NormFloat64()*noiseSigma)
		}
	}
	return out
}

// boxBlur is the smoothed variant: a 3x3 mean over valid neighbors.
// Invalid centers stay invalid.
func boxBlur(raw []float32, width, height int) []float32 {
	out := make([]float32, len(raw))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			center := float64(raw[i])
			if math.IsNaN(center) || center <= 0 {
				out[i] = raw[i]
				continue
			}
			var sum float64
			var n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					v := float64(raw[ny*width+nx])
					if math.IsNaN(v) || v <= 0 {
						continue
					}
					sum += v
					n++
				}
			}
			out[i] = float32(sum / float64(n))
		}
	}
	return out
}
