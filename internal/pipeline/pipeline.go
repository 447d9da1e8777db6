// Package pipeline drives the conversion of incoming depth frames into the
// single latest-image slot consumed by the display and export paths.
//
// The slot is last-write-wins: conversions may race and a slightly stale
// frame can win, which is acceptable for a live preview. Publishing is a
// single atomic pointer swap, so readers never observe a partially written
// raster and never block writers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"depthview-go/internal/convert"
	"depthview-go/internal/metrics"
	"depthview-go/internal/types"
)

// ErrUnsupportedMode reports that the sensor cannot produce the requested
// acquisition variant. Non-retryable without different hardware.
var ErrUnsupportedMode = errors.New("depth mode not supported by sensor")

// SourceControl reconfigures the frame source when the smoothing toggle
// changes. Implemented by sensorctl for real sensors and by the simulator
// in debug mode.
type SourceControl interface {
	Supports(ctx context.Context, mode types.DepthMode) (bool, error)
	Configure(ctx context.Context, mode types.DepthMode) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Pipeline struct {
	clip    types.ClipRange
	workers int
	source  SourceControl
	log     *zap.Logger
	met     *metrics.Metrics

	smoothed atomic.Bool
	latest   atomic.Pointer[types.GrayscaleImage]
	updates  chan struct{}

	// serializes smoothing transitions; never held on the frame path
	toggleMu sync.Mutex
}

func New(clip types.ClipRange, workers int, smoothed bool, source SourceControl, logger *zap.Logger, met *metrics.Metrics) (*Pipeline, error) {
	if !clip.Valid() {
		return nil, fmt.Errorf("%w: clip range [%g, %g]", convert.ErrInvalidInput, clip.Min, clip.Max)
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		clip:    clip,
		workers: workers,
		source:  source,
		log:     logger,
		met:     met,
		updates: make(chan struct{}, 1),
	}
	p.smoothed.Store(smoothed)
	return p, nil
}

// Run drains the frame channel with the configured number of conversion
// workers. It returns when the channel closes or the context is cancelled.
// Frames already picked up keep converting and may still publish; the slot
// swap is idempotent so that race is harmless.
func (p *Pipeline) Run(ctx context.Context, frames <-chan types.DepthFrame) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case frame, ok := <-frames:
					if !ok {
						return
					}
					p.handle(frame)
				}
			}
		}()
	}
	wg.Wait()
}

func (p *Pipeline) handle(frame types.DepthFrame) {
	if p.met != nil {
		p.met.FramesReceived.Inc()
	}
	mode := types.ModeFor(p.smoothed.Load())
	if _, ok := frame.Variant(mode); !ok {
		// source is mid-reconfigure or the daemon skipped the variant
		if p.met != nil {
			p.met.FramesDropped.WithLabelValues(metrics.DropVariantMissing).Inc()
		}
		return
	}

	start := time.Now()
	img, err := convert.Convert(frame, mode, p.clip)
	if p.met != nil {
		p.met.ConvertSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if p.met != nil {
			p.met.FramesDropped.WithLabelValues(metrics.DropInvalid).Inc()
		}
		p.log.Debug("frame dropped", zap.Int("frame_id", frame.FrameID), zap.Error(err))
		return
	}

	p.latest.Store(&img)
	if p.met != nil {
		p.met.FramesConverted.Inc()
	}
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

// Latest returns the most recently published raster, or nil before the
// first successful conversion. The returned image is immutable.
func (p *Pipeline) Latest() *types.GrayscaleImage {
	return p.latest.Load()
}

// Updates delivers a coalesced kick after each publish. Consumers re-read
// Latest; missed kicks only mean the slot already holds something newer.
func (p *Pipeline) Updates() <-chan struct{} {
	return p.updates
}

func (p *Pipeline) Smoothing() bool {
	return p.smoothed.Load()
}

func (p *Pipeline) Mode() types.DepthMode {
	return types.ModeFor(p.smoothed.Load())
}

func (p *Pipeline) Clip() types.ClipRange {
	return p.clip
}

// SetSmoothing switches the acquisition variant. The sensor has to be
// reconfigured for the new mode, so the sequence is stop, configure,
// restart; frames in flight during the transition are dropped by the
// variant check in handle.
func (p *Pipeline) SetSmoothing(ctx context.Context, enabled bool) error {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()

	if p.smoothed.Load() == enabled {
		return nil
	}
	mode := types.ModeFor(enabled)

	if p.source == nil {
		p.smoothed.Store(enabled)
		return nil
	}

	ok, err := p.source.Supports(ctx, mode)
	if err != nil {
		return fmt.Errorf("capability check for %q: %w", mode, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}

	if err := p.source.Stop(ctx); err != nil {
		return fmt.Errorf("stop acquisition: %w", err)
	}
	if err := p.source.Configure(ctx, mode); err != nil {
		// try to resume in the previous mode rather than leave the sensor idle
		prior := types.ModeFor(p.smoothed.Load())
		if restoreErr := p.source.Configure(ctx, prior); restoreErr == nil {
			_ = p.source.Start(ctx)
		}
		return fmt.Errorf("configure %q: %w", mode, err)
	}
	p.smoothed.Store(enabled)
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("restart acquisition: %w", err)
	}
	p.log.Info("acquisition mode switched", zap.String("mode", string(mode)))
	return nil
}
