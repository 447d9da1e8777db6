// Package ingest receives depth frames from a sensor daemon over a ZMQ PULL
// socket. Messages are CBOR maps shaped like:
//
//	{ "type": "frame", "frame_id": <int>, "start_time": <float>,
//	  "data": { "raw": <tag 40 float array>, "smoothed": ... } }
//
// plus "start"/"end" metadata messages bracketing an acquisition. Delivery
// into the pipeline is fire-and-forget: if the conversion workers fall
// behind, new frames are dropped rather than queued, so sensor delivery is
// never delayed by conversion work.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"depthview-go/internal/metrics"
	"depthview-go/internal/types"
)

// RawRecorder mirrors every received message to a raw log before decoding.
type RawRecorder interface {
	Record(payload []byte) error
}

type Options struct {
	// LogEvery rate-limits receive/decode error logging to every Nth error.
	LogEvery int
	Recorder RawRecorder
	Metrics  *metrics.Metrics
}

// Stream connects to the daemon endpoint and returns a channel of decoded
// depth frames. The channel closes when ctx is cancelled.
func Stream(ctx context.Context, endpoint string, logger *zap.Logger, opts Options) (<-chan types.DepthFrame, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}

	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan types.DepthFrame, 8)
	throttle := &everyN{n: uint64(opts.LogEvery)}

	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			payload, err := socket.RecvBytes(0)
			if err != nil {
				throttle.log(logger, "ingest recv error", zap.Error(err))
				continue
			}
			if opts.Recorder != nil {
				if err := opts.Recorder.Record(payload); err != nil {
					logger.Warn("raw log record failed", zap.Error(err))
				}
			}

			msg, err := decodeMessage(payload)
			if err != nil {
				if opts.Metrics != nil {
					opts.Metrics.FramesDropped.WithLabelValues(metrics.DropDecode).Inc()
				}
				throttle.log(logger, "ingest decode skipped message", zap.Error(err))
				continue
			}

			switch msg.Kind {
			case "start":
				logger.Info("acquisition started", zap.Strings("modes", msg.Modes))
			case "end":
				logger.Info("acquisition ended")
			case "frame":
				select {
				case <-ctx.Done():
					return
				case out <- msg.Frame:
				default:
					// workers busy, freshest-frame policy says drop
					if opts.Metrics != nil {
						opts.Metrics.FramesDropped.WithLabelValues(metrics.DropBackpressure).Inc()
					}
				}
			}
		}
	}()

	return out, nil
}

type everyN struct {
	n     uint64
	count atomic.Uint64
}

func (e *everyN) log(logger *zap.Logger, msg string, fields ...zap.Field) {
	if e.count.Add(1)%e.n == 0 {
		logger.Warn(msg, fields...)
	}
}
