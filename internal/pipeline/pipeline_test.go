package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"depthview-go/internal/convert"
	"depthview-go/internal/types"
)

func rawFrame(id int, samples []float32, width, height int) types.DepthFrame {
	return types.DepthFrame{
		FrameID: id,
		Width:   width,
		Height:  height,
		Samples: map[types.DepthMode][]float32{types.ModeRaw: samples},
	}
}

func newPipeline(t *testing.T, workers int, smoothed bool, source SourceControl) *Pipeline {
	t.Helper()
	p, err := New(types.DefaultClip(), workers, smoothed, source, zap.NewNop(), nil)
	require.NoError(t, err)
	return p
}

func TestRacingConversionsLeaveOneValidImage(t *testing.T) {
	p := newPipeline(t, 2, false, nil)

	frameA := rawFrame(1, []float32{1, 1, 1, 1}, 2, 2)
	frameB := rawFrame(2, []float32{4, 4, 4, 4}, 2, 2)
	wantA, err := convert.Convert(frameA, types.ModeRaw, p.Clip())
	require.NoError(t, err)
	wantB, err := convert.Convert(frameB, types.ModeRaw, p.Clip())
	require.NoError(t, err)

	frames := make(chan types.DepthFrame, 2)
	frames <- frameA
	frames <- frameB
	close(frames)
	p.Run(context.Background(), frames)

	latest := p.Latest()
	require.NotNil(t, latest)
	require.Len(t, latest.Pix, 4)
	switch latest.FrameID {
	case 1:
		assert.True(t, bytes.Equal(wantA.Pix, latest.Pix), "slot holds corrupt raster for frame 1")
	case 2:
		assert.True(t, bytes.Equal(wantB.Pix, latest.Pix), "slot holds corrupt raster for frame 2")
	default:
		t.Fatalf("unexpected frame id %d", latest.FrameID)
	}
}

func TestInvalidFrameNeverPublishes(t *testing.T) {
	p := newPipeline(t, 1, false, nil)

	frames := make(chan types.DepthFrame, 2)
	frames <- rawFrame(1, []float32{1, 2, 3}, 2, 2) // size mismatch
	frames <- rawFrame(2, []float32{2.5}, 1, 1)
	close(frames)
	p.Run(context.Background(), frames)

	latest := p.Latest()
	require.NotNil(t, latest, "valid frame after an invalid one must still publish")
	assert.Equal(t, 2, latest.FrameID)
}

func TestMissingVariantDroppedSilently(t *testing.T) {
	p := newPipeline(t, 1, true, nil)

	frames := make(chan types.DepthFrame, 1)
	frames <- rawFrame(1, []float32{1.5}, 1, 1) // raw only, smoothing selected
	close(frames)
	p.Run(context.Background(), frames)

	assert.Nil(t, p.Latest())
}

func TestUpdatesKickAfterPublish(t *testing.T) {
	p := newPipeline(t, 1, false, nil)

	frames := make(chan types.DepthFrame, 1)
	frames <- rawFrame(7, []float32{2}, 1, 1)
	close(frames)
	p.Run(context.Background(), frames)

	select {
	case <-p.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update kick after publish")
	}
	require.NotNil(t, p.Latest())
}

type fakeSource struct {
	calls         []string
	supports      bool
	supportsErr   error
	failConfigure types.DepthMode
}

func (f *fakeSource) Supports(_ context.Context, mode types.DepthMode) (bool, error) {
	f.calls = append(f.calls, "supports:"+string(mode))
	return f.supports, f.supportsErr
}

func (f *fakeSource) Configure(_ context.Context, mode types.DepthMode) error {
	f.calls = append(f.calls, "configure:"+string(mode))
	if f.failConfigure != "" && mode == f.failConfigure {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeSource) Start(context.Context) error {
	f.calls = append(f.calls, "start")
	return nil
}

func (f *fakeSource) Stop(context.Context) error {
	f.calls = append(f.calls, "stop")
	return nil
}

func TestSetSmoothingRestartsSource(t *testing.T) {
	source := &fakeSource{supports: true}
	p := newPipeline(t, 1, false, source)

	require.NoError(t, p.SetSmoothing(context.Background(), true))
	assert.True(t, p.Smoothing())
	assert.Equal(t, types.ModeSmoothed, p.Mode())
	assert.Equal(t, []string{"supports:smoothed", "stop", "configure:smoothed", "start"}, source.calls)
}

func TestSetSmoothingNoopWhenUnchanged(t *testing.T) {
	source := &fakeSource{supports: true}
	p := newPipeline(t, 1, true, source)

	require.NoError(t, p.SetSmoothing(context.Background(), true))
	assert.Empty(t, source.calls)
}

func TestSetSmoothingUnsupportedMode(t *testing.T) {
	source := &fakeSource{supports: false}
	p := newPipeline(t, 1, false, source)

	err := p.SetSmoothing(context.Background(), true)
	require.ErrorIs(t, err, ErrUnsupportedMode)
	assert.False(t, p.Smoothing(), "flag must not flip on unsupported mode")
	assert.Equal(t, []string{"supports:smoothed"}, source.calls, "acquisition must not be stopped")
}

func TestSetSmoothingConfigureFailureRestoresPriorMode(t *testing.T) {
	source := &fakeSource{supports: true, failConfigure: types.ModeSmoothed}
	p := newPipeline(t, 1, false, source)

	err := p.SetSmoothing(context.Background(), true)
	require.Error(t, err)
	assert.False(t, p.Smoothing())
	assert.Equal(t,
		[]string{"supports:smoothed", "stop", "configure:smoothed", "configure:raw", "start"},
		source.calls)
}

func TestNewRejectsDegenerateClip(t *testing.T) {
	_, err := New(types.ClipRange{Min: 2, Max: 2}, 1, false, nil, zap.NewNop(), nil)
	require.ErrorIs(t, err, convert.ErrInvalidInput)
}
