package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"depthview-go/internal/types"
)

// RFC 8746 tags used on the wire: multi-dimensional array plus
// little-endian IEEE 754 element arrays.
const (
	tagMultiDimArray = 40
	tagFloat16LE     = 84
	tagFloat32LE     = 85
	tagFloat64LE     = 86
)

type message struct {
	Kind  string
	Frame types.DepthFrame
	Modes []string
}

func decodeMessage(payload []byte) (message, error) {
	var decoded map[string]any
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		return message{}, fmt.Errorf("cbor decode: %w", err)
	}

	kind, _ := decoded["type"].(string)
	switch kind {
	case "start":
		return message{Kind: kind, Modes: stringList(decoded["modes"])}, nil
	case "end":
		return message{Kind: kind}, nil
	case "frame":
		frame, err := decodeFrame(decoded)
		if err != nil {
			return message{}, err
		}
		return message{Kind: kind, Frame: frame}, nil
	default:
		return message{}, fmt.Errorf("unknown message type %q", kind)
	}
}

func decodeFrame(payload map[string]any) (types.DepthFrame, error) {
	frameID, err := toInt(payload["frame_id"])
	if err != nil {
		return types.DepthFrame{}, fmt.Errorf("invalid frame_id: %w", err)
	}
	startTime, err := toFloat(payload["start_time"])
	if err != nil {
		return types.DepthFrame{}, fmt.Errorf("invalid start_time: %w", err)
	}
	dataRaw, ok := payload["data"].(map[string]any)
	if !ok {
		return types.DepthFrame{}, errors.New("missing data field")
	}

	frame := types.DepthFrame{
		FrameID:   frameID,
		StartTime: startTime,
		Samples:   make(map[types.DepthMode][]float32, len(dataRaw)),
	}
	for name, value := range dataRaw {
		mode := types.DepthMode(name)
		if !mode.Valid() {
			continue
		}
		samples, width, height, err := decodeDepthArray(value)
		if err != nil {
			return types.DepthFrame{}, fmt.Errorf("variant %q: %w", name, err)
		}
		if frame.Width == 0 {
			frame.Width = width
			frame.Height = height
		} else if frame.Width != width || frame.Height != height {
			return types.DepthFrame{}, fmt.Errorf("variant %q dimensions %dx%d disagree with %dx%d",
				name, width, height, frame.Width, frame.Height)
		}
		frame.Samples[mode] = samples
	}
	if len(frame.Samples) == 0 {
		return types.DepthFrame{}, errors.New("frame carries no usable depth variant")
	}
	return frame, nil
}

// decodeDepthArray unwraps a tag 40 multi-dimensional array holding a
// little-endian float element array. Dimensions are [rows, cols].
func decodeDepthArray(value any) ([]float32, int, int, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, 0, 0, errors.New("expected multidim tag 40")
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, 0, 0, errors.New("invalid multidim array content")
	}
	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, 0, 0, errors.New("invalid multidim dimensions")
	}
	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, 0, 0, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, 0, 0, err
	}
	if rows < 1 || cols < 1 {
		return nil, 0, 0, fmt.Errorf("non-positive dimensions %dx%d", cols, rows)
	}

	flat, err := decodeFloatArray(items[1])
	if err != nil {
		return nil, 0, 0, err
	}
	if rows*cols != len(flat) {
		return nil, 0, 0, fmt.Errorf("%d samples for %dx%d array", len(flat), cols, rows)
	}
	return flat, cols, rows, nil
}

func decodeFloatArray(value any) ([]float32, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, errors.New("expected typed array tag")
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagFloat16LE:
		return bytesToFloat16(data), nil
	case tagFloat32LE:
		return bytesToFloat32(data), nil
	case tagFloat64LE:
		return bytesToFloat64(data), nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func bytesToFloat16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := 0; i < len(out); i++ {
		bits := binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := 0; i < len(out); i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func bytesToFloat64(data []byte) []float32 {
	out := make([]float32, len(data)/8)
	for i := 0; i < len(out); i++ {
		bits := binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		out[i] = float32(math.Float64frombits(bits))
	}
	return out
}

func stringList(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}
