package types

// PreviewSnapshot is the websocket payload for one published raster.
// Pixels is base64-encoded by encoding/json on the wire.
type PreviewSnapshot struct {
	Type    string `json:"type"`
	FrameID int    `json:"frame_id"`
	Mode    string `json:"mode"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Pixels  []byte `json:"pixels"`
}

func Snapshot(img *GrayscaleImage) PreviewSnapshot {
	return PreviewSnapshot{
		Type:    "preview",
		FrameID: img.FrameID,
		Mode:    string(img.Mode),
		Width:   img.Width,
		Height:  img.Height,
		Pixels:  img.Pix,
	}
}
