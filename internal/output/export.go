// Package output persists rasters and raw ingest traffic. Nothing here is
// called from the frame path; export works on a snapshot of the published
// image and can take as long as the filesystem wants.
package output

import (
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"depthview-go/internal/types"
)

var (
	// ErrPersistenceDenied marks permission refusals on the export target.
	ErrPersistenceDenied = errors.New("export permission denied")
	// ErrPersistenceFailed marks any other encode or write failure.
	ErrPersistenceFailed = errors.New("export failed")
)

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}

// SavePNG encodes the raster into dir with a timestamped name and returns
// the written path.
func SavePNG(dir string, img *types.GrayscaleImage) (string, error) {
	if img == nil {
		return "", fmt.Errorf("%w: no image published yet", ErrPersistenceFailed)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", classify(err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s_depth_%06d_%s.png", Timestamp(), img.FrameID, img.Mode))
	f, err := os.Create(filename)
	if err != nil {
		return "", classify(err)
	}
	if err := png.Encode(f, img.ToGray()); err != nil {
		_ = f.Close()
		_ = os.Remove(filename)
		return "", classify(err)
	}
	if err := f.Close(); err != nil {
		return "", classify(err)
	}
	return filename, nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPersistenceDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
}
