// Package frame prepares captured JPEG frames for the detection worker.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultScale shrinks frames to a quarter of their size before detection.
const DefaultScale = 4

// Downscale decodes a JPEG frame, shrinks it by factor along both axes and
// re-encodes it. A factor of 1 or less returns the input unchanged.
func Downscale(data []byte, factor int) ([]byte, error) {
	if factor <= 1 {
		return data, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx()/factor, b.Dy()/factor
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("frame %dx%d too small to downscale by %d", b.Dx(), b.Dy(), factor)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions returns the pixel size of a JPEG frame without decoding it fully.
func Dimensions(data []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
