// Package media probes and bounds images carried in tool results. Servers
// can return arbitrarily large screenshots or plots; oversized images are
// downscaled before they become artifacts so responses stay bounded.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// DefaultMaxDimension bounds the longer image edge after processing.
const DefaultMaxDimension = 1568

// ImageInfo describes a decoded image.
type ImageInfo struct {
	Width  int
	Height int
	Format string
}

// Probe decodes base64 image data far enough to report dimensions and
// format without a full decode.
func Probe(b64 string) (*ImageInfo, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	return &ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Bound downscales a base64 image so its longer edge is at most maxDim,
// re-encoding as PNG. Images already within the bound are returned
// unchanged, along with their original media type.
func Bound(b64, mimeType string, maxDim int) (string, string, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	info, err := Probe(b64)
	if err != nil {
		return "", "", err
	}
	if info.Width <= maxDim && info.Height <= maxDim {
		return b64, mimeType, nil
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", fmt.Errorf("decode base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("decode image: %w", err)
	}

	resized := resize(img, maxDim)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return "", "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), "image/png", nil
}

func resize(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = height * maxDim / width
	} else {
		newHeight = maxDim
		newWidth = width * maxDim / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
