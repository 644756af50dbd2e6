package storage

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	// ThumbnailMaxSide bounds the longer edge of generated thumbnails.
	ThumbnailMaxSide = 320
	// ThumbnailQuality is the lossy WebP quality used for thumbnails.
	ThumbnailQuality = 75
)

// Thumbnail decodes an image and re-encodes it as a WebP no larger than
// maxSide on either edge.
func Thumbnail(data []byte, maxSide int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if maxSide <= 0 {
		maxSide = ThumbnailMaxSide
	}

	buf := bytes.NewBuffer(nil)
	if err := webp.Encode(buf, fitWithin(src, maxSide), &webp.Options{Quality: ThumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

func fitWithin(src image.Image, maxSide int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxSide && h <= maxSide {
		return src
	}

	newW, newH := maxSide, maxSide
	if w > h {
		newH = h * maxSide / w
	} else {
		newW = w * maxSide / h
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}
