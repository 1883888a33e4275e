// Package jpeg contains the JPEG frame encoder.
package jpeg

import (
	"bytes"
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/edaniels/framepub"
)

type encoder struct {
	quality int
}

// NewEncoder returns a JPEG encoder using the given quality in [0, 100].
// Quality 0 is encoded as the lowest quality the format supports.
func NewEncoder(quality int) (framepub.Encoder, error) {
	if quality < framepub.MinJPEGQuality || quality > framepub.MaxJPEGQuality {
		return nil, errors.Errorf(
			"jpeg quality must be within [%d, %d], got %d",
			framepub.MinJPEGQuality, framepub.MaxJPEGQuality, quality)
	}
	return &encoder{quality: quality}, nil
}

// Encode compresses img. The returned buffer is owned by the caller.
func (e *encoder) Encode(_ context.Context, img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("cannot encode nil image")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality)); err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	return buf.Bytes(), nil
}
