package framepub

import (
	"context"
	"image"
)

// An Encoder turns a frame into a compressed payload.
type Encoder interface {
	Encode(ctx context.Context, img image.Image) ([]byte, error)
}

// An EncoderFactory produces Encoders for a given quality.
type EncoderFactory interface {
	New(quality int) (Encoder, error)
	MIMEType() string
}
