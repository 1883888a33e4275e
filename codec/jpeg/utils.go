package jpeg

import (
	"github.com/edaniels/framepub"
)

// MIMEType is the content type of every payload this encoder produces.
const MIMEType = "image/jpeg"

// NewEncoderFactory returns a JPEG encoder factory.
func NewEncoderFactory() framepub.EncoderFactory {
	return &factory{}
}

type factory struct{}

func (f *factory) New(quality int) (framepub.Encoder, error) {
	return NewEncoder(quality)
}

func (f *factory) MIMEType() string {
	return MIMEType
}
