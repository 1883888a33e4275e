package framepub

import (
	"context"
	"image"

	"github.com/pion/mediadevices/pkg/prop"
)

// A VideoSource is responsible for producing frames when requested. A source
// should produce a frame as quickly as possible and introduce no rate limiting
// of its own as that is handled by the Publisher.
type VideoSource interface {
	// Next returns the next frame. The release function, if non-nil, must be
	// called once the frame is no longer used.
	Next(ctx context.Context) (image.Image, func(), error)

	// Properties returns the properties negotiated with the device, which may
	// differ from what was requested.
	Properties(ctx context.Context) (prop.Video, error)

	Close(ctx context.Context) error
}

// A VideoSourceFunc is a helper to turn a function into a VideoSource.
type VideoSourceFunc func(ctx context.Context) (image.Image, func(), error)

// Next calls the underlying function to get a frame.
func (vsf VideoSourceFunc) Next(ctx context.Context) (image.Image, func(), error) {
	return vsf(ctx)
}

// Properties returns no properties.
func (vsf VideoSourceFunc) Properties(_ context.Context) (prop.Video, error) {
	return prop.Video{}, nil
}

// Close does nothing.
func (vsf VideoSourceFunc) Close(_ context.Context) error {
	return nil
}
