// Package media finds and opens cameras as framepub.VideoSources.
package media

import (
	"context"
	"image"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/edaniels/framepub"

	// register cameras.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
)

var errSourceClosed = errors.New("video source closed")

// videoSource reads frames straight from an opened driver. Frames are handed
// out with the driver's release func so no copy is made.
type videoSource struct {
	mu     sync.Mutex
	driver driver.Driver
	reader video.Reader
	props  prop.Video
	closed bool
}

func newVideoSourceFromDriver(videoDriver driver.Driver, mediaProp prop.Media) (framepub.VideoSource, error) {
	recorder, ok := videoDriver.(driver.VideoRecorder)
	if !ok {
		return nil, errors.New("driver not a driver.VideoRecorder")
	}

	if driverStatus := videoDriver.Status(); driverStatus != driver.StateClosed {
		golog.Global().Warnw("video driver is not closed, attempting to close and reopen", "status", driverStatus)
		if err := videoDriver.Close(); err != nil {
			golog.Global().Errorw("error closing driver", "error", err)
		}
	}
	if err := videoDriver.Open(); err != nil {
		return nil, errors.Wrapf(err, "opening %q", videoDriver.Info().Label)
	}
	reader, err := recorder.VideoRecord(mediaProp)
	if err != nil {
		return nil, closeOnError(errors.Wrap(err, "starting video record"), videoDriver)
	}
	return &videoSource{driver: videoDriver, reader: reader, props: mediaProp.Video}, nil
}

func closeOnError(err error, d driver.Driver) error {
	if closeErr := d.Close(); closeErr != nil {
		golog.Global().Errorw("error closing driver", "error", closeErr)
	}
	return err
}

func (vs *videoSource) Next(ctx context.Context) (image.Image, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return nil, nil, errSourceClosed
	}
	return vs.reader.Read()
}

func (vs *videoSource) Properties(_ context.Context) (prop.Video, error) {
	return vs.props, nil
}

func (vs *videoSource) Close(_ context.Context) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return nil
	}
	vs.closed = true
	return vs.driver.Close()
}
