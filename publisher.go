// Package framepub captures frames from a camera, encodes them as JPEG and
// publishes them to a NATS subject at a target frame rate.
package framepub

import (
	"context"
	"fmt"
	"image"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Logger is used by a Publisher when its config has no logger.
var Logger = golog.Global().Named("framepub")

// Errors that end a publisher, or that prevent one from starting.
var (
	ErrSourceUnavailable    = errors.New("frame source unavailable")
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrTransportLost        = errors.New("transport lost")
)

// A State is a phase of a Publisher's lifecycle.
type State int32

// Publisher states. A Publisher only ever moves forward through these.
const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Stats counts what a Publisher has done so far.
type Stats struct {
	FramesCaptured  uint64
	CaptureFailures uint64
	EncodeFailures  uint64
	FramesPublished uint64
	PublishFailures uint64
	Reconnects      uint64
	Overruns        uint64
}

type stats struct {
	framesCaptured  atomic.Uint64
	captureFailures atomic.Uint64
	encodeFailures  atomic.Uint64
	framesPublished atomic.Uint64
	publishFailures atomic.Uint64
	reconnects      atomic.Uint64
	overruns        atomic.Uint64
}

// A Publisher drives the capture, encode and publish cycle. It owns its
// source and transport and releases both when Run returns.
type Publisher struct {
	config    PublisherConfig
	source    VideoSource
	encoder   Encoder
	transport Transport
	filter    imaging.ResampleFilter
	logger    golog.Logger

	state atomic.Int32
	stats stats

	// wait suspends for d and returns false early if ctx is done first.
	wait func(ctx context.Context, d time.Duration) bool
}

// NewPublisher returns a Publisher that is ready to Run. The config is
// validated here so that nothing is published under a bad config.
func NewPublisher(
	config PublisherConfig,
	source VideoSource,
	encoder Encoder,
	transport Transport,
) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid publisher config")
	}
	if source == nil || encoder == nil || transport == nil {
		return nil, errors.New("source, encoder and transport must all be set")
	}
	filter, err := config.resampleFilter()
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = Logger
	}
	return &Publisher{
		config:    config,
		source:    source,
		encoder:   encoder,
		transport: transport,
		filter:    filter,
		logger:    logger,
		wait:      utils.SelectContextOrWait,
	}, nil
}

// State returns the current lifecycle state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the publisher's counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		FramesCaptured:  p.stats.framesCaptured.Load(),
		CaptureFailures: p.stats.captureFailures.Load(),
		EncodeFailures:  p.stats.encodeFailures.Load(),
		FramesPublished: p.stats.framesPublished.Load(),
		PublishFailures: p.stats.publishFailures.Load(),
		Reconnects:      p.stats.reconnects.Load(),
		Overruns:        p.stats.overruns.Load(),
	}
}

// Run publishes frames until ctx is done or the transport is lost for good.
// Cancelling ctx is the shutdown request; Run then returns nil. The source
// and transport are released on every return path. Run may only be called once.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.Errorf("publisher cannot run from state %s", p.State())
	}
	defer p.release()

	if err := p.logSourceProperties(ctx); err != nil {
		return err
	}
	p.logger.Infow(
		"starting frame publishing loop",
		"subject", p.config.Subject,
		"target_fps", p.config.TargetFrameRate,
		"width", p.config.Width,
		"height", p.config.Height,
	)

	for {
		if ctx.Err() != nil {
			p.logger.Info("shutdown requested, stopping frame publishing loop")
			return nil
		}
		if err := p.runIteration(ctx); err != nil {
			return err
		}
	}
}

func (p *Publisher) logSourceProperties(ctx context.Context) (err error) {
	defer p.recoverUnexpected(&err)

	props, propsErr := p.source.Properties(ctx)
	if propsErr != nil {
		p.logger.Debugw("could not get source properties", "error", propsErr)
		return nil
	}
	if props.Width == 0 && props.Height == 0 {
		return nil
	}
	p.logger.Infow(
		"actual source properties",
		"width", props.Width,
		"height", props.Height,
		"fps", props.FrameRate,
	)
	if props.Width != p.config.Width || props.Height != p.config.Height {
		p.logger.Warnw(
			"requested resolution not supported by source, frames will be resampled",
			"requested", fmt.Sprintf("%dx%d", p.config.Width, p.config.Height),
			"actual", fmt.Sprintf("%dx%d", props.Width, props.Height),
		)
	}
	return nil
}

// recoverUnexpected turns a panic into an error on *err. It must be deferred
// directly.
func (p *Publisher) recoverUnexpected(err *error) {
	if r := recover(); r != nil {
		p.logger.Errorw("unexpected error in frame publishing loop", "error", r, "stack", string(debug.Stack()))
		*err = errors.Errorf("unexpected error in frame publishing loop: %v", r)
	}
}

// runIteration performs one capture, encode and publish cycle and paces the
// loop. A non-nil error ends the loop.
func (p *Publisher) runIteration(ctx context.Context) (err error) {
	defer p.recoverUnexpected(&err)

	start := time.Now()
	payload, ok := p.captureAndEncode(ctx)
	if !ok {
		if ctx.Err() == nil {
			p.wait(ctx, p.config.CaptureBackoff)
		}
		return nil
	}
	if payload != nil {
		if err := p.publish(ctx, payload); err != nil {
			return err
		}
	}
	p.pace(ctx, time.Since(start))
	return nil
}

// captureAndEncode returns false when no frame could be captured. A nil
// payload with true means the frame was captured but could not be encoded.
func (p *Publisher) captureAndEncode(ctx context.Context) ([]byte, bool) {
	img, release, err := p.source.Next(ctx)
	if release != nil {
		defer release()
	}
	if err != nil || !isUsableFrame(img) {
		if ctx.Err() != nil {
			return nil, false
		}
		p.stats.captureFailures.Add(1)
		p.logger.Warnw("failed to retrieve frame from source, retrying", "error", err)
		return nil, false
	}
	p.stats.framesCaptured.Add(1)

	payload, err := p.encode(ctx, img)
	if err != nil {
		p.stats.encodeFailures.Add(1)
		p.logger.Warnw("failed to encode frame", "error", err)
		return nil, true
	}
	return payload, true
}

func (p *Publisher) encode(ctx context.Context, img image.Image) ([]byte, error) {
	resampled := resample(img, p.config.Width, p.config.Height, p.filter)
	payload, err := p.encoder.Encode(ctx, resampled)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("encoder returned an empty payload")
	}
	return payload, nil
}

// publish sends the payload. A disconnect gets exactly one reconnect attempt;
// the payload itself is never resent. Only a failed reconnect is returned.
func (p *Publisher) publish(ctx context.Context, payload []byte) error {
	err := p.transport.Publish(p.config.Subject, payload)
	if err == nil {
		p.stats.framesPublished.Add(1)
		p.logger.Debugw("published frame", "bytes", len(payload), "subject", p.config.Subject)
		return nil
	}
	p.stats.publishFailures.Add(1)
	if !errors.Is(err, ErrDisconnected) {
		p.logger.Errorw("error publishing frame", "error", err)
		return nil
	}

	p.logger.Errorw("transport disconnected while publishing, attempting to reconnect", "error", err)
	if p.transport.IsConnected() {
		p.logger.Info("transport reports it is connected again, not reconnecting")
		return nil
	}

	p.stats.reconnects.Add(1)
	reconnectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()
	if err := p.transport.Reconnect(reconnectCtx); err != nil {
		if ctx.Err() != nil {
			p.logger.Infow("reconnect interrupted by shutdown", "error", err)
			return nil
		}
		p.logger.Errorw("failed to reconnect, stopping frame publishing loop", "error", err)
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	p.logger.Info("reconnected")
	return nil
}

// pace sleeps off whatever is left of the frame period.
func (p *Publisher) pace(ctx context.Context, elapsed time.Duration) {
	period := p.config.FramePeriod()
	if elapsed < period {
		p.wait(ctx, period-elapsed)
		return
	}
	if elapsed-period > p.config.OverrunTolerance {
		p.stats.overruns.Add(1)
		p.logger.Warnw(
			"target frame rate too high for processing speed",
			"target_fps", p.config.TargetFrameRate,
			"elapsed", elapsed,
			"period", period,
		)
	}
}

// release drains and closes the transport and then closes the source. Every
// step runs even if an earlier one fails or panics; failures are only logged.
func (p *Publisher) release() {
	p.state.Store(int32(StateDraining))
	p.logger.Info("shutting down frame publisher")

	errs := p.releaseStep("drain transport", func() error {
		if !p.transport.IsConnected() {
			return nil
		}
		return p.transport.Drain()
	})
	errs = multierr.Append(errs, p.releaseStep("close transport", p.transport.Close))
	errs = multierr.Append(errs, p.releaseStep("close source", func() error {
		return p.source.Close(context.Background())
	}))

	stats := p.Stats()
	p.logger.Infow(
		"frame publisher stopped",
		"published", stats.FramesPublished,
		"capture_failures", stats.CaptureFailures,
		"encode_failures", stats.EncodeFailures,
		"publish_failures", stats.PublishFailures,
		"reconnects", stats.Reconnects,
		"release_errors", len(multierr.Errors(errs)),
	)
	p.state.Store(int32(StateTerminated))
}

func (p *Publisher) releaseStep(name string, step func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
		if err != nil {
			p.logger.Errorw("error during shutdown", "step", name, "error", err)
		} else {
			p.logger.Debugw("shutdown step complete", "step", name)
		}
	}()
	return step()
}
