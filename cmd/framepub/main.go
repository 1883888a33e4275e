// Package main runs a frame publisher that streams JPEG camera frames to NATS.
package main

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/edaniels/framepub"
	"github.com/edaniels/framepub/codec/jpeg"
	"github.com/edaniels/framepub/media"
	"github.com/edaniels/framepub/natsclient"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("framepub")

// Arguments for the command.
type Arguments struct {
	NATSHost    string `flag:"nats_ip,default=0.0.0.0,usage=NATS server host"`
	NATSPort    int    `flag:"nats_port,default=4222,usage=NATS server port"`
	Camera      string `flag:"camera,usage=camera label or device id (any camera if empty)"`
	Width       int    `flag:"width,default=640,usage=width of published frames"`
	Height      int    `flag:"height,default=480,usage=height of published frames"`
	FPS         int    `flag:"fps,default=30,usage=target frames per second"`
	Subject     string `flag:"subject,default=camera.image.raw,usage=subject to publish frames on"`
	JPEGQuality int    `flag:"jpeg_quality,default=90,usage=JPEG quality from 0 to 100"`
	Config      string `flag:"config,usage=TOML config file that replaces all other flags"`
	Dump        bool   `flag:"dump,usage=list video devices and exit"`
	Debug       bool   `flag:"debug,usage=enable debug logging"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	config, debug, err := configFromArguments(argsParsed)
	if err != nil {
		return err
	}
	if debug {
		logger = golog.NewDebugLogger("framepub")
	}

	if argsParsed.Dump {
		dumpVideoDevices(logger)
		return nil
	}

	config.Logger = logger
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return runPublisher(ctx, config, media.GetVideoSource, logger)
}

// configFromArguments builds the publisher config from flags, or entirely
// from the config file when one is given.
func configFromArguments(argsParsed Arguments) (framepub.PublisherConfig, bool, error) {
	if argsParsed.Config != "" {
		config, debug, err := framepub.LoadConfigFile(argsParsed.Config)
		if err != nil {
			return framepub.PublisherConfig{}, false, err
		}
		return config, debug || argsParsed.Debug, nil
	}
	config := framepub.DefaultPublisherConfig()
	config.NATSHost = argsParsed.NATSHost
	config.NATSPort = argsParsed.NATSPort
	config.Camera = argsParsed.Camera
	config.Width = argsParsed.Width
	config.Height = argsParsed.Height
	config.TargetFrameRate = argsParsed.FPS
	config.Subject = argsParsed.Subject
	config.JPEGQuality = argsParsed.JPEGQuality
	return config, argsParsed.Debug, nil
}

func dumpVideoDevices(logger golog.Logger) {
	for _, info := range media.QueryVideoDevices() {
		logger.Infof("%s", info.ID)
		logger.Infof("\t labels: %v", info.Labels)
		logger.Infof("\t priority: %v", info.Priority)
		for _, p := range info.Properties {
			logger.Infof("\t %+v", p.Video)
		}
	}
}

// sourceOpener opens the camera named by identifier.
type sourceOpener func(identifier string, constraints mediadevices.MediaStreamConstraints) (framepub.VideoSource, error)

// runPublisher opens the camera and the NATS connection and hands both to a
// publisher that runs until ctx is done. Once the publisher exists it owns
// releasing them.
func runPublisher(
	ctx context.Context,
	config framepub.PublisherConfig,
	openSource sourceOpener,
	logger golog.Logger,
) error {
	source, err := openSource(
		config.Camera,
		media.Constraints(config.Width, config.Height, config.TargetFrameRate),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", framepub.ErrSourceUnavailable, err)
	}

	encoder, err := jpeg.NewEncoderFactory().New(config.JPEGQuality)
	if err != nil {
		return closeSourceOnError(source, logger, err)
	}

	client, err := natsclient.NewClient(
		config.NATSURL(),
		natsclient.WithLogger(logger.Named("nats")),
		natsclient.WithTimeout(config.ConnectTimeout),
	)
	if err != nil {
		return closeSourceOnError(source, logger, err)
	}
	logger.Infow("connecting to NATS", "url", config.NATSURL())
	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return closeSourceOnError(source, logger, fmt.Errorf("%w: %v", framepub.ErrTransportUnreachable, err))
	}
	logger.Infow("connected to NATS", "url", config.NATSURL(), "name", client.Name())

	publisher, err := framepub.NewPublisher(config, source, encoder, client)
	if err != nil {
		goutils.UncheckedError(client.Close())
		return closeSourceOnError(source, logger, err)
	}
	return publisher.Run(ctx)
}

func closeSourceOnError(source framepub.VideoSource, logger golog.Logger, err error) error {
	if closeErr := source.Close(context.Background()); closeErr != nil {
		logger.Errorw("error closing video source", "error", closeErr)
	}
	return err
}
