package framepub

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Defaults for a PublisherConfig.
const (
	DefaultNATSHost         = "0.0.0.0"
	DefaultNATSPort         = 4222
	DefaultWidth            = 640
	DefaultHeight           = 480
	DefaultTargetFrameRate  = 30
	DefaultSubject          = "camera.image.raw"
	DefaultJPEGQuality      = 90
	DefaultConnectTimeout   = 5 * time.Second
	DefaultCaptureBackoff   = 100 * time.Millisecond
	DefaultOverrunTolerance = 5 * time.Millisecond
	DefaultResampleFilter   = "linear"
)

// MinJPEGQuality and MaxJPEGQuality bound PublisherConfig.JPEGQuality.
const (
	MinJPEGQuality = 0
	MaxJPEGQuality = 100
)

// MaxTargetFrameRate bounds PublisherConfig.TargetFrameRate. It keeps the
// frame period at one millisecond or longer.
const MaxTargetFrameRate = 1000

var resampleFilters = map[string]imaging.ResampleFilter{
	"nearest":    imaging.NearestNeighbor,
	"box":        imaging.Box,
	"linear":     imaging.Linear,
	"catmullrom": imaging.CatmullRom,
	"lanczos":    imaging.Lanczos,
}

// A PublisherConfig describes how a Publisher should capture, encode and
// publish frames. It must not be changed once the Publisher is created.
type PublisherConfig struct {
	NATSHost string
	NATSPort int

	// Camera identifies the capture device. Empty selects any camera.
	Camera string

	// Width and Height are the dimensions every published frame is resampled to.
	Width  int
	Height int

	// TargetFrameRate is the number of capture/publish cycles per second.
	TargetFrameRate int

	Subject     string
	JPEGQuality int

	// ConnectTimeout bounds both the initial connection and the single
	// reconnect attempt after a disconnect.
	ConnectTimeout time.Duration

	// CaptureBackoff is how long to wait after a failed capture.
	CaptureBackoff time.Duration

	// OverrunTolerance is how far past the frame period an iteration may run
	// before a cadence warning is logged.
	OverrunTolerance time.Duration

	// ResampleFilter is one of nearest, box, linear, catmullrom or lanczos.
	ResampleFilter string

	Logger golog.Logger
}

// DefaultPublisherConfig returns a config with every field set to its default.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		NATSHost:         DefaultNATSHost,
		NATSPort:         DefaultNATSPort,
		Width:            DefaultWidth,
		Height:           DefaultHeight,
		TargetFrameRate:  DefaultTargetFrameRate,
		Subject:          DefaultSubject,
		JPEGQuality:      DefaultJPEGQuality,
		ConnectTimeout:   DefaultConnectTimeout,
		CaptureBackoff:   DefaultCaptureBackoff,
		OverrunTolerance: DefaultOverrunTolerance,
		ResampleFilter:   DefaultResampleFilter,
	}
}

// Validate ensures all parts of the config are valid.
func (config PublisherConfig) Validate() error {
	if config.NATSHost == "" {
		return errors.New("nats host must be set")
	}
	if config.NATSPort <= 0 || config.NATSPort > 65535 {
		return errors.Errorf("nats port %d out of range", config.NATSPort)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return errors.Errorf("frame dimensions must be positive, got %dx%d", config.Width, config.Height)
	}
	if config.TargetFrameRate <= 0 || config.TargetFrameRate > MaxTargetFrameRate {
		return errors.Errorf(
			"target frame rate must be within [1, %d], got %d", MaxTargetFrameRate, config.TargetFrameRate)
	}
	if strings.TrimSpace(config.Subject) == "" {
		return errors.New("subject must be set")
	}
	if config.JPEGQuality < MinJPEGQuality || config.JPEGQuality > MaxJPEGQuality {
		return errors.Errorf(
			"jpeg quality must be within [%d, %d], got %d", MinJPEGQuality, MaxJPEGQuality, config.JPEGQuality)
	}
	if config.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if config.CaptureBackoff < 0 || config.OverrunTolerance < 0 {
		return errors.New("capture backoff and overrun tolerance must not be negative")
	}
	if _, err := config.resampleFilter(); err != nil {
		return err
	}
	return nil
}

// NATSURL returns the server URL built from NATSHost and NATSPort.
func (config PublisherConfig) NATSURL() string {
	return fmt.Sprintf("nats://%s", net.JoinHostPort(config.NATSHost, strconv.Itoa(config.NATSPort)))
}

// FramePeriod is the target interval between iterations.
func (config PublisherConfig) FramePeriod() time.Duration {
	return time.Second / time.Duration(config.TargetFrameRate)
}

func (config PublisherConfig) resampleFilter() (imaging.ResampleFilter, error) {
	name := config.ResampleFilter
	if name == "" {
		name = DefaultResampleFilter
	}
	filter, ok := resampleFilters[strings.ToLower(name)]
	if !ok {
		return imaging.ResampleFilter{}, errors.Errorf("unknown resample filter %q", config.ResampleFilter)
	}
	return filter, nil
}

// fileConfig mirrors PublisherConfig with TOML friendly durations. Pointers
// distinguish an absent key from an explicit zero.
type fileConfig struct {
	NATSHost         string `toml:"nats_ip"`
	NATSPort         *int   `toml:"nats_port"`
	Camera           string `toml:"camera"`
	Width            *int   `toml:"width"`
	Height           *int   `toml:"height"`
	TargetFrameRate  *int   `toml:"fps"`
	Subject          string `toml:"subject"`
	JPEGQuality      *int   `toml:"jpeg_quality"`
	ConnectTimeout   string `toml:"connect_timeout"`
	CaptureBackoff   string `toml:"capture_backoff"`
	OverrunTolerance string `toml:"overrun_tolerance"`
	ResampleFilter   string `toml:"resample_filter"`
	Debug            *bool  `toml:"debug"`
}

// LoadConfigFile reads a TOML config file and reports whether it enables
// debug logging. Keys absent from the file keep their defaults. The returned
// config is not validated.
func LoadConfigFile(path string) (PublisherConfig, bool, error) {
	config := DefaultPublisherConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return config, false, errors.Wrap(err, "reading config file")
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return config, false, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := applyFileConfig(&config, fc); err != nil {
		return config, false, errors.Wrapf(err, "applying config file %q", path)
	}
	return config, fc.Debug != nil && *fc.Debug, nil
}

func applyFileConfig(config *PublisherConfig, fc fileConfig) error {
	setString := func(src string, dst *string) {
		if src != "" {
			*dst = src
		}
	}
	setInt := func(src *int, dst *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(name, src string, dst *time.Duration) error {
		if src == "" {
			return nil
		}
		d, err := time.ParseDuration(src)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
		*dst = d
		return nil
	}

	setString(fc.NATSHost, &config.NATSHost)
	setInt(fc.NATSPort, &config.NATSPort)
	setString(fc.Camera, &config.Camera)
	setInt(fc.Width, &config.Width)
	setInt(fc.Height, &config.Height)
	setInt(fc.TargetFrameRate, &config.TargetFrameRate)
	setString(fc.Subject, &config.Subject)
	setInt(fc.JPEGQuality, &config.JPEGQuality)
	setString(fc.ResampleFilter, &config.ResampleFilter)

	if err := setDuration("connect_timeout", fc.ConnectTimeout, &config.ConnectTimeout); err != nil {
		return err
	}
	if err := setDuration("capture_backoff", fc.CaptureBackoff, &config.CaptureBackoff); err != nil {
		return err
	}
	return setDuration("overrun_tolerance", fc.OverrunTolerance, &config.OverrunTolerance)
}
