package media

import (
	"math"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/edaniels/framepub"
)

// below adapted from github.com/pion/mediadevices

// ErrNotFound happens when there is no driver found in a query.
var ErrNotFound = errors.New("failed to find the best driver that fits the constraints")

var frameFormats = prop.FrameFormatOneOf{
	frame.FormatI420,
	frame.FormatI444,
	frame.FormatYUY2,
	frame.FormatUYVY,
	frame.FormatRGBA,
	frame.FormatMJPEG,
	frame.FormatNV12,
	frame.FormatNV21, // gives blue tinted image?
}

// Constraints prefers devices that can deliver width x height at fps. They
// are ideals, not requirements: a device that cannot match is still chosen
// and its frames are resampled later.
func Constraints(width, height, fps int) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.Width = prop.Int(width)
			constraint.Height = prop.Int(height)
			constraint.FrameRate = prop.Float(fps)
			constraint.FrameFormat = frameFormats
		},
	}
}

// GetVideoSource opens the camera matching identifier, or any camera when
// identifier is empty. An identifier matches a device's ID, any component
// of its label, the name or ID parsed from a label, or, when numeric, the
// video<N> device node.
func GetVideoSource(
	identifier string,
	constraints mediadevices.MediaStreamConstraints,
) (framepub.VideoSource, error) {
	var videoConstraints mediadevices.MediaTrackConstraints
	if constraints.Video != nil {
		constraints.Video(&videoConstraints)
	}
	d, selectedMedia, err := selectBestDriver(getVideoFilter(identifier), videoConstraints)
	if err != nil {
		if identifier != "" {
			return nil, errors.Wrapf(err, "no camera matching %q", identifier)
		}
		return nil, err
	}
	return newVideoSourceFromDriver(d, selectedMedia)
}

// DeviceInfo describes a driver.
type DeviceInfo struct {
	ID         string
	Labels     []string
	Properties []prop.Media
	Priority   driver.Priority
	Error      error
}

// QueryVideoDevices lists all known video devices (not a screen).
func QueryVideoDevices() []DeviceInfo {
	return getDriverInfo(driver.GetManager().Query(getVideoFilterBase()))
}

func getDriverInfo(drivers []driver.Driver) []DeviceInfo {
	infos := make([]DeviceInfo, len(drivers))
	for i, d := range drivers {
		if d.Status() == driver.StateClosed {
			if err := d.Open(); err != nil {
				infos[i].Error = err
			} else {
				defer func() {
					infos[i].Error = d.Close()
				}()
			}
		}
		infos[i].ID = d.ID()
		infos[i].Labels = getDriverLabels(d)
		infos[i].Properties = d.Properties()
		infos[i].Priority = d.Info().Priority
	}
	return infos
}

func getDriverLabels(d driver.Driver) []string {
	return strings.Split(d.Info().Label, camera.LabelSeparator)
}

// parseNameAndID splits a pretty device name of the form "Name (ID)". Both
// parts must be present, otherwise both results are empty.
func parseNameAndID(prettyName string) (string, string) {
	if !strings.HasSuffix(prettyName, ")") {
		return "", ""
	}
	open := strings.LastIndex(prettyName, "(")
	if open < 0 {
		return "", ""
	}
	name := strings.TrimSpace(prettyName[:open])
	id := prettyName[open+1 : len(prettyName)-1]
	if name == "" || id == "" {
		return "", ""
	}
	return name, id
}

func isDeviceIndex(identifier string) bool {
	if identifier == "" {
		return false
	}
	for _, r := range identifier {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func identifierFilter(identifier string) driver.FilterFn {
	candidates := []string{identifier}
	if isDeviceIndex(identifier) {
		candidates = append(candidates, "video"+identifier)
	}
	matches := func(s string) bool {
		for _, c := range candidates {
			if s == c {
				return true
			}
		}
		return false
	}
	return driver.FilterFn(func(d driver.Driver) bool {
		if matches(d.ID()) {
			return true
		}
		for _, label := range getDriverLabels(d) {
			if matches(label) {
				return true
			}
			if name, id := parseNameAndID(label); name != "" && (matches(name) || matches(id)) {
				return true
			}
		}
		return false
	})
}

func getVideoFilterBase() driver.FilterFn {
	typeFilter := driver.FilterVideoRecorder()
	notScreenFilter := driver.FilterNot(driver.FilterDeviceType(driver.Screen))
	return driver.FilterAnd(typeFilter, notScreenFilter)
}

func getVideoFilter(identifier string) driver.FilterFn {
	filter := getVideoFilterBase()
	if identifier != "" {
		filter = driver.FilterAnd(filter, identifierFilter(identifier))
	}
	return filter
}

// select implements SelectSettings algorithm.
// Reference: https://w3c.github.io/mediacapture-main/#dfn-selectsettings
func selectBestDriver(filter driver.FilterFn, constraints mediadevices.MediaTrackConstraints) (driver.Driver, prop.Media, error) {
	var bestDriver driver.Driver
	var bestProp prop.Media
	minFitnessDist := math.Inf(1)

	driverProperties := queryDriverProperties(filter)
	golog.Global().Debugw("found drivers matching filter", "count", len(driverProperties))
	for d, props := range driverProperties {
		priority := float64(d.Info().Priority)
		for _, p := range props {
			fitnessDist, ok := constraints.MediaConstraints.FitnessDistance(p)
			if !ok {
				golog.Global().Debugw("driver does not satisfy any constraints", "label", d.Info().Label)
				continue
			}
			fitnessDistWithPriority := fitnessDist - priority
			if fitnessDistWithPriority < minFitnessDist {
				minFitnessDist = fitnessDistWithPriority
				bestDriver = d
				bestProp = p
			}
		}
	}

	if bestDriver == nil {
		return nil, prop.Media{}, ErrNotFound
	}

	golog.Global().Debugw("winning driver", "label", bestDriver.Info().Label, "properties", bestProp.Video)
	selectedMedia := prop.Media{}
	selectedMedia.MergeConstraints(constraints.MediaConstraints)
	selectedMedia.Merge(bestProp)
	return bestDriver, selectedMedia, nil
}

func queryDriverProperties(filter driver.FilterFn) map[driver.Driver][]prop.Media {
	var needToClose []driver.Driver
	drivers := driver.GetManager().Query(filter)
	m := make(map[driver.Driver][]prop.Media)

	for _, d := range drivers {
		if d.Status() == driver.StateClosed {
			if err := d.Open(); err != nil {
				golog.Global().Debugw("error opening driver for querying", "error", err)
				continue
			}
			needToClose = append(needToClose, d)
		}
		m[d] = d.Properties()
	}

	for _, d := range needToClose {
		if err := d.Close(); err != nil {
			golog.Global().Errorw("error closing driver", "error", err)
		}
	}
	return m
}
