package framepub

import (
	"image"

	"github.com/disintegration/imaging"
)

// resample returns img scaled to exactly width x height. Images already at
// those dimensions are returned as is.
func resample(img image.Image, width, height int, filter imaging.ResampleFilter) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return img
	}
	return imaging.Resize(img, width, height, filter)
}

// isUsableFrame reports whether a frame returned by a source can be encoded.
func isUsableFrame(img image.Image) bool {
	if img == nil {
		return false
	}
	bounds := img.Bounds()
	return bounds.Dx() > 0 && bounds.Dy() > 0
}
