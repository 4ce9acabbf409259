package media

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// DefaultMaskCornerRadius is the corner radius of the rounded-square
// facecam mask, as a fraction of the mask size.
const DefaultMaskCornerRadius = 0.18

// BakeMask renders a rounded-square alpha mask PNG of size x size pixels.
// Opaque white inside the rounded rectangle, fully transparent outside;
// the overlay graph extracts its alpha channel.
func BakeMask(path string, size int, cornerRadius float64) error {
	if size <= 0 {
		return fmt.Errorf("mask size must be positive, got %d", size)
	}
	if cornerRadius <= 0 {
		cornerRadius = DefaultMaskCornerRadius
	}
	radius := cornerRadius * float64(size)

	img := imaging.New(size, size, color.NRGBA{})
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if insideRoundedSquare(x, y, size, radius) {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}

	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save mask: %w", err)
	}
	return nil
}

// insideRoundedSquare tests pixel membership in a size x size square with
// the given corner radius.
func insideRoundedSquare(x, y, size int, radius float64) bool {
	fx := float64(x) + 0.5
	fy := float64(y) + 0.5
	fs := float64(size)

	// Clamp to the nearest corner circle center; edges pass trivially.
	cx := fx
	if fx < radius {
		cx = radius
	} else if fx > fs-radius {
		cx = fs - radius
	}
	cy := fy
	if fy < radius {
		cy = radius
	} else if fy > fs-radius {
		cy = fs - radius
	}

	dx := fx - cx
	dy := fy - cy
	return dx*dx+dy*dy <= radius*radius
}

// LoadMaskBounds returns the pixel dimensions of a baked mask, used by
// integrity checks in tests and startup validation.
func LoadMaskBounds(path string) (image.Rectangle, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("open mask: %w", err)
	}
	return img.Bounds(), nil
}
