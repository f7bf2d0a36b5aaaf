// Package logo contains logos that can be used with a framebuffer console.
package logo

import "image/color"

// ConsoleLogo defines the logo used by framebuffer consoles. If set to nil
// then no logo will be displayed.
var ConsoleLogo *Image

// availableLogos holds the list of logos that BestFit selects from. Each
// logo registers itself here via an init() block in its own source file.
var availableLogos []*Image

// Alignment defines the supported horizontal alignments for a console logo.
type Alignment uint8

const (
	// AlignLeft aligns the logo to the left side of the console.
	AlignLeft Alignment = iota

	// AlignCenter aligns the logo to the center of the console.
	AlignCenter

	// AlignRight aligns the logo to the right side of the console.
	AlignRight
)

// Image describes an 8bpp image with
type Image struct {
	// The width and height of the logo in pixels.
	Width  uint32
	Height uint32

	// Align specifies the horizontal alignment for the logo.
	Align Alignment

	// TransparentIndex defines a color index that will be treated as
	// transparent when drawing the logo.
	TransparentIndex uint8

	// The palette for the logo. The console remaps the palette
	// entries to the end of its own palette.
	Palette []color.RGBA

	// The logo data comprises of Width*Height bytes where each byte
	// represents an index in the logo palette.
	Data []uint8
}

// logoHeightFraction is the fraction of the console height that a logo
// should occupy; BestFit picks the registered logo whose height comes
// closest to it.
const logoHeightFraction = 10

// BestFit returns the best logo from the registered logo list given the
// specified console dimensions, or nil if no logo has been registered.
func BestFit(consoleWidth, consoleHeight uint32) *Image {
	_ = consoleWidth

	var (
		best      *Image
		bestDelta uint32
		target    = consoleHeight / logoHeightFraction
	)

	for _, l := range availableLogos {
		var delta uint32
		if l.Height > target {
			delta = l.Height - target
		} else {
			delta = target - l.Height
		}

		if best == nil || delta < bestDelta {
			best = l
			bestDelta = delta
		}
	}

	return best
}
