// Package glyph turns digits into block bitmaps for the falling-block animation.
//
// The shapes come from the 7x13 face in golang.org/x/image/font/basicfont, rasterized once and
// scaled up so that every font pixel becomes a square block on the panel.
package glyph

import (
	"fmt"
	"image"

	"github.com/jrockway/tetris-clock/control/pixbuf"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Glyph is what one digit slot shows: a digit 0-9, or nothing.
type Glyph int8

// Blank is the glyph with no lit pixels.
const Blank Glyph = -1

// Digit returns the glyph for d, which must be 0-9.
func Digit(d int) Glyph {
	if d < 0 || d > 9 {
		panic(fmt.Sprintf("glyph: %d is not a digit", d))
	}
	return Glyph(d)
}

func (g Glyph) String() string {
	if g == Blank {
		return " "
	}
	return string(rune('0' + g))
}

// Font holds the bitmap for every glyph at one scale.
type Font struct {
	W, H   int
	Scale  int
	digits [10]pixbuf.Bitmap
	blank  pixbuf.Bitmap
}

var face = basicfont.Face7x13

// New rasterizes the digits at the given scale.  At scale 2 each glyph is 12x26 pixels.
func New(scale int) (*Font, error) {
	if scale < 1 {
		return nil, fmt.Errorf("glyph scale must be at least 1, not %d", scale)
	}
	f := &Font{
		W:     face.Width * scale,
		H:     face.Height * scale,
		Scale: scale,
		blank: pixbuf.NewBitmap(face.Width*scale, face.Height*scale),
	}
	for d := 0; d < 10; d++ {
		f.digits[d] = rasterize(rune('0'+d), scale)
	}
	return f, nil
}

// ScaleFor returns the largest scale at which a glyph still fits in the given height.
func ScaleFor(height int) int {
	s := height / face.Height
	if s < 1 {
		return 1
	}
	return s
}

// Bitmap returns the bitmap for g.  The returned bitmap must not be modified.
func (f *Font) Bitmap(g Glyph) pixbuf.Bitmap {
	if g == Blank {
		return f.blank
	}
	return f.digits[g]
}

func rasterize(r rune, scale int) pixbuf.Bitmap {
	img := image.NewAlpha(image.Rect(0, 0, face.Width, face.Height))
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(string(r))

	bm := pixbuf.NewBitmap(face.Width*scale, face.Height*scale)
	for y := 0; y < face.Height; y++ {
		for x := 0; x < face.Width; x++ {
			if img.AlphaAt(x, y).A < 0x80 {
				continue
			}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					bm.Set(x*scale+dx, y*scale+dy, true)
				}
			}
		}
	}
	return bm
}
