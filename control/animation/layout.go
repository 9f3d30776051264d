package animation

import (
	"errors"
	"fmt"
	"image"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/jrockway/tetris-clock/control/glyph"
	"github.com/jrockway/tetris-clock/control/pixbuf"
)

// Layout places the four digit slots and the colon on the panel.  No two regions overlap, so jobs
// for different slots never touch the same pixels.
//
//	[ slot0 ] [ slot1 ] [:] [ slot2 ] [ slot3 ]
type Layout struct {
	Slots [digits.NumSlots]image.Rectangle
	Colon image.Rectangle

	colonOn, colonOff pixbuf.Bitmap
}

// NewLayout centers the clock face inside bounds.  It fails with config.ErrInvalid if the digits
// do not fit.
func NewLayout(bounds image.Rectangle, f *glyph.Font) (Layout, error) {
	var l Layout
	gap := f.Scale
	colonW := 2 * f.Scale
	total := 4*f.W + colonW + 4*gap
	if total > bounds.Dx() || f.H > bounds.Dy() {
		return l, fmt.Errorf("%w: a %dx%d clock face does not fit on a %dx%d panel", config.ErrInvalid, total, f.H, bounds.Dx(), bounds.Dy())
	}

	x := bounds.Min.X + (bounds.Dx()-total)/2
	y := bounds.Min.Y + (bounds.Dy()-f.H)/2
	next := func(w int) image.Rectangle {
		r := image.Rect(x, y, x+w, y+f.H)
		x += w + gap
		return r
	}
	l.Slots[digits.HourTens] = next(f.W)
	l.Slots[digits.HourOnes] = next(f.W)
	l.Colon = next(colonW)
	l.Slots[digits.MinuteTens] = next(f.W)
	l.Slots[digits.MinuteOnes] = next(f.W)

	l.colonOff = pixbuf.NewBitmap(colonW, f.H)
	l.colonOn = pixbuf.NewBitmap(colonW, f.H)
	for _, cy := range []int{f.H / 3, 2 * f.H / 3} {
		for dy := -f.Scale; dy < f.Scale; dy++ {
			for dx := 0; dx < colonW; dx++ {
				l.colonOn.Set(dx, cy+dy, true)
			}
		}
	}
	return l, nil
}

// Fit picks the largest glyph scale whose clock face fits inside bounds.
func Fit(bounds image.Rectangle) (*glyph.Font, Layout, error) {
	var lastErr error
	for scale := glyph.ScaleFor(bounds.Dy()); scale >= 1; scale-- {
		f, err := glyph.New(scale)
		if err != nil {
			return nil, Layout{}, fmt.Errorf("rasterize glyphs: %w", err)
		}
		l, err := NewLayout(bounds, f)
		if err == nil {
			return f, l, nil
		}
		if !errors.Is(err, config.ErrInvalid) {
			return nil, Layout{}, err
		}
		lastErr = err
	}
	return nil, Layout{}, lastErr
}

// Regions returns every region the scheduler writes to.
func (l Layout) Regions() []image.Rectangle {
	result := make([]image.Rectangle, 0, len(l.Slots)+1)
	result = append(result, l.Slots[:]...)
	return append(result, l.Colon)
}

// ColonBitmap returns the colon's contents.
func (l Layout) ColonBitmap(on bool) pixbuf.Bitmap {
	if on {
		return l.colonOn
	}
	return l.colonOff
}
