// Package digits turns the time into the four glyphs shown on the clock face and decides which of
// them need to be redrawn.
package digits

import (
	"strings"
	"time"

	"github.com/jrockway/tetris-clock/control/glyph"
)

// Slot is one of the fixed digit positions, left to right.
type Slot int

const (
	HourTens Slot = iota
	HourOnes
	MinuteTens
	MinuteOnes
	NumSlots
)

func (s Slot) String() string {
	switch s {
	case HourTens:
		return "hour-tens"
	case HourOnes:
		return "hour-ones"
	case MinuteTens:
		return "minute-tens"
	case MinuteOnes:
		return "minute-ones"
	}
	return "invalid"
}

// Glyphs is what every slot shows.
type Glyphs [NumSlots]glyph.Glyph

func (g Glyphs) String() string {
	var b strings.Builder
	for i, x := range g {
		if Slot(i) == MinuteTens {
			b.WriteByte(':')
		}
		b.WriteString(x.String())
	}
	return b.String()
}

// AllBlank is what the panel shows before the first render.
var AllBlank = Glyphs{glyph.Blank, glyph.Blank, glyph.Blank, glyph.Blank}

// TimeValue is a snapshot of the displayed time.
type TimeValue struct {
	Hour, Minute, Second int
	// Synced is false while the time comes from the local clock and has never been confirmed by a
	// time service.
	Synced bool
}

// FromTime takes the wall-clock fields of t.  The caller is responsible for converting t to the
// display's location first.
func FromTime(t time.Time, synced bool) TimeValue {
	h, m, s := t.Clock()
	return TimeValue{Hour: h, Minute: m, Second: s, Synced: synced}
}

// DisplayHour returns the hour as it appears on the clock face.
func (tv TimeValue) DisplayHour(twelveHour bool) int {
	if !twelveHour {
		return tv.Hour
	}
	h := tv.Hour % 12
	if h == 0 {
		h = 12
	}
	return h
}

// SameMinute reports whether tv and o fall in the same minute.
func (tv TimeValue) SameMinute(o TimeValue) bool {
	return tv.Hour == o.Hour && tv.Minute == o.Minute
}

// Render returns the glyphs for tv.  In 12-hour mode a leading zero hour digit is left blank, so
// 13:05 shows as " 1:05".
func Render(tv TimeValue, twelveHour bool) Glyphs {
	h := tv.DisplayHour(twelveHour)
	g := Glyphs{
		glyph.Digit(h / 10),
		glyph.Digit(h % 10),
		glyph.Digit(tv.Minute / 10),
		glyph.Digit(tv.Minute % 10),
	}
	if twelveHour && h < 10 {
		g[HourTens] = glyph.Blank
	}
	return g
}

// Comparator decides which slots get a new animation when the displayed glyphs change from prev to
// next.  minuteBoundary is true on the first tick of a new minute.
type Comparator interface {
	Changed(prev, next Glyphs, minuteBoundary bool) []Slot
}

// OnlyChanged redraws exactly the slots whose glyph differs.
type OnlyChanged struct{}

func (OnlyChanged) Changed(prev, next Glyphs, minuteBoundary bool) []Slot {
	var result []Slot
	for i := range next {
		if prev[i] != next[i] {
			result = append(result, Slot(i))
		}
	}
	return result
}

// ForceRefresh redraws every slot at each minute boundary, so that all digits fall together.
// Between boundaries it behaves like OnlyChanged.
type ForceRefresh struct{}

func (ForceRefresh) Changed(prev, next Glyphs, minuteBoundary bool) []Slot {
	if !minuteBoundary {
		return OnlyChanged{}.Changed(prev, next, false)
	}
	result := make([]Slot, NumSlots)
	for i := range result {
		result[i] = Slot(i)
	}
	return result
}

// NewComparator returns the strategy selected by the force-refresh setting.
func NewComparator(forceRefresh bool) Comparator {
	if forceRefresh {
		return ForceRefresh{}
	}
	return OnlyChanged{}
}
