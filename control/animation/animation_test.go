package animation

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/jrockway/tetris-clock/control/glyph"
	"github.com/jrockway/tetris-clock/control/pixbuf"
)

func bitmapFromRows(rows ...string) pixbuf.Bitmap {
	bm := pixbuf.NewBitmap(len(rows[0]), len(rows))
	for y, row := range rows {
		for x, c := range row {
			bm.Set(x, y, c == '#')
		}
	}
	return bm
}

func TestDrop(t *testing.T) {
	src := bitmapFromRows(
		"#.",
		".#",
		"##",
	)
	dst := bitmapFromRows(
		"..",
		"#.",
		".#",
	)
	testData := []struct {
		progress int
		want     pixbuf.Bitmap
	}{
		{-1, src},
		{0, src},
		{1, bitmapFromRows(".#", "#.", ".#")},
		{2, bitmapFromRows("#.", ".#", "#.")},
		{3, dst},
		{4, dst},
	}
	for _, test := range testData {
		got := Drop(src, dst, test.progress)
		if want := test.want; !got.Equal(want) {
			t.Errorf("progress %d:\n  got:\n%v want:\n%v", test.progress, got, want)
		}
	}
}

func TestDropAnyProgress(t *testing.T) {
	f, err := glyph.New(2)
	if err != nil {
		t.Fatal(err)
	}
	src, dst := f.Bitmap(glyph.Digit(8)), f.Bitmap(glyph.Digit(1))
	for k := 0; k <= f.H; k++ {
		frame := Drop(src, dst, k)
		if frame.W != f.W || frame.H != f.H {
			t.Fatalf("progress %d: frame is %dx%d", k, frame.W, frame.H)
		}
		// The landed rows of the incoming glyph are its bottom k rows.
		for y := 0; y < k; y++ {
			for x := 0; x < f.W; x++ {
				if got, want := frame.At(x, y), dst.At(x, f.H-k+y); got != want {
					t.Fatalf("progress %d, pixel (%d,%d):\n  got: %v\n want: %v", k, x, y, got, want)
				}
			}
		}
	}
}

func TestLayout(t *testing.T) {
	testData := []struct {
		w, h int
	}{
		{64, 32},
		{128, 32},
		{64, 64},
		{32, 16},
	}
	for _, test := range testData {
		bounds := image.Rect(0, 0, test.w, test.h)
		_, l, err := Fit(bounds)
		if err != nil {
			t.Errorf("%dx%d: %v", test.w, test.h, err)
			continue
		}
		regions := l.Regions()
		for i, a := range regions {
			if !a.In(bounds) {
				t.Errorf("%dx%d: region %d %v is outside the panel", test.w, test.h, i, a)
			}
			for j, b := range regions[i+1:] {
				if a.Overlaps(b) {
					t.Errorf("%dx%d: regions %d %v and %d %v overlap", test.w, test.h, i, a, i+1+j, b)
				}
			}
		}
		for s := digits.HourTens; s < digits.NumSlots-1; s++ {
			if l.Slots[s].Min.X >= l.Slots[s+1].Min.X {
				t.Errorf("%dx%d: %v is not left of %v", test.w, test.h, s, s+1)
			}
		}
	}
}

func TestLayoutTooSmall(t *testing.T) {
	f, err := glyph.New(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewLayout(image.Rect(0, 0, 32, 32), f); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("layout on a tiny panel:\n  got: %v\n want: %v", err, config.ErrInvalid)
	}
	if _, _, err := Fit(image.Rect(0, 0, 16, 8)); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("fit on a tiny panel:\n  got: %v\n want: %v", err, config.ErrInvalid)
	}
}

func TestFit(t *testing.T) {
	f, _, err := Fit(image.Rect(0, 0, 64, 64))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.Scale, 2; got != want {
		t.Errorf("scale on a 64x64 panel:\n  got: %v\n want: %v", got, want)
	}
}

type fixture struct {
	buf    *pixbuf.Buffer
	font   *glyph.Font
	layout Layout
	s      *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	buf, err := pixbuf.NewBuffer(64, 32)
	if err != nil {
		t.Fatal(err)
	}
	f, err := glyph.New(2)
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLayout(buf.Bounds(), f)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{buf: buf, font: f, layout: l, s: New(buf, l, f, time.Millisecond)}
}

func (fx *fixture) region(r image.Rectangle) pixbuf.Bitmap {
	var f pixbuf.Frame
	fx.buf.Snapshot(&f)
	bm := pixbuf.NewBitmap(r.Dx(), r.Dy())
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			bm.Set(x, y, f.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return bm
}

func (fx *fixture) submit(t *testing.T, tv digits.TimeValue, prev digits.Glyphs) digits.Glyphs {
	t.Helper()
	next := digits.Render(tv, false)
	u := Update{Glyphs: next, Changed: digits.OnlyChanged{}.Changed(prev, next, true)}
	if err := fx.s.Submit(u); err != nil {
		t.Fatal(err)
	}
	return next
}

func TestSchedulerCompletes(t *testing.T) {
	fx := newFixture(t)
	shown := fx.submit(t, digits.TimeValue{Hour: 12, Minute: 59}, digits.AllBlank)

	lastProgress := make(map[digits.Slot]int)
	var ticks int
	for ; ticks < 100; ticks++ {
		if err := fx.s.Step(); err != nil {
			t.Fatal(err)
		}
		busy := false
		for _, st := range fx.s.States() {
			if st.Phase != Transitioning {
				continue
			}
			busy = true
			if st.Job.Progress < lastProgress[st.Slot] {
				t.Errorf("%v: progress went backwards from %d to %d", st.Slot, lastProgress[st.Slot], st.Job.Progress)
			}
			if st.Job.Progress > st.Job.Steps {
				t.Errorf("%v: progress %d beyond %d steps", st.Slot, st.Job.Progress, st.Job.Steps)
			}
			lastProgress[st.Slot] = st.Job.Progress
		}
		if !busy {
			break
		}
	}
	if got, want := ticks+1, fx.font.H; got != want {
		t.Errorf("ticks to finish:\n  got: %v\n want: %v", got, want)
	}

	for i, st := range fx.s.States() {
		if got, want := st.Previous, shown[i]; got != want {
			t.Errorf("%v committed glyph:\n  got: %v\n want: %v", st.Slot, got, want)
		}
		if got, want := fx.region(fx.layout.Slots[i]), fx.font.Bitmap(shown[i]); !got.Equal(want) {
			t.Errorf("%v pixels:\n  got:\n%v want:\n%v", st.Slot, got, want)
		}
	}
}

func TestOnlyChangedSlotsAnimate(t *testing.T) {
	fx := newFixture(t)
	prev := fx.submit(t, digits.TimeValue{Hour: 12, Minute: 59}, digits.AllBlank)
	for i := 0; i < fx.font.H; i++ {
		if err := fx.s.Step(); err != nil {
			t.Fatal(err)
		}
	}
	before := fx.region(fx.layout.Slots[digits.HourTens])

	fx.submit(t, digits.TimeValue{Hour: 12, Minute: 58}, prev)
	if err := fx.s.Step(); err != nil {
		t.Fatal(err)
	}
	for _, st := range fx.s.States() {
		want := Idle
		if st.Slot == digits.MinuteOnes {
			want = Transitioning
		}
		if got := st.Phase; got != want {
			t.Errorf("%v phase:\n  got: %v\n want: %v", st.Slot, got, want)
		}
	}
	if got := fx.region(fx.layout.Slots[digits.HourTens]); !got.Equal(before) {
		t.Error("an unchanged slot was redrawn")
	}
}

func TestReplaceInFlight(t *testing.T) {
	fx := newFixture(t)
	prev := fx.submit(t, digits.TimeValue{Hour: 12, Minute: 58}, digits.AllBlank)
	for i := 0; i < 5; i++ {
		if err := fx.s.Step(); err != nil {
			t.Fatal(err)
		}
	}
	midway := fx.region(fx.layout.Slots[digits.MinuteOnes])

	fx.submit(t, digits.TimeValue{Hour: 12, Minute: 59}, prev)
	if err := fx.s.Step(); err != nil {
		t.Fatal(err)
	}
	st := fx.s.States()[digits.MinuteOnes]
	if got, want := st.Phase, Transitioning; got != want {
		t.Fatalf("phase:\n  got: %v\n want: %v", got, want)
	}
	if !st.Job.Source.Equal(midway) {
		t.Errorf("replacement did not start from the displayed picture:\n  got:\n%v want:\n%v", st.Job.Source, midway)
	}
	if got, want := st.Job.Target, glyph.Digit(9); got != want {
		t.Errorf("target:\n  got: %v\n want: %v", got, want)
	}
	if got, want := st.Job.Progress, 1; got != want {
		t.Errorf("progress:\n  got: %v\n want: %v", got, want)
	}
	if got, want := st.Previous, glyph.Blank; got != want {
		t.Errorf("committed glyph before completion:\n  got: %v\n want: %v", got, want)
	}

	for i := 1; i < fx.font.H; i++ {
		if err := fx.s.Step(); err != nil {
			t.Fatal(err)
		}
	}
	st = fx.s.States()[digits.MinuteOnes]
	if got, want := st.Phase, Idle; got != want {
		t.Errorf("phase after %d ticks:\n  got: %v\n want: %v", fx.font.H, got, want)
	}
	if got, want := st.Previous, glyph.Digit(9); got != want {
		t.Errorf("committed glyph:\n  got: %v\n want: %v", got, want)
	}
}

func TestColon(t *testing.T) {
	fx := newFixture(t)
	if err := fx.s.Submit(Update{Glyphs: digits.AllBlank, Colon: true}); err != nil {
		t.Fatal(err)
	}
	if got := fx.region(fx.layout.Colon).Count(); got == 0 {
		t.Error("colon is dark after turning it on")
	}
	if err := fx.s.Submit(Update{Glyphs: digits.AllBlank, Colon: false}); err != nil {
		t.Fatal(err)
	}
	if got := fx.region(fx.layout.Colon).Count(); got != 0 {
		t.Errorf("colon has %d lit pixels after turning it off", got)
	}
}

func TestRun(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan Update)
	errCh := make(chan error)
	go func() {
		errCh <- fx.s.Run(ctx, updates)
	}()

	next := digits.Render(digits.TimeValue{Hour: 10, Minute: 10}, false)
	updates <- Update{Glyphs: next, Changed: []digits.Slot{digits.HourTens, digits.HourOnes, digits.MinuteTens, digits.MinuteOnes}}

	deadline := time.Now().Add(5 * time.Second)
	for {
		done := true
		for _, st := range fx.s.States() {
			if st.Previous != next[st.Slot] {
				done = false
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the animation to finish")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run after cancel:\n  got: %v\n want: %v", err, context.Canceled)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run to return")
	}
}
