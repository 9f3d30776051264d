package clock

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jrockway/tetris-clock/control/animation"
	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/jrockway/tetris-clock/control/glyph"
)

func TestTick(t *testing.T) {
	ctx, c := context.WithCancel(context.Background())
	timeout := 1500 * time.Millisecond
	jitter := 100 * time.Millisecond

	tch := make(chan time.Time)
	errch := make(chan error)
	go func() {
		errch <- Tick(ctx, tch)
		close(errch)
		close(tch)
	}()

	// Check that ticks arrive and they're about a second apart.
	var a, b time.Time
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for first tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for first tick: %v", err)
	case a = <-tch:
		if delay := time.Since(a); delay > jitter {
			t.Errorf("delayed first tick: %s", delay)
		}
	}
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for second tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for second tick: %v", err)
	case b = <-tch:
		if delay := time.Since(b); delay > jitter {
			t.Errorf("delayed second tick: %s", delay)
		}
	}
	if diff := b.Sub(a); diff > timeout {
		t.Errorf("too much delay between ticks: %s", diff)
	}

	// Check that missed ticks do not block the ticker.
	select {
	case <-time.After(2500 * time.Millisecond):
	case err := <-errch:
		t.Fatalf("unexpected error while sleeping: %v", err)
	}

	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for third tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for third tick: %v", err)
	case new := <-tch:
		if delay := time.Since(new); delay > jitter {
			t.Errorf("delayed third tick: %s", delay)
		}
	}

	// Check that cancelling the context stops the ticking.
	c()
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for cancel")
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
}

type fakeSource struct {
	tv digits.TimeValue
}

func (s *fakeSource) Current() digits.TimeValue { return s.tv }

var allSlots = []digits.Slot{digits.HourTens, digits.HourOnes, digits.MinuteTens, digits.MinuteOnes}

func TestNext(t *testing.T) {
	cfg := config.Default()
	cfg.TwelveHour = false
	cfg.BlinkColon = true
	src := &fakeSource{tv: digits.TimeValue{Hour: 12, Minute: 59, Second: 58}}
	c := New(cfg, src)

	steps := []struct {
		name        string
		tv          digits.TimeValue
		wantChanged []digits.Slot
		wantColon   bool
	}{
		{"boot", digits.TimeValue{Hour: 12, Minute: 59, Second: 58}, allSlots, true},
		{"same minute", digits.TimeValue{Hour: 12, Minute: 59, Second: 59}, nil, false},
		{"rollover", digits.TimeValue{Hour: 13, Minute: 0, Second: 0}, []digits.Slot{digits.HourOnes, digits.MinuteTens, digits.MinuteOnes}, true},
		{"one minute", digits.TimeValue{Hour: 13, Minute: 1, Second: 1}, []digits.Slot{digits.MinuteOnes}, false},
		{"clock stepped back", digits.TimeValue{Hour: 13, Minute: 0, Second: 2}, []digits.Slot{digits.MinuteOnes}, true},
	}
	for _, step := range steps {
		src.tv = step.tv
		u := c.Next()
		if got, want := u.Changed, step.wantChanged; !reflect.DeepEqual(got, want) {
			t.Errorf("%s: changed slots:\n  got: %v\n want: %v", step.name, got, want)
		}
		if got, want := u.Colon, step.wantColon; got != want {
			t.Errorf("%s: colon:\n  got: %v\n want: %v", step.name, got, want)
		}
		if got, want := u.Glyphs, digits.Render(step.tv, false); got != want {
			t.Errorf("%s: glyphs:\n  got: %v\n want: %v", step.name, got, want)
		}
	}
}

func TestNextTwelveHourForceRefresh(t *testing.T) {
	cfg := config.Default()
	cfg.TwelveHour = true
	cfg.ForceRefresh = true
	cfg.BlinkColon = false
	src := &fakeSource{tv: digits.TimeValue{Hour: 13, Minute: 5, Second: 10}}
	c := New(cfg, src)

	u := c.Next()
	if got, want := u.Glyphs, (digits.Glyphs{glyph.Blank, glyph.Digit(1), glyph.Digit(0), glyph.Digit(5)}); got != want {
		t.Errorf("glyphs:\n  got: %v\n want: %v", got, want)
	}
	if !u.Colon {
		t.Error("colon should stay on when not blinking")
	}

	src.tv.Second = 11
	if got := c.Next().Changed; len(got) != 0 {
		t.Errorf("within a minute: got %v, want nothing", got)
	}
	src.tv = digits.TimeValue{Hour: 13, Minute: 6}
	if got, want := c.Next().Changed, allSlots; !reflect.DeepEqual(got, want) {
		t.Errorf("at a minute boundary:\n  got: %v\n want: %v", got, want)
	}
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	src := &fakeSource{tv: digits.TimeValue{Hour: 9, Minute: 41}}
	c := New(cfg, src)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan animation.Update)
	errch := make(chan error)
	go func() {
		errch <- c.Run(ctx, updates)
	}()

	select {
	case u := <-updates:
		if got, want := u.Changed, allSlots; !reflect.DeepEqual(got, want) {
			t.Errorf("first update:\n  got: %v\n want: %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the first update")
	}
	select {
	case u := <-updates:
		if len(u.Changed) != 0 {
			t.Errorf("second update changed %v", u.Changed)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("timeout waiting for the second update")
	}

	cancel()
	select {
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancel")
	}
}
