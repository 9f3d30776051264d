package timesource

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/digits"
)

// fakeClock advances only when something waits on it.
type fakeClock struct {
	sync.Mutex
	t     time.Time
	waits []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.t
	return ch
}

func (c *fakeClock) advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
}

type scriptedService struct {
	results []error   // one per call; nil means success
	t       time.Time // returned on success
	calls   int
	ctxErrs []error // ctx.Err() at the time of each call
	hasDl   []bool  // whether each call had a deadline
}

func (s *scriptedService) Query(ctx context.Context, loc *time.Location) (time.Time, error) {
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	_, ok := ctx.Deadline()
	s.hasDl = append(s.hasDl, ok)
	i := s.calls
	s.calls++
	if i < len(s.results) && s.results[i] != nil {
		return time.Time{}, s.results[i]
	}
	return s.t.In(loc), nil
}

type recordingObserver struct {
	succeeded int
	exhausted []error
}

func (o *recordingObserver) SyncSucceeded()          { o.succeeded++ }
func (o *recordingObserver) SyncExhausted(err error) { o.exhausted = append(o.exhausted, err) }

var (
	errRefused = errors.New("connection refused")
	start      = time.Date(2021, 7, 4, 19, 59, 50, 0, time.UTC)
)

func newTestSource(t *testing.T, svc Service) (*Source, *fakeClock, *recordingObserver) {
	t.Helper()
	cfg := config.Default()
	cfg.Timezone = "UTC"
	cfg.ConnectAttemptLimit = 3
	cfg.ConnectAttemptInterval = 10 * time.Second
	obs := new(recordingObserver)
	s, err := New(cfg, svc, obs)
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{t: start}
	s.now, s.after = clock.now, clock.after
	s.anchoredAt = clock.now()
	s.anchor = s.anchoredAt
	return s, clock, obs
}

func TestExhausted(t *testing.T) {
	svc := &scriptedService{results: []error{errRefused, errRefused, errRefused, errRefused}}
	s, clock, obs := newTestSource(t, svc)

	tv, err := s.Synchronize(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("synchronize:\n  got: %v\n want: %v", err, ErrExhausted)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("synchronize should wrap the last failure:\n  got: %v\n want: %v", err, errRefused)
	}
	if got, want := svc.calls, 3; got != want {
		t.Errorf("attempts:\n  got: %v\n want: %v", got, want)
	}
	if got, want := clock.waits, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}; !reflect.DeepEqual(got, want) {
		t.Errorf("waits:\n  got: %v\n want: %v", got, want)
	}
	if got, want := len(obs.exhausted), 1; got != want {
		t.Errorf("exhaustion reports:\n  got: %v\n want: %v", got, want)
	}
	if got, want := obs.succeeded, 0; got != want {
		t.Errorf("success reports:\n  got: %v\n want: %v", got, want)
	}

	// The local clock anchor is still in use, extrapolated by the 30 seconds spent waiting.
	want := digits.TimeValue{Hour: 20, Minute: 0, Second: 20, Synced: false}
	if got := tv; got != want {
		t.Errorf("time after exhaustion:\n  got: %#v\n want: %#v", got, want)
	}
	if got := s.Current(); got != want {
		t.Errorf("current after exhaustion:\n  got: %#v\n want: %#v", got, want)
	}
}

func TestAnchorUnchangedOnFailure(t *testing.T) {
	adopted := time.Date(2021, 7, 4, 12, 0, 0, 0, time.UTC)
	svc := &scriptedService{t: adopted}
	s, clock, _ := newTestSource(t, svc)
	if _, err := s.Synchronize(context.Background()); err != nil {
		t.Fatal(err)
	}

	svc.results = []error{nil, errRefused, errRefused, errRefused}
	if _, err := s.Synchronize(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("second synchronize:\n  got: %v\n want: %v", err, ErrExhausted)
	}
	got, synced := s.Time()
	if want := adopted.Add(30 * time.Second); !got.Equal(want) {
		t.Errorf("time after failed resync:\n  got: %v\n want: %v", got, want)
	}
	if !synced {
		t.Error("a failed resync should not forget the previous sync")
	}

	clock.advance(time.Minute)
	if got, want := s.Current(), (digits.TimeValue{Hour: 12, Minute: 1, Second: 30, Synced: true}); got != want {
		t.Errorf("extrapolated time:\n  got: %#v\n want: %#v", got, want)
	}
}

func TestRecoverAfterFailures(t *testing.T) {
	adopted := time.Date(2021, 7, 4, 20, 5, 0, 0, time.UTC)
	svc := &scriptedService{results: []error{errRefused, errRefused, nil}, t: adopted}
	s, clock, obs := newTestSource(t, svc)

	tv, err := s.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tv, (digits.TimeValue{Hour: 20, Minute: 5, Synced: true}); got != want {
		t.Errorf("synchronized time:\n  got: %#v\n want: %#v", got, want)
	}
	if got, want := len(clock.waits), 2; got != want {
		t.Errorf("waits:\n  got: %v\n want: %v", got, want)
	}
	if got, want := obs.succeeded, 1; got != want {
		t.Errorf("success reports:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.failures, 0; got != want {
		t.Errorf("failure count after success:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.LastSync(), clock.now(); !got.Equal(want) {
		t.Errorf("last sync:\n  got: %v\n want: %v", got, want)
	}
}

func TestAttemptNotCancelled(t *testing.T) {
	svc := &scriptedService{results: []error{errRefused}}
	s, _, obs := newTestSource(t, svc)
	s.after = func(time.Duration) <-chan time.Time { return nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Synchronize(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("synchronize with a cancelled context:\n  got: %v\n want: %v", err, context.Canceled)
	}
	if got, want := svc.calls, 1; got != want {
		t.Errorf("attempts:\n  got: %v\n want: %v", got, want)
	}
	if err := svc.ctxErrs[0]; err != nil {
		t.Errorf("attempt context was cancelled: %v", err)
	}
	if !svc.hasDl[0] {
		t.Error("attempt context has no timeout")
	}
	if got := len(obs.exhausted); got != 0 {
		t.Errorf("cancellation reported as exhaustion %d times", got)
	}
}

func TestLocalClockBeforeSync(t *testing.T) {
	s, clock, _ := newTestSource(t, &scriptedService{})
	clock.advance(15 * time.Second)
	if got, want := s.Current(), (digits.TimeValue{Hour: 20, Minute: 0, Second: 5}); got != want {
		t.Errorf("current before sync:\n  got: %#v\n want: %#v", got, want)
	}
}

func TestRun(t *testing.T) {
	svc := &scriptedService{t: start}
	s, clock, obs := newTestSource(t, svc)
	ctx, cancel := context.WithCancel(context.Background())
	s.after = func(d time.Duration) <-chan time.Time {
		if clock.now().Sub(start) >= 2*time.Hour {
			cancel()
		}
		return clock.after(d)
	}
	err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("run:\n  got: %v\n want: %v", err, context.Canceled)
	}
	if got := obs.succeeded; got < 4 {
		t.Errorf("expected at least 4 syncs in 2 hours, got %d", got)
	}
	for _, w := range clock.waits {
		if w != 30*time.Minute {
			t.Errorf("unexpected wait %v between syncs", w)
		}
	}
}

func TestNewInvalidTimezone(t *testing.T) {
	cfg := config.Default()
	cfg.Timezone = "Mars/Olympus_Mons"
	if _, err := New(cfg, &scriptedService{}, nil); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("new:\n  got: %v\n want: %v", err, config.ErrInvalid)
	}
}
