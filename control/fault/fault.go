// Package fault tracks the health of the clock and restarts it when the display hardware stops
// working.
//
// Losing the time service only degrades the clock: it keeps showing extrapolated time.  A hardware
// fault or a stalled scanner is fatal, and the only cure is a restart, which happens once, a fixed
// interval after the first fatal fault.
package fault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jrockway/tetris-clock/control/journal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

// State is the clock's health.
type State int

const (
	Healthy State = iota
	Degraded
	Fatal
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fault_state",
		Help: "health of the clock; 0 = healthy, 1 = degraded, 2 = fatal",
	})
	transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fault_transitions_total",
		Help: "count of health state changes, by new state",
	}, []string{"to"})
)

var (
	// ErrStalled means that the scanner has not finished a frame within the stall timeout.
	ErrStalled = errors.New("scanner stalled")
	// ErrRestarted is returned by Run after it has called the restart function.
	ErrRestarted = errors.New("restarted after fatal fault")
)

// Recorder persists state changes.  *journal.DB satisfies it.
type Recorder interface {
	Record(ctx context.Context, kind, detail string) error
}

// Status is a snapshot of the supervisor's state.
type Status struct {
	State  State
	Reason error // the fault that caused the current state; nil when healthy
	Since  time.Time
}

// Supervisor is the fault state machine.
type Supervisor struct {
	rebootAfter time.Duration
	restart     func()
	recorder    Recorder
	events      trace.EventLog

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	status Status        // must hold mu to read or write.
	fatal  chan struct{} // closed on entering Fatal
}

// New returns a healthy supervisor that calls restart once, rebootAfter after the first fatal
// fault.  recorder may be nil.
func New(rebootAfter time.Duration, restart func(), recorder Recorder) *Supervisor {
	s := &Supervisor{
		rebootAfter: rebootAfter,
		restart:     restart,
		recorder:    recorder,
		events:      trace.NewEventLog("fault", "supervisor"),
		now:         time.Now,
		after:       time.After,
		fatal:       make(chan struct{}),
	}
	s.status.Since = s.now()
	stateGauge.Set(float64(Healthy))
	return s
}

// transition moves to state "to" if the move is allowed.  Fatal is never left.
func (s *Supervisor) transition(to State, reason error) {
	s.mu.Lock()
	from := s.status.State
	if from == to || from == Fatal {
		s.mu.Unlock()
		if from == Fatal && reason != nil {
			s.events.Printf("ignoring %v while fatal: %v", to, reason)
		}
		return
	}
	s.status = Status{State: to, Reason: reason, Since: s.now()}
	if to == Fatal {
		close(s.fatal)
	}
	s.mu.Unlock()

	stateGauge.Set(float64(to))
	transitionCounter.WithLabelValues(to.String()).Inc()
	detail := fmt.Sprintf("%v -> %v", from, to)
	if reason != nil {
		detail = fmt.Sprintf("%s: %v", detail, reason)
	}
	log.Printf("health: %s", detail)
	if to == Healthy {
		s.events.Printf("%s", detail)
	} else {
		s.events.Errorf("%s", detail)
	}
	if s.recorder != nil {
		if err := s.recorder.Record(context.Background(), journal.KindFault, detail); err != nil {
			log.Printf("journal state change: %v", err)
		}
	}
}

// SyncSucceeded returns a degraded clock to health.
func (s *Supervisor) SyncSucceeded() { s.transition(Healthy, nil) }

// SyncExhausted degrades the clock.
func (s *Supervisor) SyncExhausted(err error) { s.transition(Degraded, err) }

// HardwareFault makes the clock fatal.
func (s *Supervisor) HardwareFault(err error) { s.transition(Fatal, err) }

// Status returns the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the current state.
func (s *Supervisor) State() State { return s.Status().State }

// Run waits for a fatal fault, then waits the reboot interval and calls the restart function.  It
// returns ErrRestarted after restarting, or the context's error if it is cancelled first.
func (s *Supervisor) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("supervisor: %w", ctx.Err())
	case <-s.fatal:
	}
	st := s.Status()
	log.Printf("fatal fault: %v; restarting in %v", st.Reason, s.rebootAfter)
	s.events.Errorf("restarting in %v", s.rebootAfter)

	select {
	case <-ctx.Done():
		return fmt.Errorf("supervisor: waiting to restart: %w", ctx.Err())
	case <-s.after(s.rebootAfter):
	}
	if s.recorder != nil {
		if err := s.recorder.Record(context.Background(), journal.KindRestart, fmt.Sprintf("%v", st.Reason)); err != nil {
			log.Printf("journal restart: %v", err)
		}
	}
	s.restart()
	return fmt.Errorf("%w: %v", ErrRestarted, st.Reason)
}

// Watch escalates to Fatal when lastFrame has not advanced for stallTimeout.  It checks twice per
// timeout, and returns after escalating or when the context is done.
func (s *Supervisor) Watch(ctx context.Context, lastFrame func() time.Time, stallTimeout time.Duration) error {
	started := s.now()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("scanner watchdog: %w", ctx.Err())
		case <-s.after(stallTimeout / 2):
		}
		last := lastFrame()
		if last.IsZero() || last.Before(started) {
			last = started
		}
		if age := s.now().Sub(last); age > stallTimeout {
			s.HardwareFault(fmt.Errorf("%w: no frame for %v", ErrStalled, age.Round(time.Millisecond)))
			return nil
		}
	}
}
