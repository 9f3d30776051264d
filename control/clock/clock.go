// Package clock decides what the face of the clock shows each second.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/jrockway/tetris-clock/control/animation"
	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_ticks",
		Help: "count of ticks that were generated but never received by anything",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between seconds tick and when it is sent to the channel, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	changedSlotsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clock_changed_slots_total",
		Help: "count of digit slots sent to the animation scheduler, by slot",
	}, []string{"slot"})
)

// Tick sends the current time to the provided channel at the exact instant that the seconds change.
// An absent listener will not receive an outdated time; the tick will be skipped and the
// missedTicksCounter incremented.  Cancelling the context causes this to return immediately.
func Tick(ctx context.Context, ch chan time.Time) error {
	for {
		nextSecond := time.Now().Add(time.Second).Truncate(time.Second)

		// Wait until the next second starts.
		select {
		case <-time.After(time.Until(nextSecond)):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next second: %w", ctx.Err())
		}

		// Send the time to the channel.
		select {
		case <-time.After(500 * time.Millisecond):
			missedTicksCounter.Inc()
		case <-ctx.Done():
			return fmt.Errorf("waiting to send tick: %w", ctx.Err())
		case ch <- nextSecond:
			tickDelayMetric.Observe(float64(time.Since(nextSecond).Nanoseconds()))
		}
	}
}

// TimeSource provides the time to display.  *timesource.Source satisfies it.
type TimeSource interface {
	Current() digits.TimeValue
}

// Clock turns the time into updates for the animation scheduler.
type Clock struct {
	source     TimeSource
	comparator digits.Comparator
	twelveHour bool
	blinkColon bool

	shown   digits.Glyphs
	last    digits.TimeValue
	started bool
}

// New returns a clock showing the time from source.  Every slot starts blank, so the first update
// drops all the digits in.
func New(cfg config.Config, source TimeSource) *Clock {
	return &Clock{
		source:     source,
		comparator: digits.NewComparator(cfg.ForceRefresh),
		twelveHour: cfg.TwelveHour,
		blinkColon: cfg.BlinkColon,
		shown:      digits.AllBlank,
	}
}

// Next reads the time and returns the update for it.
func (c *Clock) Next() animation.Update {
	tv := c.source.Current()
	next := digits.Render(tv, c.twelveHour)
	boundary := !c.started || !c.last.SameMinute(tv)
	changed := c.comparator.Changed(c.shown, next, boundary)
	for _, s := range changed {
		changedSlotsCounter.WithLabelValues(s.String()).Inc()
	}
	c.shown, c.last, c.started = next, tv, true
	return animation.Update{
		Glyphs:  next,
		Changed: changed,
		Colon:   !c.blinkColon || tv.Second%2 == 0,
	}
}

// Run sends an update to the scheduler immediately and then at the start of every second, until the
// context is cancelled.
func (c *Clock) Run(ctx context.Context, updates chan<- animation.Update) error {
	tickErrCh := make(chan error)
	tickCh := make(chan time.Time)
	go func() {
		err := Tick(ctx, tickCh)
		select {
		case tickErrCh <- err:
		case <-ctx.Done():
		}
		close(tickErrCh)
	}()
	for {
		select {
		case updates <- c.Next():
		case <-ctx.Done():
			return fmt.Errorf("clock: %w", ctx.Err())
		}
		select {
		case <-tickCh:
		case err := <-tickErrCh:
			return fmt.Errorf("ticker: %w", err)
		case <-ctx.Done():
			return fmt.Errorf("clock: %w", ctx.Err())
		}
	}
}
