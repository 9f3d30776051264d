// Package scan refreshes a multiplexed LED panel from the pixel buffer.
//
// A panel only lights one group of rows at a time, so the scanner must keep cycling through the
// scan lines fast enough that the eye sees a steady picture.  The scanner takes one snapshot of the
// buffer per frame and hands it to a Driver line by line.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/pixbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scan_frames_total",
		Help: "count of frames fully scanned out to the panel",
	})
	frameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scan_frame_duration_seconds",
		Help:    "time taken to scan out one frame",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	driverErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scan_driver_errors_total",
		Help: "count of scan lines that the driver failed to show",
	})
)

// ErrHardwareFault means that the driver failed too many times in a row.
var ErrHardwareFault = errors.New("display hardware fault")

// Driver shows one scan line of a frame at a time.
type Driver interface {
	// Lines is the number of scan lines in a frame.
	Lines() int
	// ShowLine outputs a scan line of f and leaves it lit.
	ShowLine(f *pixbuf.Frame, line int) error
	// Blank turns the panel off.
	Blank() error
}

// FaultReporter is told when the scanner gives up.
type FaultReporter interface {
	HardwareFault(err error)
}

// Scanner is the scan loop.
type Scanner struct {
	buf       *pixbuf.Buffer
	driver    Driver
	reporter  FaultReporter
	refreshHz int
	maxErrors int

	wait func(time.Duration)
	now  func() time.Time

	lastFrame atomic.Int64 // unix nanos
}

// New returns a scanner that refreshes driver from buf at the configured rate.  reporter may be
// nil.
func New(cfg config.Config, buf *pixbuf.Buffer, driver Driver, reporter FaultReporter) *Scanner {
	return &Scanner{
		buf:       buf,
		driver:    driver,
		reporter:  reporter,
		refreshHz: cfg.RefreshHz,
		maxErrors: cfg.MaxDriverErrors,
		wait:      time.Sleep,
		now:       time.Now,
	}
}

// Hold is how long each scan line stays lit.
func (s *Scanner) Hold() time.Duration {
	lines := s.driver.Lines()
	if lines < 1 || s.refreshHz < 1 {
		return 0
	}
	return time.Second / time.Duration(s.refreshHz*lines)
}

// LastFrame returns the time the most recent frame finished, or the zero time.
func (s *Scanner) LastFrame() time.Time {
	ns := s.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run scans frames until the context is done or the driver fails MaxDriverErrors times in a row.
// In the latter case the fault is reported and the returned error wraps ErrHardwareFault.
func (s *Scanner) Run(ctx context.Context) error {
	var (
		f           pixbuf.Frame
		consecutive int
	)
	lines, hold := s.driver.Lines(), s.Hold()
	log.Printf("scanning %d lines per frame at %v per line", lines, hold)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scanner: %w", err)
		}
		start := s.now()
		s.buf.Snapshot(&f)
		for line := 0; line < lines; line++ {
			if err := s.driver.ShowLine(&f, line); err != nil {
				driverErrors.Inc()
				consecutive++
				if consecutive >= s.maxErrors {
					err = fmt.Errorf("%w: %d consecutive driver errors, last on line %d: %w", ErrHardwareFault, consecutive, line, err)
					if s.reporter != nil {
						s.reporter.HardwareFault(err)
					}
					return err
				}
				continue
			}
			consecutive = 0
			s.wait(hold)
		}
		end := s.now()
		framesCounter.Inc()
		frameDuration.Observe(end.Sub(start).Seconds())
		s.lastFrame.Store(end.UnixNano())
	}
}

// Blank turns the panel off.
func (s *Scanner) Blank() error {
	if err := s.driver.Blank(); err != nil {
		return fmt.Errorf("blank panel: %w", err)
	}
	return nil
}

// None is a driver with no hardware behind it, for running with only the debug preview.
type None struct{}

func (None) Lines() int                        { return 1 }
func (None) ShowLine(*pixbuf.Frame, int) error { return nil }
func (None) Blank() error                      { return nil }
