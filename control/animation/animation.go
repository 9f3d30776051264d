// Package animation runs the falling-block transitions between digits.
//
// Each digit slot is a small state machine: Idle, or Transitioning with an active Job.  A job drops
// the incoming glyph in from the top while the outgoing picture falls off the bottom, one row per
// scheduler tick.  The scheduler is the only writer of the pixel buffer; every slot owns a disjoint
// region of it.
package animation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/jrockway/tetris-clock/control/glyph"
	"github.com/jrockway/tetris-clock/control/pixbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animation_jobs_started_total",
		Help: "count of digit transitions started",
	})
	jobsReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animation_jobs_replaced_total",
		Help: "count of digit transitions abandoned because the slot changed again before they finished",
	})
	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animation_jobs_completed_total",
		Help: "count of digit transitions that ran to completion",
	})
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "animation_active_jobs",
		Help: "number of digit slots currently transitioning",
	})
)

// FrameFunc computes the picture shown at a given progress of a transition from src to dst.
// Progress runs from 0 (src) to dst.H (dst).
type FrameFunc func(src, dst pixbuf.Bitmap, progress int) pixbuf.Bitmap

// Drop is the falling-block frame: the composite of both pictures descends by progress rows, so
// row y shows the bottom rows of dst above the top rows of src.
func Drop(src, dst pixbuf.Bitmap, progress int) pixbuf.Bitmap {
	h := dst.H
	if progress < 0 {
		progress = 0
	}
	if progress > h {
		progress = h
	}
	out := pixbuf.NewBitmap(dst.W, h)
	for y := 0; y < h; y++ {
		for x := 0; x < dst.W; x++ {
			if y < progress {
				out.Set(x, y, dst.At(x, h-progress+y))
			} else {
				out.Set(x, y, src.At(x, y-progress))
			}
		}
	}
	return out
}

// Job is an active transition of one slot.
type Job struct {
	Slot        digits.Slot
	SourceGlyph glyph.Glyph   // last glyph committed to the slot before this job
	Target      glyph.Glyph   // glyph the slot shows when the job completes
	Source      pixbuf.Bitmap // picture in the slot when the job started
	Progress    int
	Steps       int

	target pixbuf.Bitmap
	frame  FrameFunc
}

// Frame returns the picture for the job's current progress.
func (j *Job) Frame() pixbuf.Bitmap {
	return j.frame(j.Source, j.target, j.Progress)
}

// Done reports whether the job has reached its target.
func (j *Job) Done() bool { return j.Progress >= j.Steps }

func (j *Job) advance() {
	if j.Progress < j.Steps {
		j.Progress++
	}
}

// Phase tags a slot's state.
type Phase int

const (
	Idle Phase = iota
	Transitioning
)

func (p Phase) String() string {
	if p == Transitioning {
		return "transitioning"
	}
	return "idle"
}

// SlotState is a copy of one slot's state.
type SlotState struct {
	Slot     digits.Slot
	Phase    Phase
	Previous glyph.Glyph // last glyph committed to the pixel buffer
	Job      Job         // valid when Phase is Transitioning
}

// Update is sent to the scheduler on every clock tick.
type Update struct {
	Glyphs  digits.Glyphs
	Changed []digits.Slot
	Colon   bool
}

type slot struct {
	previous   glyph.Glyph
	shown      pixbuf.Bitmap
	job        *Job
	pending    glyph.Glyph
	hasPending bool
}

// Scheduler owns the slots and writes their frames into the pixel buffer.  Run calls Submit and
// Step from one goroutine; States may be called from anywhere.
type Scheduler struct {
	buf      *pixbuf.Buffer
	layout   Layout
	font     *glyph.Font
	interval time.Duration
	frame    FrameFunc

	mu      sync.Mutex
	slots   [digits.NumSlots]slot // must hold mu to read or write.
	colon   bool
	colonOK bool // false until the colon has been written once
}

// New returns a scheduler with every slot blank and idle.
func New(buf *pixbuf.Buffer, layout Layout, font *glyph.Font, interval time.Duration) *Scheduler {
	s := &Scheduler{
		buf:      buf,
		layout:   layout,
		font:     font,
		interval: interval,
		frame:    Drop,
	}
	for i := range s.slots {
		s.slots[i] = slot{previous: glyph.Blank, shown: font.Bitmap(glyph.Blank)}
	}
	return s
}

// Submit records the slots that changed.  The jobs start on the next Step.  The colon is written
// immediately.
func (s *Scheduler) Submit(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range u.Changed {
		s.slots[sl].pending = u.Glyphs[sl]
		s.slots[sl].hasPending = true
	}
	if !s.colonOK || u.Colon != s.colon {
		if err := s.buf.WriteRegion(s.layout.Colon, s.layout.ColonBitmap(u.Colon)); err != nil {
			return fmt.Errorf("write colon: %w", err)
		}
		s.colon, s.colonOK = u.Colon, true
	}
	return nil
}

// Step runs one scheduler tick: start jobs for changed slots, advance every job by one row and
// write its frame, and retire finished jobs.
func (s *Scheduler) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active int
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.hasPending {
			if sl.job != nil {
				// Restart from whatever is on the panel right now.
				jobsReplaced.Inc()
			}
			sl.job = &Job{
				Slot:        digits.Slot(i),
				SourceGlyph: sl.previous,
				Target:      sl.pending,
				Source:      sl.shown.Clone(),
				Steps:       s.font.H,
				target:      s.font.Bitmap(sl.pending),
				frame:       s.frame,
			}
			sl.hasPending = false
			jobsStarted.Inc()
		}
		if sl.job == nil {
			continue
		}

		sl.job.advance()
		frame := sl.job.Frame()
		if err := s.buf.WriteRegion(s.layout.Slots[i], frame); err != nil {
			return fmt.Errorf("write %v: %w", digits.Slot(i), err)
		}
		sl.shown = frame
		if sl.job.Done() {
			sl.previous = sl.job.Target
			sl.job = nil
			jobsCompleted.Inc()
			continue
		}
		active++
	}
	activeJobs.Set(float64(active))
	return nil
}

// States returns a copy of every slot's state.
func (s *Scheduler) States() []SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]SlotState, len(s.slots))
	for i, sl := range s.slots {
		st := SlotState{Slot: digits.Slot(i), Previous: sl.previous}
		if sl.job != nil {
			st.Phase = Transitioning
			st.Job = *sl.job
		}
		result[i] = st
	}
	return result
}

// Run steps the scheduler at its fixed interval and applies updates as they arrive, until the
// context is cancelled or the updates channel is closed.
func (s *Scheduler) Run(ctx context.Context, updates <-chan Update) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("animation scheduler: %w", ctx.Err())
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.Submit(u); err != nil {
				return fmt.Errorf("submit update: %w", err)
			}
		case <-ticker.C:
			if err := s.Step(); err != nil {
				return fmt.Errorf("step: %w", err)
			}
		}
	}
}
