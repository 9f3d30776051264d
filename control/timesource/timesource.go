// Package timesource keeps the best-known time of day.
//
// A Source adopts the time reported by a time service and extrapolates it forward with the local
// monotonic clock, so that reading the time never blocks on the network.  Synchronization retries a
// bounded number of times at a fixed interval; running out of attempts leaves the last adopted time
// in place and reports the failure to an Observer.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timesource_sync_attempts_total",
		Help: "count of attempts to read the time from the time service, by result",
	}, []string{"result"})
	consecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timesource_consecutive_failures",
		Help: "number of failed attempts since the last successful sync",
	})
	lastSync = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timesource_last_sync_timestamp_seconds",
		Help: "unix time of the last successful sync",
	})
)

// ErrExhausted is returned by Synchronize when every attempt failed.
var ErrExhausted = errors.New("time service attempts exhausted")

// Service is a source of the current time, like chronyd or gpsd.
type Service interface {
	// Query returns the current time in loc.  It should give up when ctx is done.
	Query(ctx context.Context, loc *time.Location) (time.Time, error)
}

// Observer is told about the outcome of each synchronization.
type Observer interface {
	SyncSucceeded()
	SyncExhausted(err error)
}

// Source is the clock's idea of the current time.
type Source struct {
	service      Service
	loc          *time.Location
	limit        int
	interval     time.Duration
	timeout      time.Duration
	syncInterval time.Duration
	observer     Observer
	events       trace.EventLog

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu         sync.RWMutex
	anchor     time.Time // the adopted time, in loc
	anchoredAt time.Time // local clock reading when anchor was adopted
	synced     bool
	lastSync   time.Time
	failures   int
}

// New returns a Source reading from svc with the retry policy and timezone in cfg.  Until the first
// successful sync, the local clock is used.  observer may be nil.
func New(cfg config.Config, svc Service, observer Observer) (*Source, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	s := &Source{
		service:      svc,
		loc:          loc,
		limit:        cfg.ConnectAttemptLimit,
		interval:     cfg.ConnectAttemptInterval,
		timeout:      cfg.ConnectAttemptTimeout,
		syncInterval: cfg.SyncInterval,
		observer:     observer,
		events:       trace.NewEventLog("timesource", cfg.TimeService),
		now:          time.Now,
		after:        time.After,
	}
	s.anchoredAt = s.now()
	s.anchor = s.anchoredAt.In(loc)
	return s, nil
}

// Time returns the anchor extrapolated to now, and whether the anchor came from the time service.
func (s *Source) Time() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor.Add(s.now().Sub(s.anchoredAt)).In(s.loc), s.synced
}

// Current returns the time to display.  It never blocks on the time service.
func (s *Source) Current() digits.TimeValue {
	t, synced := s.Time()
	return digits.FromTime(t, synced)
}

// LastSync returns the local clock reading of the last successful sync, or the zero time.
func (s *Source) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *Source) adopt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchoredAt = s.now()
	s.anchor = t.In(s.loc)
	s.synced = true
	s.lastSync = s.anchoredAt
	s.failures = 0
	consecutiveFailures.Set(0)
	lastSync.Set(float64(s.anchoredAt.Unix()))
}

func (s *Source) fail() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	consecutiveFailures.Set(float64(s.failures))
	return s.failures
}

// attempt runs one query under its own timeout.  Cancelling ctx does not interrupt it.
func (s *Source) attempt(ctx context.Context) (time.Time, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.service.Query(actx, s.loc)
}

// Synchronize reads the time from the service, trying up to the configured number of times and
// waiting the configured interval after each failure.  On success the new time is adopted.  When
// every attempt fails it returns an error wrapping ErrExhausted and the last failure, and the
// previously adopted time stays in use.
func (s *Source) Synchronize(ctx context.Context) (digits.TimeValue, error) {
	var lastErr error
	for i := 1; i <= s.limit; i++ {
		t, err := s.attempt(ctx)
		if err == nil {
			s.adopt(t)
			syncAttempts.WithLabelValues("success").Inc()
			s.events.Printf("attempt %d/%d: adopted %v", i, s.limit, t.Format(time.RFC3339Nano))
			if s.observer != nil {
				s.observer.SyncSucceeded()
			}
			return s.Current(), nil
		}
		lastErr = err
		syncAttempts.WithLabelValues("failure").Inc()
		n := s.fail()
		s.events.Errorf("attempt %d/%d: %v (%d consecutive failures)", i, s.limit, err, n)

		select {
		case <-ctx.Done():
			return s.Current(), fmt.Errorf("synchronize: %w", ctx.Err())
		case <-s.after(s.interval):
		}
	}
	err := fmt.Errorf("%w after %d attempts: %w", ErrExhausted, s.limit, lastErr)
	if s.observer != nil {
		s.observer.SyncExhausted(err)
	}
	return s.Current(), err
}

// Run synchronizes immediately and then every sync interval, until the context is done.
func (s *Source) Run(ctx context.Context) error {
	for {
		if tv, err := s.Synchronize(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("timesource: %w", ctx.Err())
			}
			log.Printf("time sync failed; continuing with %02d:%02d (synced=%v): %v", tv.Hour, tv.Minute, tv.Synced, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timesource: %w", ctx.Err())
		case <-s.after(s.syncInterval):
		}
	}
}
