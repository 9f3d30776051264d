package timesource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jrockway/go-gpsd"
	"golang.org/x/net/trace"
)

// DefaultMaxFixAge is how old a GPS fix may be before Query stops trusting it.
const DefaultMaxFixAge = 10 * time.Second

var (
	ErrNoFix    = errors.New("gpsd has not reported a time fix")
	ErrStaleFix = errors.New("gpsd time fix is too old")
)

// GPSD reads the time from TPV reports streamed by gpsd.  Run must be running for Query to succeed.
type GPSD struct {
	Addr   string
	MaxAge time.Duration

	now func() time.Time

	mu     sync.Mutex
	fix    time.Time // time reported by the receiver
	fixAt  time.Time // local clock reading when fix arrived
	device string
}

// NewGPSD returns a GPSD service watching the gpsd at addr.
func NewGPSD(addr string) *GPSD {
	return &GPSD{Addr: addr, MaxAge: DefaultMaxFixAge, now: time.Now}
}

// Run watches gpsd until the context is done, redialing 10 seconds after the watch stops.
func (g *GPSD) Run(ctx context.Context) error {
	l := trace.NewEventLog("service", "gpsd")
	defer l.Finish()
	for {
		if err := g.monitor(ctx, l); err != nil {
			log.Printf("gpsd monitor exited: %v", err)
			l.Errorf("gpsd monitor exited: %v", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gpsd: %w", ctx.Err())
		case <-time.After(10 * time.Second):
		}
	}
}

func (g *GPSD) monitor(ctx context.Context, l trace.EventLog) error {
	watchdog := make(chan struct{})
	l.Printf("dial %v", g.Addr)
	gps, err := gpsd.Dial(g.Addr)
	if err != nil {
		return fmt.Errorf("dial gpsd: %w", err)
	}
	gps.AddFilter("TPV", func(r interface{}) {
		select {
		case watchdog <- struct{}{}:
		default:
		}
		tpv, ok := r.(*gpsd.TPVReport)
		if !ok {
			l.Errorf("tpv report was of unexpected type %T", r)
			return
		}
		if g.observe(tpv) {
			l.Printf("fix from %v: %v", tpv.Device, tpv.Time.Format(time.RFC3339Nano))
		}
	})
	log.Printf("starting gpsd watch loop")
	done := gps.Watch()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return errors.New("gpsd watch stopped")
		case <-time.After(time.Minute):
			return errors.New("gpsd hasn't sent a tpv report for 1 minute")
		case <-watchdog:
		}
	}
}

// observe records a report's time if the receiver has a fix.
func (g *GPSD) observe(tpv *gpsd.TPVReport) bool {
	if tpv.Mode < gpsd.Mode2D || tpv.Time.IsZero() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fix = tpv.Time
	g.fixAt = g.now()
	g.device = tpv.Device
	return true
}

// Query implements Service.
func (g *GPSD) Query(ctx context.Context, loc *time.Location) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fix.IsZero() {
		return time.Time{}, ErrNoFix
	}
	age := g.now().Sub(g.fixAt)
	if age > g.MaxAge {
		return time.Time{}, fmt.Errorf("%w: last fix from %v was %v ago", ErrStaleFix, g.device, age)
	}
	return g.fix.Add(age).In(loc), nil
}
