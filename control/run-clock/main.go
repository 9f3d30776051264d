package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jrockway/tetris-clock/control/animation"
	"github.com/jrockway/tetris-clock/control/clock"
	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/fault"
	"github.com/jrockway/tetris-clock/control/journal"
	"github.com/jrockway/tetris-clock/control/pixbuf"
	"github.com/jrockway/tetris-clock/control/scan"
	"github.com/jrockway/tetris-clock/control/screen"
	"github.com/jrockway/tetris-clock/control/status"
	"github.com/jrockway/tetris-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	configFile  = flag.String("config", "/etc/tetris-clock.yaml", "yaml config file; settings can also come from TETRISCLOCK_* environment variables")
	printConfig = flag.Bool("print-config", false, "print the effective config as yaml and exit")

	faceColor = color.RGBA{R: 0xff, G: 0x30, B: 0x00, A: 0xff}
)

// outPin returns GPIO n, driven low.
func outPin(n int) (gpio.PinIO, error) {
	p := gpioreg.ByName(strconv.Itoa(n))
	if p == nil {
		return nil, fmt.Errorf("no gpio %d", n)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio %d: set output: %w", n, err)
	}
	return p, nil
}

// openDriver sets up the display hardware.  The returned function releases it.
func openDriver(cfg config.Config) (scan.Driver, func() error, error) {
	nop := func() error { return nil }
	if cfg.Driver == config.DriverNone {
		return scan.None{}, nop, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("init periph.io: %w", err)
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, nil, fmt.Errorf("open spi port %q: %w", cfg.SPIPort, err)
	}

	switch cfg.Driver {
	case config.DriverAPA102:
		strip, err := screen.NewStrip(port, cfg, faceColor)
		if err != nil {
			port.Close()
			return nil, nil, err
		}
		return strip, port.Close, nil
	case config.DriverHUB75:
		conn, err := port.Connect(physic.Frequency(cfg.SPISpeedHz)*physic.Hertz, spi.Mode0, 8)
		if err != nil {
			port.Close()
			return nil, nil, fmt.Errorf("connect to spi port: %w", err)
		}
		lat, err := outPin(cfg.Pins.LAT)
		if err != nil {
			port.Close()
			return nil, nil, fmt.Errorf("lat: %w", err)
		}
		var oe scan.Pin
		if cfg.Pins.OE != config.Unused {
			p, err := outPin(cfg.Pins.OE)
			if err != nil {
				port.Close()
				return nil, nil, fmt.Errorf("oe: %w", err)
			}
			oe = p
		}
		var addr []scan.Pin
		for i, n := range cfg.Pins.Address()[:cfg.AddressBits()] {
			p, err := outPin(n)
			if err != nil {
				port.Close()
				return nil, nil, fmt.Errorf("address %c: %w", 'A'+i, err)
			}
			addr = append(addr, p)
		}
		d, err := scan.NewHUB75(cfg, conn, lat, oe, addr)
		if err != nil {
			port.Close()
			return nil, nil, err
		}
		return d, port.Close, nil
	}
	port.Close()
	return nil, nil, fmt.Errorf("%w: unknown driver %q", config.ErrInvalid, cfg.Driver)
}

// ignoreCancel hides the error that every loop returns on shutdown, so that the errgroup reports
// the error that caused the shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	flag.Parse()
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(out)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := journal.Open(cfg.JournalPath, cfg.DeviceID)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer db.Close()
	log.Printf("boot %v", db.Boot())
	if err := db.Record(ctx, journal.KindBoot, fmt.Sprintf("pid %d; driver %s; time service %s", os.Getpid(), cfg.Driver, cfg.TimeService)); err != nil {
		log.Printf("journal boot: %v", err)
	}

	buf, err := pixbuf.NewBuffer(cfg.Width(), cfg.Height())
	if err != nil {
		log.Fatalf("allocate pixel buffer: %v", err)
	}
	font, layout, err := animation.Fit(buf.Bounds())
	if err != nil {
		log.Fatalf("lay out clock face: %v", err)
	}
	driver, closeDriver, err := openDriver(cfg)
	if err != nil {
		log.Fatalf("open display: %v", err)
	}
	defer closeDriver()
	if err := driver.Blank(); err != nil {
		log.Printf("initial blank: %v", err)
	}

	var restart atomic.Bool
	sup := fault.New(cfg.HardwareRebootInterval, func() {
		restart.Store(true)
		cancel()
	}, db)

	page := &status.Page{
		Device:     cfg.DeviceID,
		TwelveHour: cfg.TwelveHour,
		Supervisor: sup,
		Journal:    db,
	}

	g, gctx := errgroup.WithContext(ctx)

	var svc timesource.Service
	switch cfg.TimeService {
	case config.ServiceChrony:
		svc = timesource.NewChrony(cfg.ChronyAddr, page.UpdateTracking)
	case config.ServiceGPSD:
		gps := timesource.NewGPSD(cfg.GPSDAddr)
		g.Go(func() error { return ignoreCancel(gps.Run(gctx)) })
		svc = gps
	}
	src, err := timesource.New(cfg, svc, sup)
	if err != nil {
		log.Fatalf("init time source: %v", err)
	}

	sched := animation.New(buf, layout, font, cfg.AnimationInterval)
	scanner := scan.New(cfg, buf, driver, sup)
	face := clock.New(cfg, src)
	preview := screen.NewPreview(buf, faceColor)
	page.Source, page.Scheduler, page.Preview = src, sched, preview

	trace.AuthRequest = func(req *http.Request) (any, sensitive bool) { return true, true }
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/", page)
	r.Method(http.MethodGet, "/display.png", preview)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.HandleFunc("/debug/requests", trace.Traces)
	r.HandleFunc("/debug/events", trace.Events)
	httpServer := &http.Server{Addr: cfg.Bind, Handler: r}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Printf("interrupt")
			cancel()
		case <-ctx.Done():
		}
	}()

	updates := make(chan animation.Update)
	g.Go(func() error {
		log.Printf("http server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		return httpServer.Shutdown(tctx)
	})
	g.Go(func() error { return ignoreCancel(src.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(face.Run(gctx, updates)) })
	g.Go(func() error { return ignoreCancel(sched.Run(gctx, updates)) })
	g.Go(func() error {
		// A hardware fault is handled by the supervisor, which restarts everything.
		if err := scanner.Run(gctx); !errors.Is(err, scan.ErrHardwareFault) {
			return ignoreCancel(err)
		}
		return nil
	})
	g.Go(func() error { return ignoreCancel(sup.Watch(gctx, scanner.LastFrame, cfg.StallTimeout)) })
	g.Go(func() error {
		if err := sup.Run(gctx); !errors.Is(err, fault.ErrRestarted) {
			return ignoreCancel(err)
		}
		return nil
	})

	err = g.Wait()
	signal.Stop(sigCh)
	if err != nil {
		log.Printf("clock loop died: %v", err)
	}
	if err := scanner.Blank(); err != nil {
		log.Printf("blank on exit: %v", err)
	}

	if restart.Load() {
		log.Printf("restarting")
		exe, eerr := os.Executable()
		if eerr == nil {
			closeDriver()
			db.Close()
			eerr = syscall.Exec(exe, os.Args, os.Environ())
		}
		log.Printf("re-exec: %v", eerr)
		os.Exit(1)
	}
	detail := "clean shutdown"
	if err != nil {
		detail = err.Error()
	}
	if jerr := db.Record(context.Background(), journal.KindExit, detail); jerr != nil {
		log.Printf("journal exit: %v", jerr)
	}
	if err != nil {
		closeDriver()
		db.Close()
		os.Exit(1)
	}
}
