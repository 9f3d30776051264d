package scan

import (
	"fmt"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/pixbuf"
	"periph.io/x/conn/v3/gpio"
)

// Pin is an output line.  gpio.PinOut satisfies it.
type Pin interface {
	Out(l gpio.Level) error
}

// Shifter clocks bytes out to the panel's column shift registers.  spi.Conn satisfies it.
type Shifter interface {
	Tx(w, r []byte) error
}

// HUB75 drives a single-color HUB75 panel chain.  Column data is shifted out over SPI (R1 on MOSI,
// CLK on SCLK); the row address, latch and output enable lines are GPIOs.
//
// A panel with ScanRate lines lights rows line, line+ScanRate, line+2*ScanRate, ... at once.  Each
// group of rows has its own chain of shift registers, and the chains are cascaded so that the
// bottom group is shifted out first.
type HUB75 struct {
	data     Shifter
	lat, oe  Pin   // oe is nil if output enable is tied low
	addr     []Pin // least significant bit first
	scanRate int
	rows     int
	cols     int

	tx []byte
}

// NewHUB75 returns a driver for the panel geometry in cfg.  addr must cover the address bits that
// ScanRate needs.
func NewHUB75(cfg config.Config, data Shifter, lat, oe Pin, addr []Pin) (*HUB75, error) {
	if data == nil || lat == nil {
		return nil, fmt.Errorf("%w: hub75 needs a data port and a latch pin", config.ErrInvalid)
	}
	bits := cfg.AddressBits()
	if len(addr) < bits {
		return nil, fmt.Errorf("%w: scan rate %d needs %d address pins, have %d", config.ErrInvalid, cfg.ScanRate, bits, len(addr))
	}
	for i, p := range addr[:bits] {
		if p == nil {
			return nil, fmt.Errorf("%w: address pin %c is not connected", config.ErrInvalid, 'A'+i)
		}
	}
	if cfg.ScanRate < 1 || cfg.Height()%cfg.ScanRate != 0 {
		return nil, fmt.Errorf("%w: panel height %d is not a multiple of scan rate %d", config.ErrInvalid, cfg.Height(), cfg.ScanRate)
	}
	if cfg.Width()%8 != 0 {
		return nil, fmt.Errorf("%w: panel width %d is not a multiple of 8", config.ErrInvalid, cfg.Width())
	}
	return &HUB75{
		data:     data,
		lat:      lat,
		oe:       oe,
		addr:     addr[:bits],
		scanRate: cfg.ScanRate,
		rows:     cfg.Height(),
		cols:     cfg.Width(),
		tx:       make([]byte, 0, cfg.Height()/cfg.ScanRate*cfg.Width()/8),
	}, nil
}

// Lines implements Driver.
func (h *HUB75) Lines() int { return h.scanRate }

func (h *HUB75) enable(on bool) error {
	if h.oe == nil {
		return nil
	}
	// OE is active low.
	if err := h.oe.Out(gpio.Level(!on)); err != nil {
		return fmt.Errorf("set oe: %w", err)
	}
	return nil
}

func (h *HUB75) latch() error {
	if err := h.lat.Out(gpio.High); err != nil {
		return fmt.Errorf("raise lat: %w", err)
	}
	if err := h.lat.Out(gpio.Low); err != nil {
		return fmt.Errorf("lower lat: %w", err)
	}
	return nil
}

func (h *HUB75) address(line int) error {
	for i, p := range h.addr {
		if err := p.Out(gpio.Level(line>>uint(i)&1 == 1)); err != nil {
			return fmt.Errorf("set address bit %c: %w", 'A'+i, err)
		}
	}
	return nil
}

// ShowLine implements Driver.
func (h *HUB75) ShowLine(f *pixbuf.Frame, line int) error {
	if f.Rows != h.rows || f.Cols != h.cols {
		return fmt.Errorf("frame is %dx%d, panel is %dx%d", f.Cols, f.Rows, h.cols, h.rows)
	}
	if err := h.enable(false); err != nil {
		return err
	}
	h.tx = h.tx[:0]
	for i := h.rows/h.scanRate - 1; i >= 0; i-- {
		h.tx = f.PackRow(h.tx, line+i*h.scanRate)
	}
	if err := h.data.Tx(h.tx, nil); err != nil {
		return fmt.Errorf("shift line %d: %w", line, err)
	}
	if err := h.latch(); err != nil {
		return err
	}
	if err := h.address(line); err != nil {
		return err
	}
	return h.enable(true)
}

// Blank implements Driver.  It disables output and clears the shift registers, so that the panel
// stays dark if output enable is not connected.
func (h *HUB75) Blank() error {
	if err := h.enable(false); err != nil {
		return err
	}
	zero := make([]byte, cap(h.tx))
	if err := h.data.Tx(zero, nil); err != nil {
		return fmt.Errorf("shift blank line: %w", err)
	}
	return h.latch()
}
