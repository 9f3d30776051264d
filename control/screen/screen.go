// Package screen draws the pixel buffer on an APA102 LED grid, and renders it as a PNG for debugging
// the rest of the program without the display attached.
package screen

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"net/http"

	"github.com/jrockway/tetris-clock/control/config"
	"github.com/jrockway/tetris-clock/control/pixbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/apa102"
)

const (
	previewScale       = 8 // Size of one pixel in the rendered image.
	previewPixelBorder = 2 // Border around right and bottom of pixel, to simulate pixel spacing.

	idleWattsPerPixel = 0.00109 * 5 // W
	powerLimit        = 10          // W
)

var powerMetric = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "screen_estimated_power_watts",
	Help: "estimated power drawn by the apa102 grid for the last frame, after limiting",
})

// Strip is a grid of square APA102 panels chained into one strand.  Each panel's 0th LED is in the
// top-left corner, and is column-major.  Odd-numbered panels are upside down.  With 8x8 panels the
// result is a pixel ordering like this:
//
//	0 8 ... 56 | 127 .. .. | 128 ...
//	1 . ... .. | 126 .. .. | ...
//	2 . ... .. | ... .. .. |
//	3 . ... .. | ... .. .. |
//	4 . ... .. | ... .. .. |
//	5 . ... .. | ... .. .. |
//	6 . ... .. | ... .. 65 |
//	7 . ... 63 | ... .. 64 |
//
// The wiring cannot supply full brightness with every pixel on, so frames are scaled down to stay
// under a fixed power budget.
type Strip struct {
	leds       *apa102.Dev
	rows, cols int // of one panel
	panels     int
	on         color.Color
}

// NewStrip returns a Strip for the geometry in cfg, drawing lit pixels in c.  If p is nil, frames
// are converted but not written anywhere.
func NewStrip(p spi.Port, cfg config.Config, c color.Color) (*Strip, error) {
	s := &Strip{
		rows:   cfg.PanelHeight,
		cols:   cfg.PanelWidth,
		panels: cfg.PanelChain,
		on:     c,
	}
	if p == nil {
		return s, nil
	}
	opts := &apa102.Opts{
		NumPixels:        s.rows * s.cols * s.panels,
		Intensity:        cfg.Brightness,
		Temperature:      apa102.NeutralTemp,
		DisableGlobalPWM: true,
	}
	leds, err := apa102.New(p, opts)
	if err != nil {
		return nil, fmt.Errorf("init apa102: %w", err)
	}
	s.leds = leds
	return s, nil
}

// Lines implements scan.Driver.  The strand latches the whole frame at once.
func (s *Strip) Lines() int { return 1 }

// ShowLine implements scan.Driver.
func (s *Strip) ShowLine(f *pixbuf.Frame, line int) error {
	if f.Cols != s.cols*s.panels || f.Rows != s.rows {
		return fmt.Errorf("frame is %dx%d, strip is %dx%d", f.Cols, f.Rows, s.cols*s.panels, s.rows)
	}
	return s.write(s.toStrip(f))
}

// Blank implements scan.Driver.
func (s *Strip) Blank() error {
	if err := s.write(make([]color.NRGBA, s.rows*s.cols*s.panels)); err != nil {
		return fmt.Errorf("blank display: %w", err)
	}
	return nil
}

func (s *Strip) write(pixels []color.NRGBA) error {
	if s.leds == nil {
		return nil
	}
	if _, err := s.leds.Write(apa102.ToRGB(pixels)); err != nil {
		return fmt.Errorf("write to apa102 strand: %w", err)
	}
	return nil
}

// indexOf maps an (x,y) coordinate to the strand index.
func (s *Strip) indexOf(x, y int) int {
	panel := x / s.cols
	pix := x*s.rows + y
	if panel%2 == 0 {
		return pix
	}
	return (panel+1)*s.rows*s.cols - 1 - pix%(s.rows*s.cols)
}

// powerFor returns the number of watts that displaying color c on one pixel will use, neglecting the
// full-off current.
func powerFor(c color.Color) float64 {
	// The datasheet says we'll use a maximum of 60mA per pixel, so we assume that displaying
	// the brighest red + blue + green is what causes that to happen.
	r, g, b, _ := c.RGBA()
	return .02 * 5 * (float64(r)/0xffff + float64(g)/0xffff + float64(b)/0xffff)
}

func gamma(c uint32) uint8 {
	u := float64(c) / 0xffff
	return uint8(255 * math.Pow((u+0.055)/(1.055), 2.4))
}

// toStrip converts a frame to the colors to send to the strand, scaling every lit pixel down by a
// constant factor if the frame would exceed the power budget.
func (s *Strip) toStrip(f *pixbuf.Frame) []color.NRGBA {
	result := make([]color.NRGBA, s.rows*s.cols*s.panels)
	lit := 0
	for y := 0; y < f.Rows; y++ {
		for x := 0; x < f.Cols; x++ {
			if f.At(x, y) {
				lit++
			}
		}
	}
	power := float64(lit) * powerFor(s.on)
	scale := float64(1)
	if power > powerLimit {
		scale = powerLimit / power
	}
	powerMetric.Set(scale*power + idleWattsPerPixel*float64(len(result)))

	r, g, b, _ := s.on.RGBA()
	on := color.NRGBA{
		R: gamma(uint32(scale * float64(r))),
		G: gamma(uint32(scale * float64(g))),
		B: gamma(uint32(scale * float64(b))),
		A: 0xff,
	}
	for y := 0; y < f.Rows; y++ {
		for x := 0; x < f.Cols; x++ {
			if f.At(x, y) {
				result[s.indexOf(x, y)] = on
			}
		}
	}
	return result
}

// Preview renders the pixel buffer as an enlarged image, like the panel looks from across the room.
type Preview struct {
	buf *pixbuf.Buffer
	on  color.Color
}

// NewPreview returns a preview of buf with lit pixels drawn in c.
func NewPreview(buf *pixbuf.Buffer, c color.Color) *Preview {
	return &Preview{buf: buf, on: c}
}

// Image returns the current preview image.
func (p *Preview) Image() *image.RGBA {
	var f pixbuf.Frame
	p.buf.Snapshot(&f)
	scale := previewScale + previewPixelBorder
	img := image.NewRGBA(image.Rect(0, 0, f.Cols*scale, f.Rows*scale))
	off := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	for y := 0; y < f.Rows; y++ {
		for x := 0; x < f.Cols; x++ {
			c := color.Color(off)
			if f.At(x, y) {
				c = p.on
			}
			for destX := scale * x; destX < scale*(x+1)-previewPixelBorder; destX++ {
				for destY := scale * y; destY < scale*(y+1)-previewPixelBorder; destY++ {
					img.Set(destX, destY, c)
				}
			}
		}
	}
	return img
}

// ServeHTTP serves the current image as a PNG.
func (p *Preview) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, p.Image()); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
