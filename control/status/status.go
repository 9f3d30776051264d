// Package status serves a page describing what the clock is doing.
package status

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"html/template"
	"image"
	"image/png"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/jrockway/tetris-clock/control/animation"
	"github.com/jrockway/tetris-clock/control/digits"
	"github.com/jrockway/tetris-clock/control/fault"
	"github.com/jrockway/tetris-clock/control/journal"
	"github.com/jrockway/tetris-clock/control/screen"
	"github.com/jrockway/tetris-clock/control/timesource"
)

var (
	//go:embed index.html.tmpl
	indexHTML string
	funcMap   = template.FuncMap{
		"hex":        formatHex,
		"unixtime":   formatUnixTime,
		"refid":      formatRefID,
		"duration":   formatDuration,
		"float3":     formatFloat3,
		"leap":       formatLeap,
		"correction": formatCorrection,
		"freq":       formatFreq,
		"image":      formatImage,
	}
	index = template.Must(template.New("index").Funcs(funcMap).Parse(indexHTML))
)

// Status is everything shown on the page.
type Status struct {
	Device    string
	Boot      string
	Now       time.Time
	Synced    bool
	LastSync  time.Time
	Glyphs    digits.Glyphs
	ClockFace *image.RGBA
	Health    fault.Status
	Slots     []animation.SlotState
	Tracking  chrony.ReplyTracking
	Events    []journal.Event
}

// Page collects the status from the running components.  Any of them may be nil.
type Page struct {
	Device     string
	TwelveHour bool
	Source     *timesource.Source
	Supervisor *fault.Supervisor
	Scheduler  *animation.Scheduler
	Preview    *screen.Preview
	Journal    *journal.DB

	mu       sync.RWMutex
	tracking chrony.ReplyTracking // must hold mu to read or write.
}

// UpdateTracking records the latest tracking report from chronyd.
func (p *Page) UpdateTracking(t chrony.ReplyTracking) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracking = t
}

// Status gathers the current status.
func (p *Page) Status(ctx context.Context) Status {
	st := Status{Device: p.Device, Now: time.Now()}
	p.mu.RLock()
	st.Tracking = p.tracking
	p.mu.RUnlock()

	if p.Source != nil {
		st.Now, st.Synced = p.Source.Time()
		st.LastSync = p.Source.LastSync()
		st.Glyphs = digits.Render(digits.FromTime(st.Now, st.Synced), p.TwelveHour)
	}
	if p.Supervisor != nil {
		st.Health = p.Supervisor.Status()
	}
	if p.Scheduler != nil {
		st.Slots = p.Scheduler.States()
	}
	if p.Preview != nil {
		st.ClockFace = p.Preview.Image()
	}
	if p.Journal != nil {
		st.Boot = p.Journal.Boot().String()
		events, err := p.Journal.Recent(ctx, 20)
		if err != nil {
			log.Printf("read journal: %v", err)
		}
		st.Events = events
	}
	return st
}

// ServeHTTP renders the status page.
func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := p.Status(r.Context())
	buf := new(bytes.Buffer)
	if err := index.Execute(buf, st); err != nil {
		log.Printf("execute template: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func formatHex(x interface{}) string { return fmt.Sprintf("%x", x) }

func formatUnixTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.In(time.UTC).Format(time.UnixDate)
}

// refID turns a chrony reference id into a name.  Reference clocks have ids made of ASCII letters,
// like "GPS" or "PPS"; everything else is an address.
func refID(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		last := len(v4)
		for i, b := range v4 {
			if b == 0 && i > 0 {
				last = i
				break
			}
			if b < '0' || b > 'z' {
				last = 0
				break
			}
		}
		if last > 0 {
			return string(v4[0:last])
		}
	}
	return ip.String()
}

func formatRefID(x uint32) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, x)
	return refID(ip)
}

func formatDuration(x float64) string {
	d := time.Duration(x * 1e9)
	return d.String()
}

func formatLeap(x uint16) string {
	// From chrony/client.c and chrony/ntp.h
	switch x {
	case 0:
		return "Normal"
	case 1:
		return "Insert second"
	case 2:
		return "Delete second"
	case timesource.LeapUnsynchronized:
		return "Unsynchronized"
	default:
		return fmt.Sprintf("Invalid (%v)", x)
	}
}

func formatCorrection(x float64) string {
	var fast string
	if x < 0 {
		x = -x
		fast = "fast"
	} else {
		fast = "slow"
	}
	return fmt.Sprintf("%s %s of NTP time", time.Duration(x*1e9).String(), fast)
}

func formatFreq(x float64) string {
	var fast string
	if x < 0 {
		x = -x
		fast = "slow"
	} else {
		fast = "fast"
	}
	return fmt.Sprintf("%.3f ppm %s", x, fast)
}

func formatImage(src *image.RGBA) template.URL {
	if src == nil {
		src = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, src); err != nil {
		log.Printf("problem encoding image: %v", err)
		return template.URL("data:text/plain,error")
	}
	return template.URL("data:image/png;base64," + base64.RawStdEncoding.EncodeToString(buf.Bytes()))
}

func formatFloat3(x float64) string { return fmt.Sprintf("%.3f", x) }
