package timesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
)

// LeapUnsynchronized is chronyd's leap status when the system clock is not synchronized.
const LeapUnsynchronized = 3

// ErrUnsynchronized means that chronyd is reachable but has not synchronized the system clock.
var ErrUnsynchronized = errors.New("chronyd reports the clock is not synchronized")

// Chrony trusts the system clock once chronyd says it is synchronized.
type Chrony struct {
	// Addr is chronyd's command port, usually localhost:323.
	Addr string
	// OnTracking, if set, is called with every tracking report received.
	OnTracking func(chrony.ReplyTracking)

	now func() time.Time
}

// NewChrony returns a Chrony service talking to addr.
func NewChrony(addr string, onTracking func(chrony.ReplyTracking)) *Chrony {
	return &Chrony{Addr: addr, OnTracking: onTracking, now: time.Now}
}

// Query implements Service.
func (c *Chrony) Query(ctx context.Context, loc *time.Location) (time.Time, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.Addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial chronyd: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return time.Time{}, fmt.Errorf("set deadline: %w", err)
		}
	}

	client := chrony.Client{Sequence: 1, Connection: conn}
	res, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return time.Time{}, fmt.Errorf("get tracking info: communicate: %w", err)
	}
	tracking, ok := res.(*chrony.ReplyTracking)
	if !ok {
		return time.Time{}, fmt.Errorf("tracking reply was of unexpected type %T", res)
	}
	return c.adopt(tracking, loc)
}

func (c *Chrony) adopt(tracking *chrony.ReplyTracking, loc *time.Location) (time.Time, error) {
	if c.OnTracking != nil {
		c.OnTracking(*tracking)
	}
	if tracking.LeapStatus == LeapUnsynchronized {
		return time.Time{}, fmt.Errorf("%w (ref id %x, stratum %d)", ErrUnsynchronized, tracking.RefID, tracking.Stratum)
	}
	return c.now().In(loc), nil
}
