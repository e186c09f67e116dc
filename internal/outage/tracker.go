// Package outage tracks the currently open "no response" interval of each
// protocol.
package outage

import (
	"fmt"
	"time"

	"github.com/saveenergy/egresswatch/pkg/types"
)

// DisplayLayout renders instants as HH:mm:ss.
const DisplayLayout = "15:04:05"

// Interval is a contiguous run of failed probes for one protocol.
type Interval struct {
	Protocol types.Protocol
	Start    time.Time
	End      time.Time
}

// Duration is End - Start; a single failure has zero duration.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Line formats the interval for the outage log. An empty layout uses
// DisplayLayout; a nil loc keeps the instants' own location.
func (iv Interval) Line(layout string, loc *time.Location) string {
	if layout == "" {
		layout = DisplayLayout
	}
	start, end := iv.Start, iv.End
	if loc != nil {
		start, end = start.In(loc), end.In(loc)
	}
	return fmt.Sprintf("%s: No response from %s to %s", iv.Protocol, start.Format(layout), end.Format(layout))
}

type State int

const (
	Healthy State = iota
	Degraded
)

func (s State) String() string {
	if s == Degraded {
		return "degraded"
	}
	return "healthy"
}

// Transition reports what Record did.
type Transition int

const (
	Unchanged Transition = iota
	Opened
	Extended
	Closed
)

func (t Transition) String() string {
	switch t {
	case Opened:
		return "opened"
	case Extended:
		return "extended"
	case Closed:
		return "closed"
	default:
		return "unchanged"
	}
}

// Tracker holds at most one open interval per protocol. Closed intervals
// are not retained. It is not safe for concurrent use.
type Tracker struct {
	open map[types.Protocol]*Interval
}

func NewTracker() *Tracker {
	return &Tracker{open: make(map[types.Protocol]*Interval)}
}

// Record applies one classified sample. Timestamps must be non-decreasing
// per protocol; this is not checked. For a Closed transition the finished
// interval is returned.
func (t *Tracker) Record(p types.Protocol, timestamp time.Time, success bool) (Transition, Interval) {
	current, isOpen := t.open[p]
	switch {
	case !success && !isOpen:
		t.open[p] = &Interval{Protocol: p, Start: timestamp, End: timestamp}
		return Opened, *t.open[p]
	case !success:
		current.End = timestamp
		return Extended, *current
	case isOpen:
		delete(t.open, p)
		return Closed, *current
	default:
		return Unchanged, Interval{}
	}
}

func (t *Tracker) State(p types.Protocol) State {
	if _, ok := t.open[p]; ok {
		return Degraded
	}
	return Healthy
}

// Open returns a copy of the protocol's open interval.
func (t *Tracker) Open(p types.Protocol) (Interval, bool) {
	iv, ok := t.open[p]
	if !ok {
		return Interval{}, false
	}
	return *iv, true
}

// OpenIntervals lists open intervals in protocol display order.
func (t *Tracker) OpenIntervals() []Interval {
	out := make([]Interval, 0, len(t.open))
	for _, p := range types.Protocols() {
		if iv, ok := t.open[p]; ok {
			out = append(out, *iv)
		}
	}
	return out
}

func (t *Tracker) Len() int {
	return len(t.open)
}

func (t *Tracker) Reset() {
	t.open = make(map[types.Protocol]*Interval)
}
