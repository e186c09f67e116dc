// Package render turns the live buffers into the chart and outage-log
// structures consumed by the dashboard.
package render

import (
	"fmt"
	"time"

	"github.com/saveenergy/egresswatch/internal/outage"
	"github.com/saveenergy/egresswatch/internal/series"
	"github.com/saveenergy/egresswatch/pkg/types"
)

const (
	FailureColor  = "red"
	SuccessRadius = 3
	FailureRadius = 5
)

var borderColors = map[types.Protocol]string{
	types.ProtocolICMP:  "red",
	types.ProtocolTCP:   "blue",
	types.ProtocolUDP:   "green",
	types.ProtocolHTTP:  "purple",
	types.ProtocolHTTPS: "orange",
}

// BorderColor is the line color of a protocol's dataset.
func BorderColor(p types.Protocol) string {
	if c, ok := borderColors[p]; ok {
		return c
	}
	return "gray"
}

type Point struct {
	X int64   `json:"x"` // unix milliseconds
	Y float64 `json:"y"`
}

type Dataset struct {
	Label       string   `json:"label"`
	BorderColor string   `json:"border_color"`
	Points      []Point  `json:"points"`
	PointColors []string `json:"point_colors"`
	PointRadii  []int    `json:"point_radii"`
}

type OutageLine struct {
	Protocol string    `json:"protocol"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Line     string    `json:"line"`
}

type Snapshot struct {
	Datasets    []Dataset    `json:"datasets"`
	Outages     []OutageLine `json:"outages"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Options controls instant formatting in outage lines.
type Options struct {
	Layout   string
	Location *time.Location
}

// Build assembles a Snapshot from copies of the store and tracker state.
func Build(all []series.Series, open []outage.Interval, now time.Time, opts Options) Snapshot {
	snap := Snapshot{
		Datasets:    make([]Dataset, 0, len(all)),
		Outages:     Outages(open, opts),
		GeneratedAt: now,
	}
	for _, s := range all {
		snap.Datasets = append(snap.Datasets, BuildDataset(s))
	}
	return snap
}

// BuildDataset converts one series. Marker styling depends only on the
// sample's outcome.
func BuildDataset(s series.Series) Dataset {
	border := BorderColor(s.Protocol)
	ds := Dataset{
		Label:       string(s.Protocol),
		BorderColor: border,
		Points:      make([]Point, len(s.Points)),
		PointColors: make([]string, len(s.Points)),
		PointRadii:  make([]int, len(s.Points)),
	}
	for i, sample := range s.Points {
		ds.Points[i] = Point{X: sample.Timestamp.UnixMilli(), Y: sample.Value()}
		if sample.Success() {
			ds.PointColors[i] = border
			ds.PointRadii[i] = SuccessRadius
		} else {
			ds.PointColors[i] = FailureColor
			ds.PointRadii[i] = FailureRadius
		}
	}
	return ds
}

func Outages(open []outage.Interval, opts Options) []OutageLine {
	lines := make([]OutageLine, 0, len(open))
	for _, iv := range open {
		lines = append(lines, OutageLine{
			Protocol: string(iv.Protocol),
			Start:    iv.Start,
			End:      iv.End,
			Line:     iv.Line(opts.Layout, opts.Location),
		})
	}
	return lines
}

// Label is the tooltip text of a sample.
func Label(s series.Sample) string {
	if !s.Success() {
		return "FAIL"
	}
	return fmt.Sprintf("%.2f ms", s.Value())
}
