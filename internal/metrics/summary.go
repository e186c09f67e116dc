package metrics

import (
	"time"

	"github.com/influxdata/tdigest"

	"github.com/saveenergy/egresswatch/pkg/types"
)

const digestCompression = 100

// ProtocolSummary is the session view of one protocol's probes.
type ProtocolSummary struct {
	Protocol            string    `json:"protocol"`
	State               string    `json:"state"`
	Samples             int64     `json:"samples"`
	Failures            int64     `json:"failures"`
	AvailabilityPercent float64   `json:"availability_percent"`
	RetainedPoints      int       `json:"retained_points"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
	P50Ms               float64   `json:"p50_ms"`
	P95Ms               float64   `json:"p95_ms"`
	P99Ms               float64   `json:"p99_ms"`
}

type protocolStats struct {
	samples  int64
	failures int64
	lastSeen time.Time
	digest   *tdigest.TDigest
}

// LatencySummary accumulates per-protocol counts and response-time
// quantiles for the lifetime of the process. Memory is bounded by the
// digest compression. Not safe for concurrent use.
type LatencySummary struct {
	stats map[types.Protocol]*protocolStats
}

func NewLatencySummary() *LatencySummary {
	s := &LatencySummary{stats: make(map[types.Protocol]*protocolStats)}
	s.Reset()
	return s
}

func (s *LatencySummary) Reset() {
	for _, p := range types.Protocols() {
		s.stats[p] = &protocolStats{digest: tdigest.NewWithCompression(digestCompression)}
	}
}

func (s *LatencySummary) Observe(p types.Protocol, at time.Time, success bool, responseTimeMs float64) {
	st, ok := s.stats[p]
	if !ok {
		return
	}
	st.samples++
	if at.After(st.lastSeen) {
		st.lastSeen = at
	}
	if !success {
		st.failures++
		return
	}
	st.digest.Add(responseTimeMs, 1)
}

// Summary reports p; state and retained points are supplied by the caller
// since they live in the outage tracker and series store.
func (s *LatencySummary) Summary(p types.Protocol, state string, retained int) ProtocolSummary {
	out := ProtocolSummary{
		Protocol:       string(p),
		State:          state,
		RetainedPoints: retained,
	}
	st, ok := s.stats[p]
	if !ok {
		return out
	}
	out.Samples = st.samples
	out.Failures = st.failures
	out.LastSeen = st.lastSeen
	if st.samples > 0 {
		out.AvailabilityPercent = 100 * float64(st.samples-st.failures) / float64(st.samples)
	}
	if st.samples-st.failures > 0 {
		out.P50Ms = st.digest.Quantile(0.50)
		out.P95Ms = st.digest.Quantile(0.95)
		out.P99Ms = st.digest.Quantile(0.99)
	}
	return out
}
