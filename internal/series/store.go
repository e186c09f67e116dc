// Package series keeps the bounded per-protocol sample buffers that back
// the live chart.
package series

import (
	"time"

	"github.com/saveenergy/egresswatch/pkg/errors"
	"github.com/saveenergy/egresswatch/pkg/types"
)

const DefaultMaxPoints = 1000

// Store holds one Series per protocol. It is not safe for concurrent
// use; callers serialize access.
type Store struct {
	series    map[types.Protocol]*Series
	maxPoints int
	policy    StridePolicy

	decimations int
}

func NewStore(maxPoints int, policy StridePolicy) *Store {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	s := &Store{
		series:    make(map[types.Protocol]*Series, len(types.Protocols())),
		maxPoints: maxPoints,
		policy:    policy,
	}
	for _, p := range types.Protocols() {
		s.series[p] = &Series{Protocol: p}
	}
	return s
}

func (s *Store) MaxPoints() int { return s.maxPoints }

func (s *Store) Policy() StridePolicy { return s.policy }

// Decimations counts synchronized decimation passes since creation.
func (s *Store) Decimations() int { return s.decimations }

// Ingest appends one classified sample to the protocol's series. When
// that series outgrows maxPoints every series is decimated in the same
// pass so the datasets keep a common index cadence.
func (s *Store) Ingest(p types.Protocol, timestamp time.Time, success bool, responseTimeMs float64) (Sample, error) {
	target, ok := s.series[p]
	if !ok {
		return Sample{}, errors.ErrUnknownProtocol(string(p))
	}

	sample := NewSample(timestamp, success, responseTimeMs)
	target.Points = append(target.Points, sample)

	if len(target.Points) > s.maxPoints {
		s.decimateAll()
	}
	return sample, nil
}

func (s *Store) decimateAll() {
	changed := false
	for _, ser := range s.series {
		kept := Decimate(ser.Points, s.maxPoints, s.policy)
		if len(kept) != len(ser.Points) {
			ser.Points = kept
			changed = true
		}
	}
	if changed {
		s.decimations++
	}
}

func (s *Store) Len(p types.Protocol) int {
	ser, ok := s.series[p]
	if !ok {
		return 0
	}
	return len(ser.Points)
}

// Points returns a copy of the protocol's samples.
func (s *Store) Points(p types.Protocol) []Sample {
	ser, ok := s.series[p]
	if !ok {
		return nil
	}
	return append([]Sample(nil), ser.Points...)
}

// Snapshot copies every series.
func (s *Store) Snapshot() []Series {
	out := make([]Series, 0, len(s.series))
	for _, p := range types.Protocols() {
		out = append(out, Series{Protocol: p, Points: s.Points(p)})
	}
	return out
}

// Reset drops all samples but keeps the five series.
func (s *Store) Reset() {
	for _, ser := range s.series {
		ser.Points = nil
	}
	s.decimations = 0
}
