package series

import (
	"time"

	"github.com/saveenergy/egresswatch/pkg/types"
)

// Result is the tagged outcome of a probe: Success or Failure.
type Result interface {
	isResult()
}

// Success carries the measured response time.
type Success struct {
	ResponseTimeMs float64
}

// Failure means no response was measured.
type Failure struct{}

func (Success) isResult() {}
func (Failure) isResult() {}

// Sample is one probe measurement. It is immutable once built.
type Sample struct {
	Timestamp time.Time
	Result    Result
}

// NewSample classifies a raw observation.
func NewSample(timestamp time.Time, success bool, responseTimeMs float64) Sample {
	if success {
		return Sample{Timestamp: timestamp, Result: Success{ResponseTimeMs: responseTimeMs}}
	}
	return Sample{Timestamp: timestamp, Result: Failure{}}
}

func (s Sample) Success() bool {
	_, ok := s.Result.(Success)
	return ok
}

// Value is the plotted y value: the response time, or 0 for a failure.
func (s Sample) Value() float64 {
	if succ, ok := s.Result.(Success); ok {
		return succ.ResponseTimeMs
	}
	return 0
}

// Series is the ordered sample buffer of one protocol.
type Series struct {
	Protocol types.Protocol
	Points   []Sample
}
