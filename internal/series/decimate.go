package series

import (
	"fmt"
	"strings"
)

// StridePolicy selects how the decimation stride is derived from the
// buffer length.
type StridePolicy int

const (
	// StrideCeil uses ceil(len/max) and always leaves at most max points.
	StrideCeil StridePolicy = iota
	// StrideFloor uses floor(len/max), the stride of the first dashboard
	// release. A buffer may hold up to 2*max-1 points before the stride
	// reaches 2.
	StrideFloor
)

func (p StridePolicy) String() string {
	switch p {
	case StrideCeil:
		return "strict"
	case StrideFloor:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParseStridePolicy accepts "strict" (or "", "ceil") and "legacy" (or
// "floor"). Names are case-insensitive.
func ParseStridePolicy(s string) (StridePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict", "ceil":
		return StrideCeil, nil
	case "legacy", "floor":
		return StrideFloor, nil
	}
	return 0, fmt.Errorf("unknown decimation policy %q", s)
}

// Stride returns the sampling factor for a buffer of length n. It is 1
// when no reduction is needed.
func Stride(n, maxPoints int, policy StridePolicy) int {
	if maxPoints <= 0 || n <= maxPoints {
		return 1
	}
	factor := n / maxPoints
	if policy == StrideCeil && n%maxPoints != 0 {
		factor++
	}
	if factor < 1 {
		factor = 1
	}
	return factor
}

// Decimate keeps the points at indices 0, f, 2f, ... where f is the
// stride. The input is not modified.
func Decimate(points []Sample, maxPoints int, policy StridePolicy) []Sample {
	factor := Stride(len(points), maxPoints, policy)
	if factor == 1 {
		return points
	}
	kept := make([]Sample, 0, (len(points)+factor-1)/factor)
	for i := 0; i < len(points); i += factor {
		kept = append(kept, points[i])
	}
	return kept
}
