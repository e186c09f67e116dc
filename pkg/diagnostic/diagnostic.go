// Package diagnostic interprets per-protocol probe summaries into
// human/agent-readable grades, ratings and concerns.
package diagnostic

import (
	"fmt"
	"strings"
)

// Interpretation holds the semantic reading of an egress session.
type Interpretation struct {
	Grade     string            `json:"grade"`
	Summary   string            `json:"summary"`
	Ratings   map[string]Rating `json:"ratings"`
	Reachable []string          `json:"reachable"`
	Concerns  []string          `json:"concerns"`
}

type Rating struct {
	Availability string `json:"availability"`
	Latency      string `json:"latency"`
}

// Params are the raw figures for one protocol.
type Params struct {
	Protocol            string
	Samples             int64
	AvailabilityPercent float64
	P95Ms               float64
	Degraded            bool
}

// Interpret grades a session from its per-protocol figures.
func Interpret(all []Params) *Interpretation {
	interp := &Interpretation{
		Ratings:   make(map[string]Rating, len(all)),
		Reachable: []string{},
		Concerns:  []string{},
	}

	score, rated := 0, 0
	worstP95, worstProto := 0.0, ""
	for _, p := range all {
		r := Rating{
			Availability: rateAvailability(p),
			Latency:      rateLatency(p.P95Ms),
		}
		interp.Ratings[p.Protocol] = r
		if p.Samples == 0 {
			continue
		}
		rated++
		score += ratingScore[r.Availability] + ratingScore[r.Latency]
		if !p.Degraded {
			interp.Reachable = append(interp.Reachable, p.Protocol)
		}
		if p.P95Ms > worstP95 {
			worstP95, worstProto = p.P95Ms, p.Protocol
		}
		interp.Concerns = append(interp.Concerns, concerns(p)...)
	}

	interp.Grade = computeGrade(score, rated)
	interp.Summary = buildSummary(interp.Grade, len(interp.Reachable), rated, worstP95, worstProto)
	return interp
}

func rateAvailability(p Params) string {
	switch {
	case p.Samples == 0:
		return "unknown"
	case p.AvailabilityPercent >= 99.9:
		return "excellent"
	case p.AvailabilityPercent >= 99:
		return "good"
	case p.AvailabilityPercent >= 95:
		return "fair"
	default:
		return "poor"
	}
}

func rateLatency(ms float64) string {
	switch {
	case ms <= 0:
		return "unknown"
	case ms <= 20:
		return "excellent"
	case ms <= 50:
		return "good"
	case ms <= 100:
		return "fair"
	default:
		return "poor"
	}
}

func concerns(p Params) []string {
	name := strings.ToLower(p.Protocol)
	c := []string{}
	if p.Degraded {
		c = append(c, name+"_no_response")
	}
	if p.AvailabilityPercent < 99 {
		c = append(c, name+"_failures")
	}
	if p.P95Ms > 200 {
		c = append(c, name+"_high_latency")
	}
	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"good":      3,
	"fair":      2,
	"poor":      0,
	"unknown":   2, // neutral default
}

func computeGrade(score, rated int) string {
	if rated == 0 {
		return "-"
	}
	// Max score = 8 per rated protocol
	avg := float64(score) / float64(rated)
	switch {
	case avg >= 7.5:
		return "A"
	case avg >= 6:
		return "B"
	case avg >= 4:
		return "C"
	case avg >= 2:
		return "D"
	default:
		return "F"
	}
}

func buildSummary(grade string, reachable, rated int, worstP95 float64, worstProto string) string {
	gradeDesc := map[string]string{
		"A": "Excellent",
		"B": "Good",
		"C": "Fair",
		"D": "Poor",
		"F": "Very poor",
	}
	if rated == 0 {
		return "No probe results yet"
	}
	summary := fmt.Sprintf("%s egress: %d/%d protocols responding", gradeDesc[grade], reachable, rated)
	if worstProto != "" {
		summary += fmt.Sprintf(", worst p95 %.0fms (%s)", worstP95, worstProto)
	}
	return summary
}
