package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Protocol identifies one of the five probed reachability checks.
type Protocol string

const (
	ProtocolICMP  Protocol = "ICMP"
	ProtocolTCP   Protocol = "TCP"
	ProtocolUDP   Protocol = "UDP"
	ProtocolHTTP  Protocol = "HTTP"
	ProtocolHTTPS Protocol = "HTTPS"
)

const eventSuffix = "_result"

// Protocols returns the fixed protocol set in display order.
func Protocols() []Protocol {
	return []Protocol{ProtocolICMP, ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS}
}

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolICMP, ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS:
		return true
	}
	return false
}

// Index is the position of p in Protocols, or -1.
func (p Protocol) Index() int {
	for i, known := range Protocols() {
		if known == p {
			return i
		}
	}
	return -1
}

// EventName is the feed channel carrying results for p, e.g. "icmp_result".
func (p Protocol) EventName() string {
	return strings.ToLower(string(p)) + eventSuffix
}

func (p Protocol) String() string {
	return string(p)
}

// ParseProtocol accepts a protocol name in any case.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown protocol %q", s)
	}
	return p, nil
}

// ProtocolForEvent maps a feed channel name back to its protocol.
func ProtocolForEvent(event string) (Protocol, error) {
	if !strings.HasSuffix(event, eventSuffix) {
		return "", fmt.Errorf("unknown event %q", event)
	}
	p, err := ParseProtocol(strings.TrimSuffix(event, eventSuffix))
	if err != nil {
		return "", fmt.Errorf("unknown event %q", event)
	}
	return p, nil
}

// ProbeEvent is the wire payload of one probe result. Pointer fields
// distinguish an absent field from its zero value.
type ProbeEvent struct {
	Timestamp    *float64 `json:"timestamp"`
	Success      *bool    `json:"success"`
	ResponseTime *float64 `json:"response_time"`
}

// NewProbeEvent builds a complete payload. responseTimeMs is dropped
// (sent as null) for failures.
func NewProbeEvent(at time.Time, success bool, responseTimeMs float64) ProbeEvent {
	ts := float64(at.UnixNano()) / float64(time.Second)
	ev := ProbeEvent{Timestamp: &ts, Success: &success}
	if success {
		rt := responseTimeMs
		ev.ResponseTime = &rt
	}
	return ev
}

// Envelope frames a ProbeEvent on the feed websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope wraps ev for protocol p.
func NewEnvelope(p Protocol, ev ProbeEvent) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: p.EventName(), Data: data}, nil
}

// MaxTimestamp is the last accepted event time, 9999-12-31T23:59:59Z.
// Later instants overflow UnixSeconds and cannot be encoded as RFC 3339.
const MaxTimestamp = 253402300799

// Observation is a validated ProbeEvent.
type Observation struct {
	Protocol       Protocol
	Timestamp      time.Time
	Success        bool
	ResponseTimeMs float64
}

// Validate checks ev and converts it. The returned string names the
// offending field when ev is malformed.
func (ev ProbeEvent) Validate(p Protocol) (Observation, string, bool) {
	if ev.Timestamp == nil {
		return Observation{}, "missing timestamp", false
	}
	ts := *ev.Timestamp
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 || ts > MaxTimestamp {
		return Observation{}, "invalid timestamp", false
	}
	if ev.Success == nil {
		return Observation{}, "missing success", false
	}
	obs := Observation{
		Protocol:  p,
		Timestamp: UnixSeconds(ts),
		Success:   *ev.Success,
	}
	if obs.Success {
		if ev.ResponseTime == nil {
			return Observation{}, "missing response_time", false
		}
		rt := *ev.ResponseTime
		if math.IsNaN(rt) || math.IsInf(rt, 0) || rt < 0 {
			return Observation{}, "invalid response_time", false
		}
		obs.ResponseTimeMs = rt
	}
	return obs, "", true
}

// UnixSeconds converts fractional unix seconds to a time.Time.
func UnixSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}
