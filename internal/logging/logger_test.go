package logging_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/saveenergy/egresswatch/internal/logging"
)

type testStringer struct{}

func (testStringer) String() string {
	return "stringer-value"
}

func TestFormatValueTypes(t *testing.T) {
	now := time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{name: "string", input: "hello", want: "hello"},
		{name: "bool", input: true, want: "true"},
		{name: "int", input: 42, want: "42"},
		{name: "int64", input: int64(-7), want: "-7"},
		{name: "uint", input: uint(9), want: "9"},
		{name: "float32", input: float32(1.5), want: "1.50"},
		{name: "float64", input: 2.25, want: "2.25"},
		{name: "duration", input: 1500 * time.Millisecond, want: "1.5s"},
		{name: "time", input: now, want: now.Format(time.RFC3339Nano)},
		{name: "stringer", input: testStringer{}, want: "stringer-value"},
		{name: "error", input: errors.New("boom"), want: "boom"},
		{name: "nil", input: nil, want: "<nil>"},
		{name: "fallback", input: []int{1, 2}, want: fmt.Sprintf("%v", []int{1, 2})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := logging.FormatValue(tt.input); got != tt.want {
				t.Fatalf("FormatValue got=%q want=%q", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]logging.Level{
		"debug":   logging.LevelDebug,
		"DEBUG":   logging.LevelDebug,
		"info":    logging.LevelInfo,
		"warning": logging.LevelWarn,
		"error":   logging.LevelError,
		"":        logging.LevelInfo,
		"verbose": logging.LevelInfo,
	}
	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, "test", logging.LevelWarn)

	l.Info("hidden")
	l.Warn("shown", logging.F("protocol", "ICMP"), logging.Err(errors.New("no reply")))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	want := "[test] [WARN] shown protocol=ICMP error=no reply"
	if !strings.Contains(out, want) {
		t.Fatalf("output = %q, want it to contain %q", out, want)
	}
}
