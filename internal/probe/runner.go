package probe

import (
	"context"
	"sync"
	"time"

	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/pkg/types"
)

// Publisher receives every probe result. The feed hub and the in-process
// stream client both satisfy it.
type Publisher interface {
	Publish(p types.Protocol, ev types.ProbeEvent) error
}

type Runner struct {
	checkers  []Checker
	publisher Publisher
	interval  time.Duration
	collector *metrics.Collector
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Runner)

func WithCollector(collector *metrics.Collector) Option {
	return func(r *Runner) {
		r.collector = collector
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(checkers []Checker, publisher Publisher, interval time.Duration, opts ...Option) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	r := &Runner{
		checkers:  checkers,
		publisher: publisher,
		interval:  interval,
		logger:    logging.NewLogger("probe"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run probes with every checker concurrently, each once per interval,
// until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range r.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			r.loop(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, c Checker) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.ProbeOnce(ctx, c)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce runs c and publishes its result stamped with the completion
// time.
func (r *Runner) ProbeOnce(ctx context.Context, c Checker) {
	res := c.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	p := c.Protocol()
	ev := types.NewProbeEvent(r.now(), res.Success, res.ResponseTimeMs)

	if res.Success {
		r.logger.Debug("Probe succeeded",
			logging.Field{Key: "protocol", Value: p},
			logging.Field{Key: "response_time_ms", Value: res.ResponseTimeMs})
	} else {
		r.logger.Debug("Probe failed",
			logging.Field{Key: "protocol", Value: p},
			logging.Field{Key: "error", Value: res.Err})
	}
	if r.collector != nil {
		r.collector.ProbeEmitted(p, res.Success)
	}
	if err := r.publisher.Publish(p, ev); err != nil {
		r.logger.Warn("Probe result not published",
			logging.Field{Key: "protocol", Value: p},
			logging.Field{Key: "error", Value: err})
	}
}
