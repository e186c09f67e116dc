package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/internal/outage"
	"github.com/saveenergy/egresswatch/internal/render"
	"github.com/saveenergy/egresswatch/internal/series"
	"github.com/saveenergy/egresswatch/pkg/errors"
	"github.com/saveenergy/egresswatch/pkg/types"
)

const (
	RejectMalformed       = "malformed_event"
	RejectUnknownProtocol = "unknown_protocol"
)

type Options struct {
	MaxPoints         int
	Policy            series.StridePolicy
	Location          *time.Location
	BroadcastInterval time.Duration
	Collector         *metrics.Collector
	Logger            *logging.Logger
}

// Manager owns the series store, the outage tracker and the session
// summary. Frames from the client are applied one at a time by a single
// goroutine; readers get copies under a read lock.
type Manager struct {
	client    Client
	store     *series.Store
	tracker   *outage.Tracker
	summary   *metrics.LatencySummary
	collector *metrics.Collector
	logger    *logging.Logger
	render    render.Options

	updateCh          chan render.Snapshot
	broadcastInterval time.Duration
	version           uint64
	stopCh            chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
	mu                sync.RWMutex
}

// NewManager wires a manager to client. A nil Collector is replaced by
// one registered on a private registry.
func NewManager(client Client, opts Options) *Manager {
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = series.DefaultMaxPoints
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = 1 * time.Second
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("stream")
	}
	return &Manager{
		client:            client,
		store:             series.NewStore(opts.MaxPoints, opts.Policy),
		tracker:           outage.NewTracker(),
		summary:           metrics.NewLatencySummary(),
		collector:         opts.Collector,
		logger:            opts.Logger,
		render:            render.Options{Layout: outage.DisplayLayout, Location: opts.Location},
		updateCh:          make(chan render.Snapshot, 16),
		broadcastInterval: opts.BroadcastInterval,
		stopCh:            make(chan struct{}),
	}
}

// Updates delivers a fresh snapshot at most once per broadcast interval,
// and only after state changed. Slow readers miss snapshots.
func (m *Manager) Updates() <-chan render.Snapshot {
	return m.updateCh
}

// Start connects the client and begins consuming its frames.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Connect(ctx); err != nil {
		return errors.ErrConnectionFailed("connect stream client", err)
	}
	m.wg.Add(2)
	go m.consume(m.client.Events())
	go m.broadcastSnapshots()
	return nil
}

// Stop detaches the client from all protocol channels and waits for the
// consumer to exit. Buffered state is kept.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if err := m.client.Disconnect(); err != nil {
			m.logger.Warn("Stream client disconnect failed", logging.Err(err))
		}
		m.wg.Wait()
		close(m.updateCh)
	})
}

func (m *Manager) consume(events <-chan []byte) {
	defer m.wg.Done()
	for {
		select {
		case frame, ok := <-events:
			if !ok {
				return
			}
			_ = m.HandleFrame(frame)
		case <-m.stopCh:
			return
		}
	}
}

// HandleFrame decodes one feed envelope and ingests it. Malformed and
// unknown events are logged, counted and returned; they never reach the
// store.
func (m *Manager) HandleFrame(frame []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return m.reject(errors.ErrMalformedEvent("", "undecodable envelope", err))
	}
	p, err := types.ProtocolForEvent(env.Event)
	if err != nil {
		m.collector.EventRejected(RejectUnknownProtocol)
		m.logger.Error("Unknown probe event",
			logging.Field{Key: "event", Value: env.Event})
		return errors.ErrUnknownProtocol(env.Event)
	}
	if len(env.Data) == 0 {
		return m.reject(errors.ErrMalformedEvent(p.String(), "missing data", nil))
	}
	var ev types.ProbeEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return m.reject(errors.ErrMalformedEvent(p.String(), "undecodable data", err))
	}
	obs, reason, ok := ev.Validate(p)
	if !ok {
		return m.reject(errors.ErrMalformedEvent(p.String(), reason, nil))
	}
	return m.Ingest(obs)
}

func (m *Manager) reject(err *errors.EventError) error {
	m.collector.EventRejected(RejectMalformed)
	m.logger.Warn("Dropped malformed probe event",
		logging.Field{Key: "protocol", Value: err.Protocol},
		logging.Field{Key: "reason", Value: err.Message},
		logging.Field{Key: "error", Value: err.Cause})
	return err
}

// Ingest applies one validated observation to the store, the tracker
// and the summary as a single step.
func (m *Manager) Ingest(obs types.Observation) error {
	m.mu.Lock()
	before := m.store.Decimations()
	sample, err := m.store.Ingest(obs.Protocol, obs.Timestamp, obs.Success, obs.ResponseTimeMs)
	if err != nil {
		m.mu.Unlock()
		m.collector.EventRejected(RejectUnknownProtocol)
		m.logger.Error("Probe result for unknown protocol",
			logging.Field{Key: "protocol", Value: obs.Protocol})
		return err
	}
	transition, interval := m.tracker.Record(obs.Protocol, obs.Timestamp, obs.Success)
	m.summary.Observe(obs.Protocol, obs.Timestamp, obs.Success, obs.ResponseTimeMs)
	passes := m.store.Decimations() - before
	lengths := make(map[types.Protocol]int, len(types.Protocols()))
	for _, p := range types.Protocols() {
		lengths[p] = m.store.Len(p)
	}
	open := m.tracker.Len()
	m.version++
	m.mu.Unlock()

	m.collector.SampleIngested(obs.Protocol, sample.Success(), obs.ResponseTimeMs)
	if passes > 0 {
		m.collector.Decimated(passes)
		m.logger.Debug("Series decimated",
			logging.Field{Key: "trigger", Value: obs.Protocol},
			logging.Field{Key: "length", Value: lengths[obs.Protocol]})
	}
	for p, n := range lengths {
		m.collector.SetSeriesPoints(p, n)
	}
	m.collector.SetOpenOutages(open)

	if transition != outage.Unchanged {
		m.collector.OutageTransition(obs.Protocol, transition.String())
	}
	switch transition {
	case outage.Opened:
		m.logger.Warn("No response",
			logging.Field{Key: "protocol", Value: obs.Protocol},
			logging.Field{Key: "since", Value: interval.Start})
	case outage.Closed:
		m.logger.Info("Response restored",
			logging.Field{Key: "protocol", Value: obs.Protocol},
			logging.Field{Key: "outage", Value: interval.Duration()})
	}
	return nil
}

// Version increases with every ingested sample.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Manager) Series() []series.Series {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Snapshot()
}

func (m *Manager) Points(p types.Protocol) []series.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Points(p)
}

func (m *Manager) OpenIntervals() []outage.Interval {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.OpenIntervals()
}

func (m *Manager) Outages() []render.OutageLine {
	return render.Outages(m.OpenIntervals(), m.render)
}

func (m *Manager) Snapshot() render.Snapshot {
	m.mu.RLock()
	all := m.store.Snapshot()
	open := m.tracker.OpenIntervals()
	m.mu.RUnlock()
	return render.Build(all, open, time.Now(), m.render)
}

func (m *Manager) Summary() []metrics.ProtocolSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]metrics.ProtocolSummary, 0, len(types.Protocols()))
	for _, p := range types.Protocols() {
		out = append(out, m.summary.Summary(p, m.tracker.State(p).String(), m.store.Len(p)))
	}
	return out
}

// Reset clears buffers, intervals and the session summary.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.store.Reset()
	m.tracker.Reset()
	m.summary.Reset()
	m.version++
	m.mu.Unlock()

	for _, p := range types.Protocols() {
		m.collector.SetSeriesPoints(p, 0)
	}
	m.collector.SetOpenOutages(0)
}

func (m *Manager) broadcastSnapshots() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.broadcastInterval)
	defer ticker.Stop()

	var sent uint64
	for {
		select {
		case <-ticker.C:
			current := m.Version()
			if current == sent {
				continue
			}
			sent = current
			select {
			case m.updateCh <- m.Snapshot():
			default:
			}
		case <-m.stopCh:
			return
		}
	}
}
