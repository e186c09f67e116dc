package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/internal/render"
	"github.com/saveenergy/egresswatch/internal/stream"
	"github.com/saveenergy/egresswatch/internal/websocket"
	"github.com/saveenergy/egresswatch/pkg/types"
)

type Handler struct {
	manager *stream.Manager
	hub     *websocket.Server
	viewers *viewerSlots
	version string
}

func NewHandler(manager *stream.Manager, hub *websocket.Server) *Handler {
	return &Handler{
		manager: manager,
		hub:     hub,
		viewers: newViewerSlots(0),
	}
}

// SetViewerLimit caps concurrent live viewers per client address.
func (h *Handler) SetViewerLimit(n int) {
	h.viewers.setLimit(n)
}

func (h *Handler) SetVersion(version string) {
	if version == "" {
		version = "dev"
	}
	h.version = version
}

type VersionResponse struct {
	Version string `json:"version"`
}

type SeriesResponse struct {
	Datasets    []render.Dataset    `json:"datasets"`
	Outages     []render.OutageLine `json:"outages"`
	GeneratedAt string              `json:"generated_at"`
}

type OutagesResponse struct {
	Outages []render.OutageLine `json:"outages"`
}

type SummaryResponse struct {
	Protocols []metrics.ProtocolSummary `json:"protocols"`
}

// LiveMessage is the frame pushed to dashboard viewers.
type LiveMessage struct {
	Type string          `json:"type"`
	Data render.Snapshot `json:"data"`
}

func newSeriesResponse(snap render.Snapshot) SeriesResponse {
	return SeriesResponse{
		Datasets:    snap.Datasets,
		Outages:     snap.Outages,
		GeneratedAt: snap.GeneratedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// GetSeries returns every dataset, or one when ?protocol= is given.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	snap := h.manager.Snapshot()
	resp := newSeriesResponse(snap)

	if name := r.URL.Query().Get("protocol"); name != "" {
		p, err := types.ParseProtocol(name)
		if err != nil {
			respondJSON(w, map[string]string{"error": "unknown protocol"}, http.StatusBadRequest)
			return
		}
		resp.Datasets = []render.Dataset{snap.Datasets[p.Index()]}
	}
	respondJSON(w, resp, http.StatusOK)
}

func (h *Handler) GetOutages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, OutagesResponse{Outages: h.manager.Outages()}, http.StatusOK)
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, SummaryResponse{Protocols: h.manager.Summary()}, http.StatusOK)
}

// GetLabels returns the tooltip labels of one protocol's retained points.
func (h *Handler) GetLabels(w http.ResponseWriter, r *http.Request) {
	p, err := types.ParseProtocol(r.PathValue("protocol"))
	if err != nil {
		respondJSON(w, map[string]string{"error": "unknown protocol"}, http.StatusBadRequest)
		return
	}
	points := h.manager.Points(p)
	labels := make([]string, len(points))
	for i, sample := range points {
		labels[i] = render.Label(sample)
	}
	respondJSON(w, map[string]interface{}{
		"protocol": p.String(),
		"labels":   labels,
	}, http.StatusOK)
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version := h.version
	if version == "" {
		version = "dev"
	}
	respondJSON(w, VersionResponse{Version: version}, http.StatusOK)
}

// Live subscribes a viewer to pushed snapshots. The current state is
// sent on connect so the chart does not start empty.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	ip := requestClientIP(nil, r)
	if !h.viewers.acquire(ip) {
		logging.Warn("Live viewer refused",
			logging.Field{Key: "ip", Value: ip},
			logging.Field{Key: "viewers", Value: h.viewers.count(ip)})
		respondJSON(w, map[string]string{"error": "too many live viewers"}, http.StatusTooManyRequests)
		return
	}
	defer h.viewers.release(ip)

	greeting, err := json.Marshal(LiveMessage{Type: "snapshot", Data: h.manager.Snapshot()})
	if err != nil {
		logging.Warn("Live snapshot marshal failed", logging.Field{Key: "error", Value: err})
		greeting = nil
	}
	logging.Debug("Live viewer attached",
		logging.Field{Key: "ip", Value: ip},
		logging.Field{Key: "viewers", Value: h.viewers.count(ip)})
	h.hub.HandleTopic(w, r, websocket.TopicLive, greeting)
}

// RunLive forwards manager snapshots to live viewers until updates is
// closed.
func (h *Handler) RunLive(updates <-chan render.Snapshot) {
	for snap := range updates {
		if h.hub.Count(websocket.TopicLive) == 0 {
			continue
		}
		if err := h.hub.BroadcastJSON(websocket.TopicLive, LiveMessage{Type: "snapshot", Data: snap}); err != nil {
			logging.Warn("Live snapshot marshal failed", logging.Field{Key: "error", Value: err})
		}
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("JSON response encode failed",
			logging.Field{Key: "error", Value: err})
	}
}

func isLongLived(path string) bool {
	return strings.HasSuffix(path, "/live") || strings.HasSuffix(path, "/feed")
}
