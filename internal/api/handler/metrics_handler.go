package handler

import (
	"net/http"

	"github.com/notifyhub/fanout-dispatch/internal/queue"
)

// MetricsHandler serves a human-readable JSON queue snapshot.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp.Handler and are separate from this endpoint.
type MetricsHandler struct {
	q queue.Queue
}

func NewMetricsHandler(q queue.Queue) *MetricsHandler {
	return &MetricsHandler{q: q}
}

// GetMetrics handles GET /api/v1/metrics
//
// @Summary  Real-time queue depth snapshot
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/metrics [get]
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	d, err := h.q.Depths(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_depth": map[string]int{
			"high":   d.High,
			"normal": d.Normal,
			"low":    d.Low,
			"total":  d.Total(),
		},
	})
}
