package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/fanout-dispatch/internal/api/middleware"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/service"
)

// maxContentDeliveries caps the deliveries embedded in a content response;
// larger fan-outs are paged through /api/v1/deliveries?content_id=.
const maxContentDeliveries = 100

// ContentHandler serves stored notification contents.
type ContentHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewContentHandler(svc *service.NotificationService, logger *zap.Logger) *ContentHandler {
	return &ContentHandler{svc: svc, logger: logger}
}

// GetContent handles GET /api/v1/contents/{id}
//
// @Summary  Get a content and the first page of its deliveries
// @Tags     contents
// @Produce  json
// @Param    id   path      string  true  "Content UUID"
// @Success  200  {object}  map[string]any
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/contents/{id} [get]
func (h *ContentHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenant := apimw.GetTenantID(r.Context())

	content, err := h.svc.GetContent(r.Context(), tenant, id)
	if err != nil {
		mapError(w, err)
		return
	}

	deliveries, total, err := h.svc.ListDeliveries(r.Context(), domain.DeliveryFilter{
		TenantID:  tenant,
		ContentID: &id,
		Page:      1,
		Limit:     maxContentDeliveries,
	})
	if err != nil {
		h.logger.Error("list content deliveries failed", zap.String("content_id", id), zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"content":          content,
		"deliveries":       deliveries,
		"deliveries_total": total,
	})
}
