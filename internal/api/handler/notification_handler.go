package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/fanout-dispatch/internal/api/middleware"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/service"
)

// NotificationHandler handles fan-out creation and delivery lookups.
type NotificationHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// createResponse is the body of a successful POST /api/v1/notifications.
type createResponse struct {
	Content    *domain.Content    `json:"content"`
	Deliveries []*domain.Delivery `json:"deliveries"`
	Enqueued   int                `json:"enqueued"`
}

// Create handles POST /api/v1/notifications
//
// @Summary     Fan a notification out to its recipients
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header    string                           false  "Tenant (empty = host)"
// @Param       body         body      domain.CreateNotificationRequest true   "Notification payload"
// @Success     201          {object}  createResponse
// @Failure     400          {object}  map[string]string
// @Failure     422          {object}  map[string]string
// @Failure     503          {object}  map[string]string
// @Router      /api/v1/notifications [post]
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, domain.ErrInvalidProperties) {
			mapError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The header is authoritative when present.
	if tenant := apimw.GetTenantID(r.Context()); tenant != "" {
		req.TenantID = tenant
	}

	out, err := h.svc.CreateNotification(r.Context(), req)
	if err != nil {
		h.logger.Warn("create notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, createResponse{
		Content:    out.Content,
		Deliveries: out.Deliveries,
		Enqueued:   out.Enqueued,
	})
}

// GetDelivery handles GET /api/v1/deliveries/{id}
//
// @Summary  Get a delivery by ID
// @Tags     deliveries
// @Produce  json
// @Param    id   path      string  true  "Delivery UUID"
// @Success  200  {object}  domain.Delivery
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/deliveries/{id} [get]
func (h *NotificationHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.svc.GetDelivery(r.Context(), apimw.GetTenantID(r.Context()), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// ListDeliveries handles GET /api/v1/deliveries
//
// @Summary  List deliveries with filtering and pagination
// @Tags     deliveries
// @Produce  json
// @Param    content_id  query     string  false  "Filter by content"
// @Param    state       query     string  false  "Filter by state"
// @Param    channel     query     string  false  "Filter by channel"
// @Param    page        query     int     false  "Page number (default 1)"
// @Param    limit       query     int     false  "Items per page (default 20, max 100)"
// @Success  200         {object}  map[string]any
// @Failure  422         {object}  map[string]string
// @Router   /api/v1/deliveries [get]
func (h *NotificationHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDeliveryFilter(r)
	if err != nil {
		mapError(w, err)
		return
	}
	deliveries, total, err := h.svc.ListDeliveries(r.Context(), filter)
	if err != nil {
		h.logger.Error("list deliveries failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  deliveries,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

func parseDeliveryFilter(r *http.Request) (domain.DeliveryFilter, error) {
	q := r.URL.Query()
	filter := domain.DeliveryFilter{
		TenantID: apimw.GetTenantID(r.Context()),
		Page:     1,
		Limit:    20,
	}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if id := q.Get("content_id"); id != "" {
		filter.ContentID = &id
	}
	if s := q.Get("state"); s != "" {
		st := domain.DeliveryState(s)
		if !st.IsValid() {
			return filter, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidInput, s)
		}
		filter.State = &st
	}
	if ch := q.Get("channel"); ch != "" {
		c := domain.Channel(ch)
		if !c.IsValid() {
			return filter, domain.ErrInvalidChannel
		}
		filter.Channel = &c
	}
	return filter, nil
}
