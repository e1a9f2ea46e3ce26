package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/api"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
	"github.com/notifyhub/fanout-dispatch/internal/service"
)

type testServer struct {
	handler http.Handler
	repo    *repository.MemoryDeliveryRepository
	q       *queue.PriorityQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := repository.NewMemoryDeliveryRepository()
	q := queue.New()
	t.Cleanup(q.Close)
	svc := service.NewNotificationService(repo, q, service.FanOutOptions{MaxRecipients: 3}, service.FanOutHooks{}, zap.NewNop())
	return &testServer{
		handler: api.NewRouter(svc, q, prometheus.NewRegistry(), zap.NewNop()),
		repo:    repo,
		q:       q,
	}
}

func (s *testServer) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type createBody struct {
	Content    domain.Content     `json:"content"`
	Deliveries []*domain.Delivery `json:"deliveries"`
	Enqueued   int                `json:"enqueued"`
}

func (s *testServer) create(t *testing.T, tenant string, recipients ...string) createBody {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/notifications", tenant, map[string]any{
		"channel":       "sms",
		"recipient_ids": recipients,
		"text":          "hello",
		"properties":    map[string]any{"k": "v"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_CreateNotification(t *testing.T) {
	s := newTestServer(t)
	out := s.create(t, "acme", "r1", "r2")

	assert.Equal(t, "acme", out.Content.TenantID)
	assert.Equal(t, "hello", out.Content.Text)
	require.Len(t, out.Deliveries, 2)
	assert.Equal(t, 2, out.Enqueued)
	for _, d := range out.Deliveries {
		assert.Equal(t, domain.StatePending, d.State)
		assert.Equal(t, out.Content.ID, d.ContentID)
		assert.Equal(t, domain.PriorityNormal, d.Priority)
	}
}

func TestRouter_CreateEchoesCorrelationID(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/notifications", "", map[string]any{"channel": "push"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestRouter_CreateRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"channel":`, http.StatusBadRequest},
		{"unknown channel", map[string]any{"channel": "fax", "recipient_ids": []string{"r"}}, http.StatusUnprocessableEntity},
		{"empty recipient id", map[string]any{"channel": "sms", "recipient_ids": []string{""}}, http.StatusUnprocessableEntity},
		{"too many recipients", map[string]any{"channel": "sms", "recipient_ids": []string{"a", "b", "c", "d"}}, http.StatusUnprocessableEntity},
		{"duplicate property key", `{"channel":"sms","properties":{"a":1,"a":2}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/notifications", "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, s.repo.ContentCount(), "rejected requests persist nothing")
}

func TestRouter_GetDeliveryIsTenantScoped(t *testing.T) {
	s := newTestServer(t)
	out := s.create(t, "acme", "r1")
	path := "/api/v1/deliveries/" + out.Deliveries[0].ID

	rec := s.do(t, http.MethodGet, path, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d domain.Delivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "r1", d.RecipientID)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, "other", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, "", nil).Code)
}

func TestRouter_GetContent(t *testing.T) {
	s := newTestServer(t)
	out := s.create(t, "", "r1", "r2", "r3")

	rec := s.do(t, http.MethodGet, "/api/v1/contents/"+out.Content.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Content         domain.Content     `json:"content"`
		Deliveries      []*domain.Delivery `json:"deliveries"`
		DeliveriesTotal int                `json:"deliveries_total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, out.Content.ID, body.Content.ID)
	assert.Len(t, body.Deliveries, 3)
	assert.Equal(t, 3, body.DeliveriesTotal)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/contents/missing", "", nil).Code)
}

func TestRouter_ListDeliveries(t *testing.T) {
	s := newTestServer(t)
	first := s.create(t, "acme", "r1", "r2")
	s.create(t, "acme", "r3")
	s.create(t, "other", "r4")

	rec := s.do(t, http.MethodGet, "/api/v1/deliveries?limit=2", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data  []*domain.Delivery `json:"data"`
		Total int                `json:"total"`
		Page  int                `json:"page"`
		Limit int                `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, 2, page.Limit)

	rec = s.do(t, http.MethodGet, "/api/v1/deliveries?content_id="+first.Content.ID+"&state=pending&channel=sms", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)

	assert.Equal(t, http.StatusUnprocessableEntity,
		s.do(t, http.MethodGet, "/api/v1/deliveries?state=done", "acme", nil).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		s.do(t, http.MethodGet, "/api/v1/deliveries?channel=fax", "acme", nil).Code)
}

func TestRouter_QueueMetrics(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "", "r1", "r2")

	rec := s.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue_depth":{"high":0,"normal":2,"low":0,"total":2}}`, rec.Body.String())
}

func TestRouter_PrometheusEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
