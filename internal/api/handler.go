// Package api exposes the relay's HTTP surface: job submission, status
// lookup, listing, stats and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/circuitbreaker"
	"github.com/wavecom/relay/internal/engine"
	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/metrics"
	"github.com/wavecom/relay/internal/queue"
	"github.com/wavecom/relay/internal/redis"
	"github.com/wavecom/relay/internal/store"
)

// Enqueuer is the slice of the engine the API needs.
type Enqueuer interface {
	CreateAndEnqueue(ctx context.Context, j *job.NotificationJob) error
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	Channel     string            `json:"channel"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Priority    string            `json:"priority"`
	MaxAttempts int               `json:"max_attempts"`
	Metadata    map[string]string `json:"metadata"`
}

// NotificationResponse is returned after creating a notification job
type NotificationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// JobDetailResponse carries a job together with its audit trail
type JobDetailResponse struct {
	Job  *job.NotificationJob   `json:"job"`
	Logs []*job.NotificationLog `json:"logs"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	enqueuer    Enqueuer
	store       store.Store
	broker      queue.Broker
	idempotency *redis.IdempotencyService // nil if Redis not configured
	breakers    []*circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, enq Enqueuer, st store.Store, broker queue.Broker) *Handler {
	return &Handler{
		logger:   logger,
		enqueuer: enq,
		store:    st,
		broker:   broker,
	}
}

// WithIdempotency enables Idempotency-Key support.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithBreakers registers circuit breakers to report in stats.
func (h *Handler) WithBreakers(breakers ...*circuitbreaker.CircuitBreaker) *Handler {
	h.breakers = breakers
	return h
}

// CreateNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	j := &job.NotificationJob{
		Channel:     job.Channel(req.Channel),
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		Priority:    job.Priority(req.Priority),
		MaxAttempts: req.MaxAttempts,
		Metadata:    req.Metadata,
	}

	if err := j.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(NotificationResponse{ID: cached.JobID, Status: cached.Status})
			return
		}
	}

	if err := h.enqueuer.CreateAndEnqueue(ctx, j); err != nil {
		// Free the reservation so a retry with the same key is not stuck
		// behind the processing marker.
		if idempotencyKey != "" && h.idempotency != nil {
			if rerr := h.idempotency.Release(ctx, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key",
					zap.Error(rerr),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}
		if errors.Is(err, engine.ErrQueueUnavailable) {
			// The job row exists in failed state; tell the client the
			// relay could not accept work right now.
			h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable",
				"Notification accepted but could not be queued", "")
			return
		}
		h.logger.Error("failed to create notification job",
			zap.Error(err),
			zap.String("channel", req.Channel),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notification", "")
		return
	}

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			JobID:      j.ID.String(),
			Status:     string(j.Status),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(NotificationResponse{ID: j.ID.String(), Status: string(j.Status)})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	j, err := h.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get notification", "")
		return
	}

	logs, err := h.store.ListLogs(ctx, id)
	if err != nil {
		h.logger.Error("failed to list logs", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get notification history", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(JobDetailResponse{Job: j, Logs: logs})
}

// ListNotifications handles GET /v1/notifications?status=&channel=&priority=&page=&limit=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var f store.Filter

	if v := q.Get("status"); v != "" {
		st := job.Status(v)
		if !st.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status filter", "")
			return
		}
		f.Status = &st
	}
	if v := q.Get("channel"); v != "" {
		ch := job.Channel(v)
		if !ch.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel filter", "")
			return
		}
		f.Channel = &ch
	}
	if v := q.Get("priority"); v != "" {
		p := job.Priority(v)
		if !p.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority filter", "")
			return
		}
		f.Priority = &p
	}

	f.Page = 1
	f.Limit = 20
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			f.Limit = n
		}
	}

	jobs, total, err := h.store.ListJobs(ctx, f)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list notifications", "")
		return
	}
	if jobs == nil {
		jobs = []*job.NotificationJob{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobs": jobs,
		"pagination": map[string]int{
			"page":  f.Page,
			"limit": f.Limit,
			"total": total,
		},
	})
}

// StatsResponse aggregates pipeline counters for GET /v1/notifications/stats
type StatsResponse struct {
	CountsByStatus  map[job.Status]int     `json:"counts_by_status"`
	QueueDepths     map[queue.Lane]int     `json:"queue_depths"`
	DeadLetterCount int                    `json:"dead_letter_count"`
	Breakers        []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// GetStats handles GET /v1/notifications/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to count jobs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to collect stats", "")
		return
	}
	if counts == nil {
		counts = map[job.Status]int{}
	}

	depths := make(map[queue.Lane]int, len(queue.Lanes))
	for _, lane := range queue.Lanes {
		depth, err := h.broker.Depth(ctx, lane)
		if err != nil {
			h.logger.Warn("failed to read lane depth", zap.Error(err), zap.String("lane", string(lane)))
			continue
		}
		depths[lane] = depth
		metrics.SetQueueDepth(string(lane), depth)
	}

	dead, err := h.broker.DeadLetterCount(ctx)
	if err != nil {
		h.logger.Warn("failed to read dead letter count", zap.Error(err))
	} else {
		metrics.SetDeadLetters(dead)
	}

	resp := StatsResponse{
		CountsByStatus:  counts,
		QueueDepths:     depths,
		DeadLetterCount: dead,
	}
	for _, cb := range h.breakers {
		s := cb.Stats()
		resp.Breakers = append(resp.Breakers, s)
		metrics.SetBreakerState(s.Name, int(cb.GetState()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Health handles GET /health: store and broker connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{"store": "ok", "broker": "ok"}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if err := h.broker.Ping(ctx); err != nil {
		checks["broker"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": healthy,
		"checks":  checks,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
