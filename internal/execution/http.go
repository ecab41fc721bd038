package execution

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/ksred/klear-broker/pkg/response"
)

// GinHandlers exposes the internal job endpoints used by broker webhooks
// and operators.
type GinHandlers struct {
	queue  jobs.Queue
	failed *jobs.FailedStore
}

func NewGinHandlers(queue jobs.Queue, failed *jobs.FailedStore) *GinHandlers {
	return &GinHandlers{queue: queue, failed: failed}
}

// CallbackHandler handles POST /internal/callbacks/:broker
func (h *GinHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload jobs.CallbackPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, "Invalid callback body")
			return
		}
		payload.Broker = strings.ToLower(c.Param("broker"))

		switch payload.Event {
		case jobs.EventOrderFilled, jobs.EventOrderCancelled, jobs.EventOrderRejected, jobs.EventPositionUpdated:
		default:
			response.Handle(c, nil, apperr.Validation(apperr.FieldError{Field: "event", Message: "is not a known callback event"}))
			return
		}

		h.enqueue(c, jobs.TypeHandleCallback, payload)
	}
}

// SyncPositionsHandler handles POST /internal/jobs/sync-positions. An empty
// body syncs every active connection.
func (h *GinHandlers) SyncPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload jobs.SyncPositionsPayload
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&payload); err != nil {
				response.BadRequest(c, "Invalid sync request")
				return
			}
		}
		if (payload.UserID == "") != (payload.Broker == "") {
			response.BadRequest(c, "user_id and broker must be given together")
			return
		}
		payload.Broker = strings.ToLower(payload.Broker)
		h.enqueue(c, jobs.TypeSyncPositions, payload)
	}
}

// ListFailedHandler handles GET /internal/jobs/failed
func (h *GinHandlers) ListFailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				response.BadRequest(c, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		list, err := h.failed.List(c.Request.Context(), c.Query("all") == "true", limit)
		response.Handle(c, list, err)
	}
}

// RequeueFailedHandler handles POST /internal/jobs/failed/:job_id/requeue
func (h *GinHandlers) RequeueFailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := h.failed.Requeue(c.Request.Context(), h.queue, c.Param("job_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Accepted(c, job)
	}
}

func (h *GinHandlers) enqueue(c *gin.Context, t jobs.Type, payload interface{}) {
	job, err := jobs.New(t, payload)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	if err := h.queue.Enqueue(c.Request.Context(), job); err != nil {
		response.Handle(c, nil, apperr.Wrap(apperr.KindBrokerUnavailable, "job queue unavailable", err))
		return
	}
	response.Accepted(c, gin.H{"job_id": job.ID, "type": job.Type})
}
