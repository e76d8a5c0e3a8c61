package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/http/dto"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
	"github.com/edirooss/feedmux-server/internal/service"
	"github.com/edirooss/feedmux-server/pkg/jsonx"
)

// FeedsHandler provides RESTful HTTP handlers for Feed resources.
//
// Supported operations:
//   - GET    /feeds           → List all feeds
//   - POST   /feeds           → Create a new feed
//   - GET    /feeds/status    → Cached status of every feed
//   - GET    /feeds/{id}      → Retrieve a feed by id
//   - PUT    /feeds/{id}      → Replace a feed (full update)
//   - PATCH  /feeds/{id}      → Modify a feed (JSON merge patch, RFC 7396)
//   - DELETE /feeds/{id}      → Remove a feed
//   - GET    /feeds/{id}/logs → Encoder log lines, newest first
type FeedsHandler struct {
	log     *zap.Logger
	svc     *service.FeedService
	summary *service.SummaryService
}

// NewFeedsHandler constructs a FeedsHandler.
func NewFeedsHandler(log *zap.Logger, svc *service.FeedService, summary *service.SummaryService) *FeedsHandler {
	return &FeedsHandler{log: log.Named("feeds"), svc: svc, summary: summary}
}

// List handles GET /feeds. Adds `X-Total-Count`.
func (h *FeedsHandler) List(c *gin.Context) {
	fs, err := h.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(fs)))
	c.JSON(http.StatusOK, fs)
}

// Create handles POST /feeds.
//
// Status Codes:
//   - 201 Created → JSON of created feed, `Location` header set
//   - 400 Bad Request → malformed body
//   - 409 Conflict → id already taken
//   - 422 Unprocessable Entity → validation failed
func (h *FeedsHandler) Create(c *gin.Context) {
	req := dto.NewFeedBody()
	if err := jsonx.ParseStrictJSONBody(c.Request, req); err != nil {
		badRequest(c, err)
		return
	}

	f, err := h.svc.Create(c.Request.Context(), req.ToFeed())
	if err != nil {
		writeError(c, err)
		return
	}
	h.summary.Invalidate()

	c.Header("Location", "/api/feeds/"+f.ID)
	c.JSON(http.StatusCreated, f)
}

// Get handles GET /feeds/{id}.
func (h *FeedsHandler) Get(c *gin.Context) {
	f, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// Replace handles PUT /feeds/{id}. The path id wins over any id in the body.
//
// Status Codes:
//   - 200 OK → JSON of the updated feed
//   - 400 Bad Request → malformed body
//   - 404 Not Found
//   - 409 Conflict → concurrent mutation in flight
//   - 422 Unprocessable Entity → validation failed
func (h *FeedsHandler) Replace(c *gin.Context) {
	req := dto.NewFeedBody()
	if err := jsonx.ParseStrictJSONBody(c.Request, req); err != nil {
		badRequest(c, err)
		return
	}
	f := req.ToFeed()
	f.ID = c.Param("id")

	out, err := h.svc.Replace(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusOK, out)
}

// Modify handles PATCH /feeds/{id} with a JSON merge patch body.
func (h *FeedsHandler) Modify(c *gin.Context) {
	patch, err := jsonx.ReadObjectBody(c.Request)
	if err != nil {
		badRequest(c, err)
		return
	}

	out, err := h.svc.Patch(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusOK, out)
}

// Delete handles DELETE /feeds/{id}.
func (h *FeedsHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// Logs handles GET /feeds/{id}/logs?lines=N (default and max: buffer size).
func (h *FeedsHandler) Logs(c *gin.Context) {
	lines := processmgr.LogBufferSize
	if q := c.Query("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be a positive integer"})
			return
		}
		lines = min(n, processmgr.LogBufferSize)
	}

	out, err := h.svc.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Status handles GET /feeds/{id}/status.
func (h *FeedsHandler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Summary handles GET /feeds/status. `?force=1` bypasses the cache.
func (h *FeedsHandler) Summary(c *gin.Context) {
	if c.Query("force") == "1" {
		h.summary.Invalidate()
	}

	res, err := h.summary.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("X-Cache", map[bool]string{true: "HIT", false: "MISS"}[res.CacheHit])
	c.Header("X-Summary-Generated-At", strconv.FormatInt(res.GeneratedAt.UnixMilli(), 10))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data)))
	c.JSON(http.StatusOK, res.Data)
}
