package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/mjpeg"
	"github.com/edirooss/feedmux-server/internal/service"
)

// StreamsHandler serves live views of running feeds.
type StreamsHandler struct {
	log *zap.Logger
	svc *service.FeedService
}

// NewStreamsHandler constructs a StreamsHandler.
func NewStreamsHandler(log *zap.Logger, svc *service.FeedService) *StreamsHandler {
	return &StreamsHandler{log: log.Named("streams"), svc: svc}
}

// Live handles GET /feeds/{id}/live as a multipart/x-mixed-replace stream.
// The viewer starts with the next frame published after it joins; the
// response ends when the client leaves or the encoder stream ends.
func (h *StreamsHandler) Live(c *gin.Context) {
	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	dist := p.Distributor()
	viewer, err := dist.Subscribe()
	if err != nil {
		writeError(c, err)
		return
	}
	defer dist.Unsubscribe(viewer)

	c.Header("Content-Type", mjpeg.ContentType(mjpeg.Boundary))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-viewer.Frames():
			if !ok {
				return
			}
			if err := mjpeg.WritePart(c.Writer, mjpeg.Boundary, fr.Data); err != nil {
				h.log.Debug("live viewer write failed", zap.String("feed_id", p.ID()), zap.Error(err))
				return
			}
			c.Writer.Flush()
		}
	}
}

// Still handles GET /feeds/{id}/still with the latest frame as image/jpeg.
//
// Status Codes:
//   - 200 OK
//   - 404 Not Found → unknown feed
//   - 503 Service Unavailable → feed not running or no frame yet
func (h *StreamsHandler) Still(c *gin.Context) {
	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	fr := p.Distributor().Latest()
	if fr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "no frame available yet"})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Captured-At", fr.CapturedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	c.Header("Content-Length", strconv.Itoa(len(fr.Data)))
	c.Data(http.StatusOK, "image/jpeg", fr.Data)
}
