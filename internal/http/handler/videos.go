package handler

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/catalog"
	"github.com/edirooss/feedmux-server/internal/domain/video"
	"github.com/edirooss/feedmux-server/internal/mjpeg"
	"github.com/edirooss/feedmux-server/internal/playback"
)

// VideoCatalog is the read side of the recorded video catalog.
type VideoCatalog interface {
	Get(id int64) (*video.Record, error)
	List() []*video.Record
	ListByFeed(feedID string) []*video.Record
}

// VideosHandler serves the recorded video catalog.
//
// Supported operations:
//   - GET /videos[?feed_id=]      → List records
//   - GET /videos/{id}            → Retrieve a record
//   - GET /videos/{id}/thumbnail  → First frame as image/jpeg
//   - GET /videos/{id}/stream     → Paced multipart playback
type VideosHandler struct {
	log     *zap.Logger
	catalog VideoCatalog
}

// NewVideosHandler constructs a VideosHandler.
func NewVideosHandler(log *zap.Logger, catalog VideoCatalog) *VideosHandler {
	return &VideosHandler{log: log.Named("videos"), catalog: catalog}
}

// List handles GET /videos. Adds `X-Total-Count`.
func (h *VideosHandler) List(c *gin.Context) {
	var recs []*video.Record
	if feedID, ok := c.GetQuery("feed_id"); ok {
		recs = h.catalog.ListByFeed(feedID)
	} else {
		recs = h.catalog.List()
	}
	if recs == nil {
		recs = []*video.Record{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(recs)))
	c.JSON(http.StatusOK, recs)
}

// Get handles GET /videos/{id}.
func (h *VideosHandler) Get(c *gin.Context) {
	rec, err := h.record(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Thumbnail handles GET /videos/{id}/thumbnail.
func (h *VideosHandler) Thumbnail(c *gin.Context) {
	rec, err := h.record(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec.ThumbnailPath == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "recording has no thumbnail"})
		return
	}
	data, err := os.ReadFile(*rec.ThumbnailPath)
	if err != nil {
		h.fileError(c, err)
		return
	}
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// Stream handles GET /videos/{id}/stream. Frames are paced by their
// recorded timing and the stream ends with a darkened final frame.
func (h *VideosHandler) Stream(c *gin.Context) {
	rec, err := h.record(c)
	if err != nil {
		writeError(c, err)
		return
	}
	file, err := os.Open(rec.FilePath)
	if err != nil {
		h.fileError(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Type", mjpeg.ContentType(mjpeg.Boundary))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	sent, err := playback.Stream(c.Request.Context(), c.Writer, file, playback.Options{
		Boundary: mjpeg.Boundary,
		Flush:    c.Writer.Flush,
	})
	if err != nil && c.Request.Context().Err() == nil {
		c.Error(err)
		h.log.Warn("playback aborted", zap.Int64("video_id", rec.ID), zap.Int("frames_sent", sent), zap.Error(err))
	}
}

func (h *VideosHandler) record(c *gin.Context) (*video.Record, error) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64) // validated by middleware
	return h.catalog.Get(id)
}

func (h *VideosHandler) fileError(c *gin.Context, err error) {
	c.Error(err)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"message": "recording file is missing"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
}

var _ VideoCatalog = (*catalog.Catalog)(nil)
