package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/edirooss/feedmux-server/internal/http/middleware"
)

// Routes groups the handlers served under /api.
type Routes struct {
	Feeds   *FeedsHandler
	Streams *StreamsHandler
	Videos  *VideosHandler

	// MaxStreams caps concurrent live and playback streams; 0 means 64.
	MaxStreams int
}

// Register mounts every route on r.
func (rt *Routes) Register(r gin.IRouter) {
	maxStreams := rt.MaxStreams
	if maxStreams <= 0 {
		maxStreams = 64
	}
	slots := mw.NewStreamSlots(maxStreams)
	stream := mw.MarkStream()

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/url/validate", (&URLCheck{}).Validate)

	// --- Feed collection ---
	r.GET("/api/feeds", rt.Feeds.List)
	r.POST("/api/feeds", rt.Feeds.Create)
	r.GET("/api/feeds/status", rt.Feeds.Summary)

	// --- Feed resource ---
	validFeedID := mw.RequireValidFeedID()
	r.GET("/api/feeds/:id", validFeedID, rt.Feeds.Get)
	r.PUT("/api/feeds/:id", validFeedID, rt.Feeds.Replace)
	r.PATCH("/api/feeds/:id", validFeedID, rt.Feeds.Modify)
	r.DELETE("/api/feeds/:id", validFeedID, rt.Feeds.Delete)
	r.GET("/api/feeds/:id/logs", validFeedID, rt.Feeds.Logs)
	r.GET("/api/feeds/:id/status", validFeedID, rt.Feeds.Status)
	r.GET("/api/feeds/:id/still", validFeedID, rt.Streams.Still)
	r.GET("/api/feeds/:id/live", validFeedID, stream, slots.Guard("live"), rt.Streams.Live)

	// --- Recorded videos ---
	validVideoID := mw.RequireValidVideoID()
	r.GET("/api/videos", rt.Videos.List)
	r.GET("/api/videos/:id", validVideoID, rt.Videos.Get)
	r.GET("/api/videos/:id/thumbnail", validVideoID, rt.Videos.Thumbnail)
	r.GET("/api/videos/:id/stream", validVideoID, stream, slots.Guard("playback"), rt.Videos.Stream)
}
