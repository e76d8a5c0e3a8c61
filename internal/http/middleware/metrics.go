package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/feedmux-server/internal/metrics"
)

// StreamKey marks a request as a long-lived stream; its duration is not
// observed.
const StreamKey = "stream"

// Metrics counts every request by route template and status and observes
// the duration of non-stream requests.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		if !c.GetBool(StreamKey) {
			metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		}
	}
}

// MarkStream flags the request for Metrics.
func MarkStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(StreamKey, true)
		c.Next()
	}
}
