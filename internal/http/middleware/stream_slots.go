package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/edirooss/feedmux-server/internal/metrics"
)

// retryAfterSeconds is advertised on a refused stream. Viewers reconnect on
// their own, so a short hint is enough.
const retryAfterSeconds = 2

// StreamSlots is one pool of stream slots shared by every route guarded
// through it, so live viewers and playback compete for the same budget.
type StreamSlots struct {
	sem *semaphore.Weighted
}

// NewStreamSlots returns a pool of n slots.
func NewStreamSlots(n int) *StreamSlots {
	return &StreamSlots{sem: semaphore.NewWeighted(int64(n))}
}

// Guard holds a slot for the rest of the handler chain and counts it under
// kind. Without a free slot the request ends with 429 and a Retry-After.
func (s *StreamSlots) Guard(kind string) gin.HandlerFunc {
	open := metrics.StreamsOpen.WithLabelValues(kind)
	rejected := metrics.StreamsRejected.WithLabelValues(kind)

	return func(c *gin.Context) {
		if !s.sem.TryAcquire(1) {
			rejected.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "no free " + kind + " stream slot",
			})
			return
		}
		open.Inc()
		defer func() {
			open.Dec()
			s.sem.Release(1)
		}()
		c.Next()
	}
}
