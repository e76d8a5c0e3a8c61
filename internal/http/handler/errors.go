package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/feedmux-server/internal/catalog"
	"github.com/edirooss/feedmux-server/internal/distributor"
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/pipeline"
	"github.com/edirooss/feedmux-server/internal/service"
)

// writeError records err on the context and maps it to a JSON response.
//
//   - *feed.ValidationError      → 422 with the field list
//   - not found                  → 404
//   - ErrLocked / ErrFeedExists  → 409
//   - pipeline not running       → 503
//   - anything else              → 500
func writeError(c *gin.Context, err error) {
	c.Error(err)

	var verr *feed.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": verr.Error(), "fields": verr.Fields})
	case errors.Is(err, feed.ErrFeedNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": feed.ErrFeedNotFound.Error()})
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": catalog.ErrNotFound.Error()})
	case errors.Is(err, service.ErrLocked), errors.Is(err, service.ErrFeedExists):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	case errors.Is(err, pipeline.ErrStopped), errors.Is(err, distributor.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "feed is not running"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}

func badRequest(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
}
