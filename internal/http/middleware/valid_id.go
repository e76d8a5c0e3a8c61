package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireValidFeedID ensures the path param ":id" is a plausible feed id.
func RequireValidFeedID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" || len(id) > 64 || strings.ContainsAny(id, "/\\") {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid feed id"})
			return
		}
		c.Next()
	}
}

// RequireValidVideoID ensures the path param ":id" is a valid int > 0.
func RequireValidVideoID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid video id"})
			return
		}
		c.Next()
	}
}
