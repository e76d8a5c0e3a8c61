package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/feedmux-server/pkg/jsonx"
	"github.com/edirooss/feedmux-server/pkg/sourceurl"
)

// URLCheck validates camera source URLs for the UI before a feed is saved.
type URLCheck struct{}

// Validate handles POST /api/url/validate.
//
// Status Codes:
//   - 200 OK → {"url": ..., "rtsp": bool}
//   - 400 Bad Request → malformed body
//   - 422 Unprocessable Entity → URL rejected
func (h *URLCheck) Validate(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}
	if err := sourceurl.Validate(req.URL); err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": req.URL, "rtsp": sourceurl.IsRTSP(req.URL)})
}
