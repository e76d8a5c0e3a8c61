package dto

import (
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/pipeline"
)

// FeedSummary is the API model for GET /api/feeds/status.
// The feed is embedded so its fields are flattened (id, name, etc.).
// Status is present only when the feed has a pipeline.
type FeedSummary struct {
	feed.Feed
	Status *pipeline.Status `json:"status,omitempty"`
}
