package dto

import (
	"github.com/mcuadros/go-defaults"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
)

// FeedBody is the request model for POST /api/feeds and PUT /api/feeds/:id.
// Omitted fields take the defaults below; revision is server-managed and
// not accepted.
type FeedBody struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	SourceURL            string              `json:"source_url"`
	MaxFPS               float64             `json:"max_fps" default:"0"`
	ScaleFactor          float64             `json:"scale_factor" default:"1"`
	VideoQuality         int                 `json:"video_quality" default:"5"`
	SaveVideo            bool                `json:"save_video"`
	SavePath             string              `json:"save_path"`
	OnlySaveMotion       bool                `json:"only_save_motion"`
	MotionEndTimeoutSec  uint                `json:"motion_end_timeout_sec" default:"10"`
	DetectMotion         bool                `json:"detect_motion"`
	MotionSampleInterval int                 `json:"motion_sample_interval" default:"10"`
	MotionDiffThreshold  float64             `json:"motion_diff_threshold" default:"0.1"`
	MotionRegions        []feed.MotionRegion `json:"motion_regions"`
	AlertOnMotion        bool                `json:"alert_on_motion"`
}

// NewFeedBody returns a body with defaults applied, ready to decode into.
func NewFeedBody() *FeedBody {
	b := &FeedBody{}
	defaults.SetDefaults(b)
	return b
}

// ToFeed converts the body to a domain feed.
func (b *FeedBody) ToFeed() *feed.Feed {
	f := &feed.Feed{
		ID:                   b.ID,
		Name:                 b.Name,
		SourceURL:            b.SourceURL,
		MaxFPS:               b.MaxFPS,
		ScaleFactor:          b.ScaleFactor,
		VideoQuality:         b.VideoQuality,
		SaveVideo:            b.SaveVideo,
		SavePath:             b.SavePath,
		OnlySaveMotion:       b.OnlySaveMotion,
		MotionEndTimeoutSec:  b.MotionEndTimeoutSec,
		DetectMotion:         b.DetectMotion,
		MotionSampleInterval: b.MotionSampleInterval,
		MotionDiffThreshold:  b.MotionDiffThreshold,
		AlertOnMotion:        b.AlertOnMotion,
	}
	if len(b.MotionRegions) > 0 {
		f.MotionRegions = append([]feed.MotionRegion(nil), b.MotionRegions...)
	}
	return f
}
