package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrFeedNotFound is returned by repositories and services for unknown feed ids.
var ErrFeedNotFound = errors.New("feed not found")

// Feed is one configured camera source and its processing policy.
//
// ID is immutable; every other field is replaced as a unit by an update.
// Revision is owned by the service and increments on every accepted update.
type Feed struct {
	ID                   string         `json:"id"`                      //
	Revision             int64          `json:"revision"`                // server-managed
	Name                 string         `json:"name"`                    //
	SourceURL            string         `json:"source_url"`              //
	MaxFPS               float64        `json:"max_fps"`                 // 0 = source rate
	ScaleFactor          float64        `json:"scale_factor"`            // 1 = native size
	VideoQuality         int            `json:"video_quality"`           // mjpeg q:v, 2..31
	SaveVideo            bool           `json:"save_video"`              //
	SavePath             string         `json:"save_path"`               // required when save_video
	OnlySaveMotion       bool           `json:"only_save_motion"`        //
	MotionEndTimeoutSec  uint           `json:"motion_end_timeout_sec"`  //
	DetectMotion         bool           `json:"detect_motion"`           //
	MotionSampleInterval int            `json:"motion_sample_interval"`  // >= 1
	MotionDiffThreshold  float64        `json:"motion_diff_threshold"`   // 0..1
	MotionRegions        []MotionRegion `json:"motion_regions"`          // empty = whole frame
	AlertOnMotion        bool           `json:"alert_on_motion"`         //
}

// MotionEndTimeout returns the quiet period after which a motion-gated
// recording is closed.
func (f *Feed) MotionEndTimeout() time.Duration {
	return time.Duration(f.MotionEndTimeoutSec) * time.Second
}

// RecordsContinuously reports whether the feed records regardless of motion.
func (f *Feed) RecordsContinuously() bool {
	return f.SaveVideo && !f.OnlySaveMotion
}

// RecordsOnMotion reports whether recordings are gated by motion.
func (f *Feed) RecordsOnMotion() bool {
	return f.SaveVideo && f.OnlySaveMotion
}

// Clone returns a deep copy safe to hand to another goroutine.
func (f *Feed) Clone() *Feed {
	if f == nil {
		return nil
	}
	out := *f
	if f.MotionRegions != nil {
		out.MotionRegions = make([]MotionRegion, len(f.MotionRegions))
		copy(out.MotionRegions, f.MotionRegions)
	}
	return &out
}

// MotionRegion is a rectangle expressed as fractions of the frame size.
// On the wire it is the 4-element array [x, y, width, height].
type MotionRegion struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func (r MotionRegion) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{r.X, r.Y, r.Width, r.Height})
}

func (r *MotionRegion) UnmarshalJSON(b []byte) error {
	var arr []float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("motion region must be [x, y, width, height]: %w", err)
	}
	if len(arr) != 4 {
		return fmt.Errorf("motion region must have 4 elements, got %d", len(arr))
	}
	r.X, r.Y, r.Width, r.Height = arr[0], arr[1], arr[2], arr[3]
	return nil
}
