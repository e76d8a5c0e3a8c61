package video

import (
	"errors"
	"time"
)

// ErrRecordNotFound is returned by the catalog for unknown record ids.
var ErrRecordNotFound = errors.New("video record not found")

// Record describes one recording file.
//
// It is created when recording starts, updated once when the thumbnail is
// written and once when the file is closed, and never changes afterwards.
type Record struct {
	ID            int64      `json:"id"`
	FeedID        string     `json:"feed_id"`
	FilePath      string     `json:"file_path"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ByteLength    *int64     `json:"byte_length,omitempty"`
	ThumbnailPath *string    `json:"thumbnail_path,omitempty"`
}

// Closed reports whether the recording has been finalized.
func (r *Record) Closed() bool { return r.EndTime != nil }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	if r.ByteLength != nil {
		n := *r.ByteLength
		out.ByteLength = &n
	}
	if r.ThumbnailPath != nil {
		p := *r.ThumbnailPath
		out.ThumbnailPath = &p
	}
	return &out
}
