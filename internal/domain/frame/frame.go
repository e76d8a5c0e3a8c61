package frame

import "time"

// Frame is one complete JPEG image cut from an encoder stream.
//
// The demuxer creates it, the motion detector fills in the motion fields, and
// from then on it is read-only: recorder, distributor and alerting share the
// same value without copying.
type Frame struct {
	Data       []byte    // complete JPEG, SOI through EOI
	CapturedAt time.Time // when the demuxer cut the frame

	MotionRatio   float64 // differing / analyzed samples; 0 when not analyzed
	Motion        bool    // ratio >= threshold
	IsMotionStart bool    // previous frame had no motion, this one has
	IsMotionEnd   bool    // previous frame had motion, this one has not
}

// New wraps data captured at t.
func New(data []byte, t time.Time) *Frame {
	return &Frame{Data: data, CapturedAt: t}
}
