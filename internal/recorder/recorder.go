// Package recorder persists a feed's frames to MJPEG files with per-frame
// timing metadata, and rotates them on a UTC-midnight-aligned schedule.
//
// Whether a feed should be recording at all (always, or only around motion)
// is decided by the caller; the Recorder only opens, feeds and closes
// sessions.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/domain/video"
	"github.com/edirooss/feedmux-server/internal/metrics"
)

// ErrNotRecording is returned by WriteFrame when no session is open.
var ErrNotRecording = errors.New("not recording")

const defaultRotateInterval = time.Hour

// Options configures a Recorder.
type Options struct {
	FeedID         string
	Catalog        Catalog
	RotateInterval time.Duration    // default 1h
	Now            func() time.Time // default time.Now
}

// Recorder owns at most one open Session for a feed and rotates it.
// It is safe for concurrent use: the pipeline writes frames while the
// rotation timer swaps sessions.
type Recorder struct {
	log      *zap.Logger
	feedID   string
	catalog  Catalog
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	dir     string
	cur     *Session
	timer   *time.Timer
	stopped chan struct{} // closed when the current schedule is cancelled
}

// New returns an idle Recorder.
func New(log *zap.Logger, opts Options) *Recorder {
	if opts.RotateInterval <= 0 {
		opts.RotateInterval = defaultRotateInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		log:      log.Named("recorder").With(zap.String("feed_id", opts.FeedID)),
		feedID:   opts.FeedID,
		catalog:  opts.Catalog,
		interval: opts.RotateInterval,
		now:      opts.Now,
	}
}

// Start opens a session writing under dir and arms rotation. It is a no-op
// if a session is already open.
func (r *Recorder) Start(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur != nil {
		return nil
	}

	s, err := startSession(ctx, r.log, r.catalog, r.feedID, dir, r.now)
	if err != nil {
		metrics.RecordingErrors.WithLabelValues(r.feedID, "start").Inc()
		return err
	}
	r.dir = dir
	r.cur = s
	metrics.RecordingsActive.WithLabelValues(r.feedID).Set(1)

	r.stopped = make(chan struct{})
	r.timer = time.AfterFunc(RotationDelay(r.now(), r.interval), r.rotateFunc(r.stopped))
	return nil
}

// WriteFrame appends f to the open session. The lock is held across the
// enqueue so a concurrent rotation cannot close the session in between.
func (r *Recorder) WriteFrame(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil {
		return ErrNotRecording
	}
	return r.cur.WriteFrame(f)
}

// Recording reports whether a session is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

// Current returns a copy of the open session's record, or nil.
func (r *Recorder) Current() *video.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	return r.cur.Record()
}

// Stop cancels rotation and finalizes the open session once all its queued
// frames have been written. It is a no-op when nothing is recording.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	s := r.cur
	r.cur = nil
	r.cancelRotationLocked()
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	metrics.RecordingsActive.WithLabelValues(r.feedID).Set(0)
	return s.Stop(ctx)
}

// Restart finalizes the open session (if any) and opens a fresh one under dir.
func (r *Recorder) Restart(ctx context.Context, dir string) error {
	stopErr := r.Stop(ctx)
	if err := r.Start(ctx, dir); err != nil {
		return errors.Join(stopErr, err)
	}
	return stopErr
}

func (r *Recorder) cancelRotationLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.stopped != nil {
		close(r.stopped)
		r.stopped = nil
	}
}

// rotateFunc returns the timer callback for one rotation schedule. A
// callback racing with Stop sees its schedule cancelled and does nothing.
func (r *Recorder) rotateFunc(schedule chan struct{}) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		r.mu.Lock()
		select {
		case <-schedule:
			r.mu.Unlock()
			return
		default:
		}

		old := r.cur
		next, err := startSession(ctx, r.log, r.catalog, r.feedID, r.dir, r.now)
		if err != nil {
			// Keep writing into the old file and try again next interval.
			metrics.RecordingErrors.WithLabelValues(r.feedID, "start").Inc()
			r.log.Error("rotation failed; keeping current recording", zap.Error(err))
		} else {
			r.cur = next
		}
		r.timer = time.AfterFunc(r.interval, r.rotateFunc(schedule))
		r.mu.Unlock()

		if err == nil && old != nil {
			if err := old.Stop(ctx); err != nil {
				r.log.Error("rotated recording closed with errors", zap.Error(err))
			}
		}
	}
}

// RotationDelay returns how long to wait before the first rotation so that
// rotations land on multiples of interval counted from UTC midnight:
// (time until next UTC midnight) mod interval, or a full interval when that
// is zero.
func RotationDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		panic(fmt.Sprintf("recorder: invalid rotate interval %v", interval))
	}
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	d := midnight.Sub(utc) % interval
	if d == 0 {
		return interval
	}
	return d
}
