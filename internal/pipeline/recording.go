package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/recorder"
	"github.com/edirooss/feedmux-server/internal/sequencer"
)

// recordingStage applies the feed's recording policy:
//
//   - save_video without only_save_motion: record while frames flow
//   - save_video with only_save_motion: open a recording on motion and close
//     it once no motion was seen for motion_end_timeout
//
// The quiet-period timer does not touch the recorder itself; it re-enters
// the sequencer with a motionTimeout event so every recorder call stays in
// frame order.
type recordingStage struct {
	log *zap.Logger
	rec *recorder.Recorder
	put func(event) error

	version     uint64 // capture version of the open session
	startFailed bool   // stop retrying every frame until the next update
	timer       *time.Timer
	timerGen    uint64
	motion      bool
}

func (s *recordingStage) OnFrame(f *feed.Feed, fr *frame.Frame) *frame.Frame {
	s.motion = fr.Motion

	switch {
	case f.RecordsContinuously():
		s.ensureStarted(f)

	case f.RecordsOnMotion():
		if fr.Motion {
			s.cancelTimer()
			s.ensureStarted(f)
		} else if s.rec.Recording() && s.timer == nil {
			s.armTimer(f.MotionEndTimeout())
		}

	default:
		return fr
	}

	if s.rec.Recording() {
		if err := s.rec.WriteFrame(fr); err != nil && !errors.Is(err, sequencer.ErrClosed) {
			s.log.Warn("frame not recorded", zap.Error(err))
		}
	}
	return fr
}

func (s *recordingStage) OnFeedUpdate(ctx context.Context, c Change) error {
	s.startFailed = false
	next := c.Next

	if !next.SaveVideo {
		s.cancelTimer()
		return s.stop(ctx)
	}

	if s.rec.Recording() && c.CaptureVersion != s.version {
		s.log.Info("capture parameters changed; restarting recording")
		if err := s.stop(ctx); err != nil {
			s.log.Error("previous recording closed with errors", zap.Error(err))
		}
		s.start(ctx, next, c.CaptureVersion)
	}
	s.version = c.CaptureVersion

	if next.RecordsOnMotion() && s.rec.Recording() && !s.motion && s.timer == nil {
		s.armTimer(next.MotionEndTimeout())
	}
	if next.RecordsContinuously() {
		s.cancelTimer()
	}
	return nil
}

// onMotionTimeout closes a motion-gated recording after the quiet period.
func (s *recordingStage) onMotionTimeout(ctx context.Context, f *feed.Feed, gen uint64) {
	if gen != s.timerGen || s.timer == nil {
		return // cancelled or superseded
	}
	s.timer = nil
	if !f.RecordsOnMotion() || s.motion {
		return
	}
	if err := s.stop(ctx); err != nil {
		s.log.Error("motion recording closed with errors", zap.Error(err))
	}
}

func (s *recordingStage) OnStreamEnd() {
	s.cancelTimer()
	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()
	if err := s.stop(ctx); err != nil {
		s.log.Error("recording closed with errors after stream end", zap.Error(err))
	}
}

func (s *recordingStage) OnFeedEnd(ctx context.Context) error {
	s.cancelTimer()
	return s.stop(ctx)
}

func (s *recordingStage) ensureStarted(f *feed.Feed) {
	if s.rec.Recording() || s.startFailed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()
	s.start(ctx, f, s.version)
}

func (s *recordingStage) start(ctx context.Context, f *feed.Feed, version uint64) {
	if err := s.rec.Start(ctx, f.SavePath); err != nil {
		s.startFailed = true
		s.log.Error("recording start failed", zap.String("save_path", f.SavePath), zap.Error(err))
		return
	}
	s.version = version
}

func (s *recordingStage) stop(ctx context.Context) error {
	return s.rec.Stop(ctx)
}

func (s *recordingStage) armTimer(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		_ = s.put(event{kind: evMotionTimeout, gen: gen})
	})
}

func (s *recordingStage) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}
