package pipeline

import (
	"context"
	"time"

	"github.com/edirooss/feedmux-server/internal/alert"
	"github.com/edirooss/feedmux-server/internal/distributor"
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/motion"
)

// Change describes an accepted feed update as seen by the stages.
type Change struct {
	Prev, Next *feed.Feed
	// CaptureVersion increments whenever the frames a stage receives may
	// differ in shape or source (encoder restarted, storage moved).
	CaptureVersion uint64
	// EncoderRestarted is set when the update replaced the encoder process.
	EncoderRestarted bool
}

// Stage is one step a frame passes through. All methods run on the
// pipeline's sequencer, one call at a time, so implementations need no
// locking for their own state.
type Stage interface {
	// OnFrame handles fr for feed f and returns the frame for the next stage.
	OnFrame(f *feed.Feed, fr *frame.Frame) *frame.Frame
	// OnFeedUpdate applies a feed change.
	OnFeedUpdate(ctx context.Context, c Change) error
	// OnStreamEnd runs when the encoder output ended on its own.
	OnStreamEnd()
	// OnFeedEnd releases everything; the stage is not used afterwards.
	OnFeedEnd(ctx context.Context) error
}

// motionStage annotates frames with motion flags.
type motionStage struct {
	det *motion.Detector
}

func (s *motionStage) OnFrame(_ *feed.Feed, fr *frame.Frame) *frame.Frame {
	return s.det.Process(fr)
}

func (s *motionStage) OnFeedUpdate(_ context.Context, c Change) error {
	s.det.Update(motion.SettingsFromFeed(c.Next))
	if c.EncoderRestarted {
		// New encoder output; the old baseline no longer describes it.
		s.det.Reset()
	}
	return nil
}

func (s *motionStage) OnStreamEnd()                      { s.det.Reset() }
func (s *motionStage) OnFeedEnd(context.Context) error { return nil }

// distributionStage publishes frames to live viewers.
type distributionStage struct {
	dist *distributor.Distributor
}

func (s *distributionStage) OnFrame(_ *feed.Feed, fr *frame.Frame) *frame.Frame {
	s.dist.Publish(fr)
	return fr
}

func (s *distributionStage) OnFeedUpdate(context.Context, Change) error { return nil }
func (s *distributionStage) OnStreamEnd()                             { s.dist.EndStream() }

func (s *distributionStage) OnFeedEnd(context.Context) error {
	s.dist.Close()
	return nil
}

// alertStage hands motion-start frames to the alert dispatcher.
type alertStage struct {
	alerts *alert.Dispatcher
}

func (s *alertStage) OnFrame(f *feed.Feed, fr *frame.Frame) *frame.Frame {
	if s.alerts != nil {
		s.alerts.OnFrame(f, fr)
	}
	return fr
}

func (s *alertStage) OnFeedUpdate(context.Context, Change) error { return nil }
func (s *alertStage) OnStreamEnd()                             {}
func (s *alertStage) OnFeedEnd(context.Context) error          { return nil }

// stageTimeout bounds storage calls made from a stage.
const stageTimeout = 30 * time.Second
