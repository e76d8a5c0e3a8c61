// Package pipeline composes the per-feed stream stages: encoder, motion
// detection, recording, live distribution and alerting.
//
// Everything that happens to a feed (a demuxed frame, a config update, the
// encoder stream ending, a motion quiet-period timeout, shutdown) is an event
// on one sequencer. Events are handled strictly in arrival order by a single
// worker, which is what lets every stage own its state without locks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/alert"
	"github.com/edirooss/feedmux-server/internal/distributor"
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/encoder"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
	"github.com/edirooss/feedmux-server/internal/metrics"
	"github.com/edirooss/feedmux-server/internal/motion"
	"github.com/edirooss/feedmux-server/internal/recorder"
	"github.com/edirooss/feedmux-server/internal/sequencer"
	"github.com/edirooss/feedmux-server/pkg/ffmpegcmd"
)

// ErrStopped is returned by Update after Stop.
var ErrStopped = errors.New("pipeline stopped")

type eventKind int

const (
	evStart eventKind = iota
	evFrame
	evUpdate
	evStreamEnd
	evMotionTimeout
	evStop
)

type event struct {
	kind  eventKind
	frame *frame.Frame
	feed  *feed.Feed
	err   error
	gen   uint64 // encoder version for evStreamEnd, timer generation for evMotionTimeout
	reply chan error
}

// Deps are the shared collaborators a Pipeline is built from.
type Deps struct {
	Log            *zap.Logger
	FFmpegPath     string
	Args           encoder.ArgsFunc // default: ffmpegcmd.BuildArgv(FFmpegPath, f)
	Logs           *processmgr.LogManager
	Catalog        recorder.Catalog
	Alerts         *alert.Dispatcher
	RotateInterval time.Duration
	ViewerBuffer   int
	Now            func() time.Time
}

// Status is a point-in-time view of a pipeline.
type Status struct {
	FeedID        string    `json:"feed_id"`
	Revision      int64     `json:"revision"`
	Running       bool      `json:"running"`
	Pid           int       `json:"pid,omitempty"`
	EncoderStarts uint64    `json:"encoder_starts"`
	Viewers       int       `json:"viewers"`
	Recording     bool      `json:"recording"`
	VideoID       int64     `json:"video_id,omitempty"`
	MotionActive  bool      `json:"motion_active"`
	Backlog       int       `json:"backlog"`
	Frames        uint64    `json:"frames"`
	LastFrameAt   time.Time `json:"last_frame_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Pipeline runs one feed.
type Pipeline struct {
	log    *zap.Logger
	feedID string
	now    func() time.Time

	seq    *sequencer.Sequencer[event, *feed.Feed]
	sup    *encoder.Supervisor
	det    *motion.Detector
	rec    *recorder.Recorder
	dist   *distributor.Distributor
	stages []Stage
	recSt  *recordingStage

	// owned by the sequencer worker
	captureVersion uint64
	stopped        bool

	mu          sync.RWMutex // guards the fields below
	current     *feed.Feed
	running     bool
	lastErr     error
	frames      uint64
	lastFrameAt time.Time

	stopOnce sync.Once
	stopErr  error
}

// New builds the pipeline for f. Nothing runs until Start.
func New(deps Deps, f *feed.Feed) *Pipeline {
	f = f.Clone()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Args == nil {
		bin := deps.FFmpegPath
		deps.Args = func(f *feed.Feed) []string { return ffmpegcmd.BuildArgv(bin, f) }
	}

	log := deps.Log.Named("pipeline").With(zap.String("feed_id", f.ID))
	p := &Pipeline{
		log:     log,
		feedID:  f.ID,
		now:     deps.Now,
		current: f,
	}

	p.seq = sequencer.New(p.step, f)
	p.sup = encoder.New(deps.Log, encoder.Options{
		FeedID:  f.ID,
		Args:    deps.Args,
		Logs:    deps.Logs,
		OnFrame: p.onFrame,
		OnEnd:   p.onStreamEnd,
	})
	p.det = motion.NewDetector(deps.Log, f.ID, motion.SettingsFromFeed(f))
	p.rec = recorder.New(deps.Log, recorder.Options{
		FeedID:         f.ID,
		Catalog:        deps.Catalog,
		RotateInterval: deps.RotateInterval,
		Now:            deps.Now,
	})
	p.dist = distributor.New(deps.Log, distributor.Options{
		FeedID: f.ID,
		Buffer: deps.ViewerBuffer,
		OnIdle: func() { log.Debug("last live viewer left") },
	})
	p.recSt = &recordingStage{
		log: log.Named("recording"),
		rec: p.rec,
		put: p.put,
	}

	// Frames flow through the stages in this order.
	p.stages = []Stage{
		&motionStage{det: p.det},
		p.recSt,
		&distributionStage{dist: p.dist},
		&alertStage{alerts: deps.Alerts},
	}
	return p
}

// ID returns the feed id.
func (p *Pipeline) ID() string { return p.feedID }

// Feed returns a copy of the feed config the pipeline currently runs.
func (p *Pipeline) Feed() *feed.Feed {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Clone()
}

// Distributor returns the live distributor for viewers and stills.
func (p *Pipeline) Distributor() *distributor.Distributor { return p.dist }

// Start launches the encoder. It returns once the start has been queued;
// spawn failures surface as a stream end (see Status).
func (p *Pipeline) Start() error {
	return p.put(event{kind: evStart})
}

// Update applies f (same id) and waits until every stage has seen it.
// Cosmetic changes keep the encoder running. A processmgr.ErrKillFailed
// error means the old encoder could not be stopped; the caller must Stop the
// pipeline.
func (p *Pipeline) Update(ctx context.Context, f *feed.Feed) error {
	if f.ID != p.feedID {
		return fmt.Errorf("feed id mismatch: %q != %q", f.ID, p.feedID)
	}
	reply := make(chan error, 1)
	if err := p.put(event{kind: evUpdate, feed: f.Clone(), reply: reply}); err != nil {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop detaches and terminates the encoder, then finalizes every stage once
// all queued events have been handled. It returns processmgr.ErrKillFailed
// (joined with any stage error) if the encoder survived termination.
// Stop is idempotent.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Pipeline) stop(ctx context.Context) error {
	killErr := p.sup.Stop()

	reply := make(chan error, 1)
	if err := p.put(event{kind: evStop, reply: reply}); err != nil {
		return errors.Join(killErr, ErrStopped)
	}
	done := p.seq.End()

	var stageErr error
	select {
	case stageErr = <-reply:
	case <-ctx.Done():
		return errors.Join(killErr, ctx.Err())
	}
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(killErr, stageErr, ctx.Err())
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	metrics.SequencerBacklog.DeleteLabelValues(p.feedID)
	p.log.Info("pipeline stopped")
	return errors.Join(killErr, stageErr)
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	total, _ := p.dist.Viewers()

	p.mu.RLock()
	st := Status{
		FeedID:      p.feedID,
		Revision:    p.current.Revision,
		Running:     p.running,
		Frames:      p.frames,
		LastFrameAt: p.lastFrameAt,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	p.mu.RUnlock()

	st.Pid = p.sup.Pid()
	st.EncoderStarts = p.sup.Version()
	st.Viewers = total
	st.Recording = p.rec.Recording()
	if rec := p.rec.Current(); rec != nil {
		st.VideoID = rec.ID
	}
	st.MotionActive = p.det.Active()
	st.Backlog = p.seq.Len()
	return st
}

func (p *Pipeline) put(ev event) error {
	err := p.seq.Put(ev)
	metrics.SequencerBacklog.WithLabelValues(p.feedID).Set(float64(p.seq.Len()))
	return err
}

// onFrame runs on the encoder's stdout goroutine.
func (p *Pipeline) onFrame(data []byte) {
	_ = p.put(event{kind: evFrame, frame: frame.New(data, p.now())})
}

// onStreamEnd runs when the encoder exits on its own or fails to spawn.
func (p *Pipeline) onStreamEnd(version uint64, err error) {
	_ = p.put(event{kind: evStreamEnd, err: err, gen: version})
}

// step is the sequencer worker: it handles one event given the feed config
// in effect after the previous event and returns the config for the next.
func (p *Pipeline) step(ev event, f *feed.Feed) *feed.Feed {
	if p.stopped {
		if ev.reply != nil {
			ev.reply <- ErrStopped
		}
		return f
	}

	switch ev.kind {
	case evStart:
		p.handleStart(f)

	case evFrame:
		p.handleFrame(f, ev.frame)

	case evUpdate:
		err := p.handleUpdate(f, ev.feed)
		if err == nil || !errors.Is(err, processmgr.ErrKillFailed) {
			f = ev.feed
		}
		ev.reply <- err

	case evStreamEnd:
		// The process may have exited while an update that replaces it was
		// still queued; its end says nothing about the current encoder.
		if cur := p.sup.Version(); ev.gen != cur {
			p.log.Debug("ignoring stream end of replaced encoder", zap.Uint64("version", ev.gen), zap.Uint64("current", cur))
			break
		}
		p.handleStreamEnd(ev.err)

	case evMotionTimeout:
		ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
		p.recSt.onMotionTimeout(ctx, f, ev.gen)
		cancel()

	case evStop:
		ev.reply <- p.handleStop()
	}

	metrics.SequencerBacklog.WithLabelValues(p.feedID).Set(float64(p.seq.Len()))
	return f
}

func (p *Pipeline) handleStart(f *feed.Feed) {
	p.mu.Lock()
	p.running = true
	p.lastErr = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()
	p.applyToStages(ctx, Change{Next: f, CaptureVersion: p.captureVersion})

	// A spawn failure is reported through onStreamEnd.
	_ = p.sup.Start(f)
	p.log.Info("pipeline started")
}

func (p *Pipeline) handleFrame(f *feed.Feed, fr *frame.Frame) {
	p.mu.Lock()
	p.frames++
	p.lastFrameAt = fr.CapturedAt
	p.mu.Unlock()

	for _, st := range p.stages {
		fr = st.OnFrame(f, fr)
		if fr == nil {
			return
		}
	}
}

func (p *Pipeline) handleUpdate(prev, next *feed.Feed) error {
	restarted, err := p.sup.Update(next)
	if err != nil && errors.Is(err, processmgr.ErrKillFailed) {
		p.setLastErr(err)
		return err
	}

	if restarted || prev.SavePath != next.SavePath {
		p.captureVersion++
	}

	p.mu.Lock()
	p.current = next
	if restarted || err != nil {
		p.running = err == nil
		p.lastErr = err
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()
	p.applyToStages(ctx, Change{
		Prev:             prev,
		Next:             next,
		CaptureVersion:   p.captureVersion,
		EncoderRestarted: restarted,
	})

	p.log.Info("feed updated", zap.Int64("revision", next.Revision), zap.Bool("encoder_restarted", restarted))
	// A spawn failure is reported through onStreamEnd, not to the caller.
	return nil
}

func (p *Pipeline) applyToStages(ctx context.Context, c Change) {
	for _, st := range p.stages {
		if err := st.OnFeedUpdate(ctx, c); err != nil {
			p.log.Error("stage update failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) handleStreamEnd(err error) {
	p.mu.Lock()
	p.running = false
	p.lastErr = err
	p.mu.Unlock()

	for _, st := range p.stages {
		st.OnStreamEnd()
	}
	p.log.Warn("stream ended; waiting for the next feed update", zap.Error(err))
}

func (p *Pipeline) handleStop() error {
	p.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()

	// An update queued ahead of Stop may have spawned a new encoder. Stop
	// already reported a kill failure of the original one.
	if err := p.sup.Stop(); err != nil {
		p.log.Error("encoder still alive at pipeline stop", zap.Error(err))
	}

	var errs []error
	for _, st := range p.stages {
		if err := st.OnFeedEnd(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) setLastErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}
