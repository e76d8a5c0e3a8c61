// Package encoder owns the external process that turns a feed's source into
// a raw MJPEG byte stream, and demuxes that stream into frames.
package encoder

import (
	"errors"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
	"github.com/edirooss/feedmux-server/internal/metrics"
	"github.com/edirooss/feedmux-server/internal/mjpeg"
)

// ArgsFunc computes the encoder argv (argv[0] is the binary) for a feed.
// Two feeds that should share a running encoder must produce value-equal argv.
type ArgsFunc func(f *feed.Feed) []string

// Options configures a Supervisor.
type Options struct {
	FeedID string
	Args   ArgsFunc
	Logs   *processmgr.LogManager

	// OnFrame receives every complete frame in stream order. It runs on the
	// stdout reader goroutine and must not block for long.
	OnFrame func(frame []byte)
	// OnEnd fires once per process that ends without being stopped: a
	// spawn failure or an unexpected exit. version is the Version that
	// process was spawned as; err is nil on a clean exit.
	OnEnd func(version uint64, err error)
}

// Supervisor keeps at most one encoder process alive for a feed.
//
// It is safe for concurrent use, but the pipeline calls it from its
// sequencer only.
type Supervisor struct {
	log  *zap.Logger
	opts Options
	env  []string

	mu      sync.Mutex
	proc    *processmgr.Process
	argv    []string
	version uint64 // bumped on every (re)spawn
}

// New returns an idle Supervisor.
func New(log *zap.Logger, opts Options) *Supervisor {
	if opts.OnFrame == nil {
		opts.OnFrame = func([]byte) {}
	}
	if opts.OnEnd == nil {
		opts.OnEnd = func(uint64, error) {}
	}
	return &Supervisor{
		log:  log.Named("encoder").With(zap.String("feed_id", opts.FeedID)),
		opts: opts,
		env:  os.Environ(),
	}
}

// Start launches the encoder for f. A spawn failure is logged, reported
// through OnEnd and returned (wrapping processmgr.ErrSpawn).
func (s *Supervisor) Start(f *feed.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aliveLocked() {
		return nil
	}
	return s.spawnLocked(s.opts.Args(f))
}

// Update recomputes the argv for f. If it is value-equal to the running
// argv nothing happens (restarted=false). Otherwise the running process is
// stopped and a new one started. An encoder whose stream already ended is
// always started again.
func (s *Supervisor) Update(f *feed.Feed) (restarted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.opts.Args(f)
	if s.aliveLocked() && slices.Equal(next, s.argv) {
		s.log.Debug("encoder argv unchanged; keeping process")
		return false, nil
	}

	if err := s.stopLocked(); err != nil {
		return false, err
	}
	return true, s.spawnLocked(next)
}

// Stop detaches the stream listeners and then terminates the process.
// It returns processmgr.ErrKillFailed if the process survived.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// Pid returns the running encoder's pid, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aliveLocked() {
		return 0
	}
	return s.proc.Pid()
}

func (s *Supervisor) aliveLocked() bool {
	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.Done():
		return false
	default:
		return true
	}
}

// Version returns how many processes this Supervisor has spawned.
func (s *Supervisor) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Argv returns a copy of the argv of the current (or last) process.
func (s *Supervisor) Argv() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.argv)
}

func (s *Supervisor) spawnLocked(argv []string) error {
	s.argv = argv
	s.version++

	demux := mjpeg.NewDemuxer(func(frame []byte) {
		metrics.FramesDemuxed.WithLabelValues(s.opts.FeedID).Inc()
		s.opts.OnFrame(frame)
	})

	proc, err := processmgr.NewProcess(s.log, s.opts.Logs.Get(s.opts.FeedID), demux, s.env, argv)
	if err == nil {
		err = proc.Start()
	}
	if err != nil {
		s.log.Error("encoder spawn failed", zap.Strings("argv", argv), zap.Error(err))
		metrics.EncoderStarts.WithLabelValues(s.opts.FeedID, "spawn_error").Inc()
		s.proc = nil
		s.opts.OnEnd(s.version, err)
		return err
	}

	metrics.EncoderStarts.WithLabelValues(s.opts.FeedID, "started").Inc()
	s.log.Info("encoder started", zap.Int("cmd_pid", proc.Pid()), zap.Uint64("version", s.version))
	s.proc = proc
	go s.watch(proc, s.version)
	return nil
}

// watch raises the stream-end signal when proc ends on its own.
func (s *Supervisor) watch(proc *processmgr.Process, version uint64) {
	<-proc.Done()
	if proc.Detached() {
		return
	}

	err := proc.Err()
	cause := "exited"
	if err != nil {
		cause = "failed"
	}
	metrics.EncoderExits.WithLabelValues(s.opts.FeedID, cause).Inc()
	s.log.Warn("encoder stream ended", zap.Int("cmd_pid", proc.Pid()), zap.Uint64("version", version), zap.Error(err))
	s.opts.OnEnd(version, err)
}

func (s *Supervisor) stopLocked() error {
	proc := s.proc
	if proc == nil {
		return nil
	}

	proc.Detach()
	err := proc.Close()
	if err != nil {
		s.log.Error("encoder termination failed", zap.Int("cmd_pid", proc.Pid()), zap.Error(err))
		return err
	}

	s.proc = nil
	metrics.EncoderExits.WithLabelValues(s.opts.FeedID, "stopped").Inc()
	s.log.Info("encoder stopped", zap.Int("cmd_pid", proc.Pid()))
	return nil
}

// IsKillFailure reports whether err means a process outlived termination.
func IsKillFailure(err error) bool { return errors.Is(err, processmgr.ErrKillFailed) }
