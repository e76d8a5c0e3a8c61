package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/domain/video"
	"github.com/edirooss/feedmux-server/internal/metrics"
	"github.com/edirooss/feedmux-server/internal/mjpeg"
	"github.com/edirooss/feedmux-server/internal/sequencer"
)

// Catalog persists video records.
type Catalog interface {
	Create(ctx context.Context, rec *video.Record) (*video.Record, error)
	Update(ctx context.Context, rec *video.Record) error
}

// writeState is carried from one frame write to the next.
type writeState struct {
	prevCapture time.Time
	frames      int
}

// Session is one open recording file. Frames are appended in order by a
// dedicated sequencer so Stop can wait for every queued write to land.
type Session struct {
	log     *zap.Logger
	catalog Catalog
	now     func() time.Time

	mu   sync.Mutex // guards rec
	rec  *video.Record
	file *os.File
	seq  *sequencer.Sequencer[*frame.Frame, writeState]

	// owned by the sequencer worker
	written int64
	err     error

	stopOnce sync.Once
	stopErr  error
}

// startSession creates the recording file under dir and registers its
// record in the catalog.
func startSession(ctx context.Context, log *zap.Logger, catalog Catalog, feedID, dir string, now func() time.Time) (*Session, error) {
	start := now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	path, file, err := createRecordingFile(dir, feedID+"-"+start.UTC().Format("20060102T150405.000Z"))
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	rec, err := catalog.Create(ctx, &video.Record{
		FeedID:    feedID,
		FilePath:  path,
		StartTime: start,
	})
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("register recording: %w", err)
	}

	s := &Session{
		log:     log.With(zap.Int64("video_id", rec.ID)),
		catalog: catalog,
		now:     now,
		rec:     rec,
		file:    file,
	}
	s.seq = sequencer.New(s.write, writeState{})
	s.log.Info("recording started", zap.String("path", path))
	return s, nil
}

// maxNameAttempts bounds the -N suffixes tried when sessions start within
// the same millisecond.
const maxNameAttempts = 1000

// createRecordingFile exclusively creates <dir>/<base>.mjpeg, falling back
// to <base>-1.mjpeg, <base>-2.mjpeg... when the name is taken.
func createRecordingFile(dir, base string) (string, *os.File, error) {
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(dir, name+".mjpeg")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, file, nil
		}
		if !errors.Is(err, os.ErrExist) || i+1 >= maxNameAttempts {
			return "", nil, err
		}
	}
}

// WriteFrame queues f for writing. It never blocks; it returns
// sequencer.ErrClosed once Stop has begun.
func (s *Session) WriteFrame(f *frame.Frame) error {
	return s.seq.Put(f)
}

// Record returns a copy of the session's record.
func (s *Session) Record() *video.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

// write runs on the session sequencer: one frame, in order.
func (s *Session) write(f *frame.Frame, st writeState) writeState {
	if s.err != nil {
		return st
	}

	data, err := mjpeg.InjectMetadata(f.Data, mjpeg.NewMetadata(f.CapturedAt, st.prevCapture))
	if err != nil {
		s.log.Warn("skipping frame without SOI", zap.Error(err))
		return st
	}

	if st.frames == 0 {
		s.writeThumbnail(f.Data)
	}

	n, err := s.file.Write(data)
	s.written += int64(n)
	metrics.RecordingBytes.WithLabelValues(s.rec.FeedID).Add(float64(n))
	if err != nil {
		s.err = fmt.Errorf("write frame: %w", err)
		metrics.RecordingErrors.WithLabelValues(s.rec.FeedID, "write").Inc()
		s.log.Error("recording write failed", zap.Error(err))
		return st
	}

	return writeState{prevCapture: f.CapturedAt, frames: st.frames + 1}
}

// writeThumbnail stores the first frame verbatim next to the recording.
// A failure is logged; the recording itself continues.
func (s *Session) writeThumbnail(jpeg []byte) {
	path := strings.TrimSuffix(s.rec.FilePath, filepath.Ext(s.rec.FilePath)) + ".jpg"
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		s.log.Warn("thumbnail write failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.rec.ThumbnailPath = &path
	rec := s.rec.Clone()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.catalog.Update(ctx, rec); err != nil {
		s.log.Warn("thumbnail catalog update failed", zap.Error(err))
	}
}

// Stop waits for every queued frame to be written, closes the file and
// stamps the record's end time and byte length. It returns the first write
// or close error. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Session) stop(ctx context.Context) error {
	<-s.seq.End()

	errs := []error{s.err}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close recording: %w", err))
	}

	size := s.written
	if fi, err := os.Stat(s.rec.FilePath); err == nil {
		size = fi.Size()
	} else {
		errs = append(errs, fmt.Errorf("stat recording: %w", err))
	}

	end := s.now()
	if !end.After(s.rec.StartTime) {
		end = s.rec.StartTime.Add(time.Millisecond)
	}

	s.mu.Lock()
	s.rec.EndTime = &end
	s.rec.ByteLength = &size
	rec := s.rec.Clone()
	s.mu.Unlock()

	if err := s.catalog.Update(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("finalize record: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		metrics.RecordingErrors.WithLabelValues(rec.FeedID, "stop").Inc()
		s.log.Error("recording stopped with errors", zap.Int64("bytes", size), zap.Error(err))
	} else {
		s.log.Info("recording stopped", zap.Int64("bytes", size), zap.Duration("duration", end.Sub(rec.StartTime)))
	}
	return err
}
