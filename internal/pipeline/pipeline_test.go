package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/distributor"
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/video"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
)

type memCatalog struct {
	mu   sync.Mutex
	next int64
	recs map[int64]*video.Record
}

func newMemCatalog() *memCatalog { return &memCatalog{recs: map[int64]*video.Record{}} }

func (c *memCatalog) Create(_ context.Context, rec *video.Record) (*video.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	out := rec.Clone()
	out.ID = c.next
	c.recs[out.ID] = out.Clone()
	return out, nil
}

func (c *memCatalog) Update(_ context.Context, rec *video.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.ID] = rec.Clone()
	return nil
}

func (c *memCatalog) list() []*video.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*video.Record
	for id := int64(1); id <= c.next; id++ {
		out = append(out, c.recs[id].Clone())
	}
	return out
}

// frameFile writes a small JPEG for the fake encoder to replay.
func frameFile(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// loopArgs replays the frame forever; max_fps only changes the argv.
func loopArgs(path string) func(*feed.Feed) []string {
	return func(f *feed.Feed) []string {
		return []string{"/bin/sh", "-c", fmt.Sprintf("while :; do cat %s; sleep 0.02; done # fps=%v", path, f.MaxFPS)}
	}
}

// burstArgs emits n frames then exits.
func burstArgs(path string, n int) func(*feed.Feed) []string {
	return func(*feed.Feed) []string {
		return []string{"/bin/sh", "-c", fmt.Sprintf("i=0; while [ $i -lt %d ]; do cat %s; i=$((i+1)); done", n, path)}
	}
}

func testFeed() *feed.Feed {
	return &feed.Feed{
		ID:           "cam",
		Name:         "Porch",
		SourceURL:    "rtsp://10.0.0.9/stream",
		ScaleFactor:  1,
		VideoQuality: 5,
	}
}

func newPipeline(t *testing.T, args func(*feed.Feed) []string, cat *memCatalog, f *feed.Feed) *Pipeline {
	t.Helper()
	p := New(Deps{
		Log:     zap.NewNop(),
		Args:    args,
		Logs:    processmgr.NewLogManager(),
		Catalog: cat,
	}, f)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipelineDeliversFramesToViewers(t *testing.T) {
	path := frameFile(t)
	want, _ := os.ReadFile(path)
	p := newPipeline(t, loopArgs(path), newMemCatalog(), testFeed())

	v, err := p.Distributor().Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case fr := <-v.Frames():
		if !bytes.Equal(fr.Data, want) {
			t.Fatal("viewer received a corrupted frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}

	st := p.Status()
	if !st.Running || st.Pid == 0 || st.Frames == 0 || st.Viewers != 1 {
		t.Fatalf("status = %+v", st)
	}
	if p.Distributor().Latest() == nil {
		t.Fatal("no still available")
	}
}

func TestPipelineCosmeticUpdateKeepsEncoder(t *testing.T) {
	path := frameFile(t)
	f := testFeed()
	p := newPipeline(t, loopArgs(path), newMemCatalog(), f)
	_ = p.Start()
	eventually(t, "encoder start", func() bool { return p.Status().Pid != 0 })
	pid := p.Status().Pid

	renamed := f.Clone()
	renamed.Name = "Front porch"
	renamed.Revision = 2
	if err := p.Update(context.Background(), renamed); err != nil {
		t.Fatal(err)
	}
	st := p.Status()
	if st.Pid != pid || st.EncoderStarts != 1 {
		t.Fatalf("rename restarted the encoder: %+v", st)
	}
	if p.Feed().Name != "Front porch" || st.Revision != 2 {
		t.Fatal("update not applied")
	}

	faster := renamed.Clone()
	faster.MaxFPS = 12
	if err := p.Update(context.Background(), faster); err != nil {
		t.Fatal(err)
	}
	eventually(t, "encoder restart", func() bool {
		st := p.Status()
		return st.EncoderStarts == 2 && st.Pid != 0 && st.Pid != pid
	})
}

func TestPipelineContinuousRecording(t *testing.T) {
	path := frameFile(t)
	cat := newMemCatalog()
	f := testFeed()
	f.SaveVideo = true
	f.SavePath = t.TempDir()

	p := newPipeline(t, loopArgs(path), cat, f)
	_ = p.Start()
	eventually(t, "frames", func() bool { return p.Status().Frames >= 5 })
	if !p.Status().Recording {
		t.Fatal("continuous feed is not recording")
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	recs := cat.list()
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	rec := recs[0]
	if !rec.Closed() || rec.ThumbnailPath == nil {
		t.Fatalf("record = %+v", rec)
	}
	fi, err := os.Stat(rec.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != *rec.ByteLength || fi.Size() == 0 {
		t.Fatalf("size %d vs byte_length %d", fi.Size(), *rec.ByteLength)
	}
}

func TestPipelineRecordingRestartsOnCaptureChange(t *testing.T) {
	path := frameFile(t)
	cat := newMemCatalog()
	f := testFeed()
	f.SaveVideo = true
	f.SavePath = t.TempDir()

	p := newPipeline(t, loopArgs(path), cat, f)
	_ = p.Start()
	eventually(t, "recording", func() bool { return p.Status().Recording })

	renamed := f.Clone()
	renamed.Name = "Renamed"
	if err := p.Update(context.Background(), renamed); err != nil {
		t.Fatal(err)
	}
	if n := len(cat.list()); n != 1 {
		t.Fatalf("cosmetic update produced %d recordings", n)
	}

	moved := renamed.Clone()
	moved.SavePath = t.TempDir()
	if err := p.Update(context.Background(), moved); err != nil {
		t.Fatal(err)
	}
	recs := cat.list()
	if len(recs) != 2 || !recs[0].Closed() || filepath.Dir(recs[1].FilePath) != moved.SavePath {
		t.Fatalf("records after save_path change = %+v", recs)
	}

	off := moved.Clone()
	off.SaveVideo = false
	if err := p.Update(context.Background(), off); err != nil {
		t.Fatal(err)
	}
	if p.Status().Recording {
		t.Fatal("still recording with save_video off")
	}
}

func TestPipelineStreamEnd(t *testing.T) {
	path := frameFile(t)
	cat := newMemCatalog()
	f := testFeed()
	f.SaveVideo = true
	f.SavePath = t.TempDir()

	p := newPipeline(t, burstArgs(path, 3), cat, f)
	v, _ := p.Distributor().Subscribe()
	_ = p.Start()

	for range v.Frames() {
		// drained until the stream end closes the viewer
	}
	eventually(t, "stream end", func() bool { return !p.Status().Running })

	st := p.Status()
	if st.Frames != 3 || st.Recording {
		t.Fatalf("status after stream end = %+v", st)
	}
	recs := cat.list()
	if len(recs) != 1 || !recs[0].Closed() {
		t.Fatal("recording not finalized on stream end")
	}

	// No automatic restart; the next update brings the feed back.
	time.Sleep(50 * time.Millisecond)
	if p.Status().EncoderStarts != 1 {
		t.Fatal("encoder restarted on its own")
	}
	if err := p.Update(context.Background(), f.Clone()); err != nil {
		t.Fatal(err)
	}
	if p.Status().EncoderStarts != 2 {
		t.Fatal("update did not restart the ended stream")
	}
}

// stallingCatalog blocks the first Create until release is closed, which
// holds the pipeline worker inside a frame event.
type stallingCatalog struct {
	*memCatalog
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *stallingCatalog) Create(ctx context.Context, rec *video.Record) (*video.Record, error) {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.memCatalog.Create(ctx, rec)
}

func TestPipelineIgnoresEndOfReplacedEncoder(t *testing.T) {
	path := frameFile(t)
	cat := &stallingCatalog{
		memCatalog: newMemCatalog(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	f := testFeed()
	f.SaveVideo = true
	f.SavePath = t.TempDir()

	// The first encoder emits one frame and exits shortly after; any other
	// max_fps keeps streaming.
	args := func(f *feed.Feed) []string {
		if f.MaxFPS == 0 {
			return []string{"/bin/sh", "-c", fmt.Sprintf("cat %s; sleep 0.2", path)}
		}
		return loopArgs(path)(f)
	}
	p := New(Deps{Log: zap.NewNop(), Args: args, Logs: processmgr.NewLogManager(), Catalog: cat}, f)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	_ = p.Start()

	select {
	case <-cat.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("recording never started")
	}

	// Queue the replacing update behind the stalled frame, then let the first
	// encoder exit so its stream end lands after the update.
	faster := f.Clone()
	faster.MaxFPS = 12
	updated := make(chan error, 1)
	go func() { updated <- p.Update(context.Background(), faster) }()
	eventually(t, "update queued", func() bool { return p.seq.Len() > 0 })
	eventually(t, "first encoder exit", func() bool { return p.sup.Pid() == 0 })
	time.Sleep(50 * time.Millisecond)
	close(cat.release)

	if err := <-updated; err != nil {
		t.Fatal(err)
	}
	// A cosmetic update round-trips the queue past the stale stream end.
	renamed := faster.Clone()
	renamed.Name = "Renamed"
	if err := p.Update(context.Background(), renamed); err != nil {
		t.Fatal(err)
	}

	st := p.Status()
	if !st.Running || st.Pid == 0 || st.EncoderStarts != 2 || st.LastError != "" {
		t.Fatalf("status after stale stream end = %+v", st)
	}
	if !st.Recording {
		t.Fatal("recording closed by the replaced encoder's stream end")
	}
}

func TestPipelineSpawnFailure(t *testing.T) {
	p := newPipeline(t, func(*feed.Feed) []string { return []string{"/nonexistent/ffmpeg"} }, newMemCatalog(), testFeed())
	_ = p.Start()
	eventually(t, "spawn error", func() bool { return p.Status().LastError != "" })
	if p.Status().Running {
		t.Fatal("running after spawn failure")
	}
}

func TestPipelineStop(t *testing.T) {
	path := frameFile(t)
	p := newPipeline(t, loopArgs(path), newMemCatalog(), testFeed())
	v, _ := p.Distributor().Subscribe()
	_ = p.Start()
	eventually(t, "frames", func() bool { return p.Status().Frames > 0 })

	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range v.Frames() {
	}
	if _, err := p.Distributor().Subscribe(); !errors.Is(err, distributor.ErrClosed) {
		t.Fatalf("Subscribe after Stop = %v", err)
	}
	if err := p.Update(context.Background(), testFeed()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Update after Stop = %v", err)
	}
	if st := p.Status(); st.Running || st.Pid != 0 {
		t.Fatalf("status after Stop = %+v", st)
	}
}

func TestRegistryStopAll(t *testing.T) {
	path := frameFile(t)
	reg := NewRegistry()
	for _, id := range []string{"b", "a"} {
		f := testFeed()
		f.ID = id
		p := New(Deps{Log: zap.NewNop(), Args: loopArgs(path), Logs: processmgr.NewLogManager(), Catalog: newMemCatalog()}, f)
		if !reg.Add(p) {
			t.Fatal("Add failed")
		}
		_ = p.Start()
	}
	if reg.Add(New(Deps{Log: zap.NewNop(), Logs: processmgr.NewLogManager()}, &feed.Feed{ID: "a"})) {
		t.Fatal("duplicate feed id accepted")
	}
	if l := reg.List(); len(l) != 2 || l[0].ID() != "a" {
		t.Fatal("List not ordered by feed id")
	}

	eventually(t, "encoders", func() bool {
		for _, p := range reg.List() {
			if p.Status().Pid == 0 {
				return false
			}
		}
		return true
	})
	if err := reg.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Fatal("registry not emptied")
	}
}
