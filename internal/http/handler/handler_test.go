package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/catalog"
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/video"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
	"github.com/edirooss/feedmux-server/internal/mjpeg"
	"github.com/edirooss/feedmux-server/internal/pipeline"
	"github.com/edirooss/feedmux-server/internal/repo"
	"github.com/edirooss/feedmux-server/internal/service"
)

func init() { gin.SetMode(gin.TestMode) }

type testServer struct {
	router  *gin.Engine
	catalog *catalog.Catalog
	frame   []byte
}

// testJPEG encodes seeded noise, large enough that a response body spans
// more than one write.
func testJPEG(t *testing.T) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, 96, 96))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cat, err := catalog.New(context.Background(), log, rdb, "")
	if err != nil {
		t.Fatal(err)
	}

	frame := testJPEG(t)
	framePath := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(framePath, frame, 0o644); err != nil {
		t.Fatal(err)
	}

	reg := pipeline.NewRegistry()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = reg.StopAll(ctx)
	})
	feeds := service.NewFeedService(log, repo.NewFeedRepository(log, rdb), reg, pipeline.Deps{
		Log: log,
		Args: func(f *feed.Feed) []string {
			return []string{"/bin/sh", "-c", fmt.Sprintf("while :; do cat %s; sleep 0.02; done # fps=%v", framePath, f.MaxFPS)}
		},
		Logs:    processmgr.NewLogManager(),
		Catalog: cat,
	})
	summary := service.NewSummaryService(log, feeds, service.SummaryOptions{TTL: time.Minute})

	r := gin.New()
	(&Routes{
		Feeds:   NewFeedsHandler(log, feeds, summary),
		Streams: NewStreamsHandler(log, feeds),
		Videos:  NewVideosHandler(log, cat),
	}).Register(r)

	return &testServer{router: r, catalog: cat, frame: frame}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

const camBody = `{"id":"cam","name":"Front","source_url":"rtsp://10.0.0.5:554/stream"}`

func TestFeedCRUD(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/feeds", camBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST = %d %s", w.Code, w.Body)
	}
	if w.Header().Get("Location") != "/api/feeds/cam" {
		t.Fatalf("Location = %q", w.Header().Get("Location"))
	}
	created := decode[feed.Feed](t, w)
	if created.Revision != 1 || created.VideoQuality != 5 || created.ScaleFactor != 1 {
		t.Fatalf("created = %+v", created)
	}

	if w := s.do(t, http.MethodPost, "/api/feeds", camBody); w.Code != http.StatusConflict {
		t.Fatalf("duplicate POST = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/feeds", "")
	if w.Code != http.StatusOK || w.Header().Get("X-Total-Count") != "1" {
		t.Fatalf("GET list = %d, count %q", w.Code, w.Header().Get("X-Total-Count"))
	}

	w = s.do(t, http.MethodPut, "/api/feeds/cam", `{"name":"Back","source_url":"rtsp://10.0.0.6/stream","max_fps":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT = %d %s", w.Code, w.Body)
	}
	if got := decode[feed.Feed](t, w); got.ID != "cam" || got.Name != "Back" || got.Revision != 2 || got.MaxFPS != 5 {
		t.Fatalf("replaced = %+v", got)
	}

	w = s.do(t, http.MethodPatch, "/api/feeds/cam", `{"name":"Side"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH = %d %s", w.Code, w.Body)
	}
	if got := decode[feed.Feed](t, w); got.Name != "Side" || got.MaxFPS != 5 || got.Revision != 3 {
		t.Fatalf("patched = %+v", got)
	}

	w = s.do(t, http.MethodGet, "/api/feeds/cam/status", "")
	if st := decode[pipeline.Status](t, w); w.Code != http.StatusOK || st.Revision != 3 {
		t.Fatalf("status = %d %+v", w.Code, st)
	}

	if w := s.do(t, http.MethodDelete, "/api/feeds/cam", ""); w.Code != http.StatusOK {
		t.Fatalf("DELETE = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/feeds/cam", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET after delete = %d", w.Code)
	}
}

func TestFeedErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/feeds", `{"name":"","source_url":"file:///etc/passwd","video_quality":1}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid POST = %d", w.Code)
	}
	body := decode[struct {
		Fields []feed.FieldError `json:"fields"`
	}](t, w)
	fields := map[string]bool{}
	for _, f := range body.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"name", "source_url", "video_quality"} {
		if !fields[want] {
			t.Errorf("missing field error for %s in %+v", want, body.Fields)
		}
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/feeds", `{"bogus":1}`, http.StatusBadRequest},
		{http.MethodPost, "/api/feeds", ``, http.StatusBadRequest},
		{http.MethodGet, "/api/feeds/ghost", ``, http.StatusNotFound},
		{http.MethodPut, "/api/feeds/ghost", camBody, http.StatusNotFound},
		{http.MethodPatch, "/api/feeds/ghost", `{"name":"x"}`, http.StatusNotFound},
		{http.MethodPatch, "/api/feeds/ghost", `[1]`, http.StatusBadRequest},
		{http.MethodDelete, "/api/feeds/ghost", ``, http.StatusNotFound},
		{http.MethodGet, "/api/feeds/ghost/logs", ``, http.StatusNotFound},
		{http.MethodGet, "/api/feeds/ghost/logs?lines=0", ``, http.StatusBadRequest},
		{http.MethodGet, "/api/feeds/ghost/still", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := s.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body)
		}
	}
}

func TestSummaryCacheHeaders(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodPost, "/api/feeds", camBody); w.Code != http.StatusCreated {
		t.Fatal(w.Body)
	}

	w := s.do(t, http.MethodGet, "/api/feeds/status", "")
	if w.Code != http.StatusOK || w.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first = %d, X-Cache %q", w.Code, w.Header().Get("X-Cache"))
	}
	items := decode[[]map[string]any](t, w)
	if len(items) != 1 || items[0]["id"] != "cam" || items[0]["status"] == nil {
		t.Fatalf("summary = %v", items)
	}
	if w := s.do(t, http.MethodGet, "/api/feeds/status", ""); w.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second X-Cache = %q", w.Header().Get("X-Cache"))
	}
	if w := s.do(t, http.MethodGet, "/api/feeds/status?force=1", ""); w.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("forced X-Cache = %q", w.Header().Get("X-Cache"))
	}
}

func TestStillAndLive(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodPost, "/api/feeds", camBody); w.Code != http.StatusCreated {
		t.Fatal(w.Body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := s.do(t, http.MethodGet, "/api/feeds/cam/still", "")
		if w.Code == http.StatusOK {
			if w.Header().Get("Content-Type") != "image/jpeg" || !bytes.Equal(w.Body.Bytes(), s.frame) {
				t.Fatalf("still: type %q, %d bytes", w.Header().Get("Content-Type"), w.Body.Len())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still never became available: %d %s", w.Code, w.Body)
		}
		time.Sleep(20 * time.Millisecond)
	}

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	if len(s.frame) <= 4096 {
		t.Fatalf("test frame is only %d bytes", len(s.frame))
	}
	still, err := http.Get(srv.URL + "/api/feeds/cam/still")
	if err != nil {
		t.Fatalf("still: %v", err)
	}
	body, _ := io.ReadAll(still.Body)
	still.Body.Close()
	if still.ContentLength != int64(len(s.frame)) || len(still.TransferEncoding) != 0 || !bytes.Equal(body, s.frame) {
		t.Fatalf("still over http: length %d, encoding %v, %d bytes", still.ContentLength, still.TransferEncoding, len(body))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/feeds/cam/live", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != mjpeg.ContentType(mjpeg.Boundary) {
		t.Fatalf("Content-Type = %q", got)
	}

	var got []byte
	buf := make([]byte, 4096)
	for len(mjpeg.SplitFrames(got)) < 2 {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			t.Fatalf("read live after %d bytes: %v", len(got), err)
		}
	}
	if !bytes.HasPrefix(got, mjpeg.PartHeader(mjpeg.Boundary, len(s.frame))) {
		t.Fatalf("live stream starts with %q", got[:min(len(got), 60)])
	}
	if frames := mjpeg.SplitFrames(got); !bytes.Equal(frames[0], s.frame) {
		t.Fatal("live frame differs from encoder output")
	}
}

func writeRecording(t *testing.T, frame []byte, n int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	var data []byte
	at := time.UnixMilli(1_700_000_000_000)
	for i := range n {
		var elapsed int64
		if i > 0 {
			elapsed = 5
		}
		at = at.Add(time.Duration(elapsed) * time.Millisecond)
		fr, err := mjpeg.InjectMetadata(frame, mjpeg.Metadata{CaptureTime: at.UnixMilli(), ElapsedSincePrevious: elapsed})
		if err != nil {
			t.Fatal(err)
		}
		data = append(data, fr...)
	}
	file := filepath.Join(dir, "cam-1.mjpeg")
	thumb := filepath.Join(dir, "cam-1.jpg")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(thumb, frame, 0o644); err != nil {
		t.Fatal(err)
	}
	return file, thumb
}

func TestVideos(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	file, thumb := writeRecording(t, s.frame, 3)
	end := time.Now()
	size := int64(1)
	rec, err := s.catalog.Create(ctx, &video.Record{FeedID: "cam", FilePath: file, StartTime: end.Add(-time.Minute), EndTime: &end, ByteLength: &size, ThumbnailPath: &thumb})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.catalog.Create(ctx, &video.Record{FeedID: "other", FilePath: "/nope.mjpeg"}); err != nil {
		t.Fatal(err)
	}

	w := s.do(t, http.MethodGet, "/api/videos", "")
	if w.Header().Get("X-Total-Count") != "2" {
		t.Fatalf("list count = %q", w.Header().Get("X-Total-Count"))
	}
	w = s.do(t, http.MethodGet, "/api/videos?feed_id=cam", "")
	if recs := decode[[]video.Record](t, w); len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("filtered list = %+v", recs)
	}
	w = s.do(t, http.MethodGet, "/api/videos?feed_id=ghost", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty list body = %q", w.Body)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/videos/%d", rec.ID), "")
	if got := decode[video.Record](t, w); got.FeedID != "cam" || !got.Closed() {
		t.Fatalf("get = %+v", got)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/videos/%d/thumbnail", rec.ID), "")
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), s.frame) {
		t.Fatalf("thumbnail = %d, %d bytes", w.Code, w.Body.Len())
	}
	if got := w.Header().Get("Content-Length"); got != strconv.Itoa(len(s.frame)) {
		t.Fatalf("thumbnail Content-Length = %q", got)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/videos/%d/stream", rec.ID), "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != mjpeg.ContentType(mjpeg.Boundary) {
		t.Fatalf("stream = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if n := len(mjpeg.SplitFrames(w.Body.Bytes())); n != 4 {
		t.Fatalf("stream parts = %d, want 3 frames + final", n)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/videos/999", http.StatusNotFound},
		{"/api/videos/abc", http.StatusBadRequest},
		{"/api/videos/2/stream", http.StatusNotFound},
		{"/api/videos/2/thumbnail", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := s.do(t, http.MethodGet, tt.path, ""); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestPingMetricsAndURLCheck(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodGet, "/api/ping", ""); w.Code != http.StatusOK {
		t.Fatalf("ping = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("metrics = %d", w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/url/validate", `{"url":"rtsp://10.0.0.5/live"}`)
	if got := decode[map[string]any](t, w); w.Code != http.StatusOK || got["rtsp"] != true {
		t.Fatalf("validate = %d %v", w.Code, got)
	}
	if w := s.do(t, http.MethodPost, "/api/url/validate", `{"url":"ftp://x"}`); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("validate bad = %d", w.Code)
	}
}
