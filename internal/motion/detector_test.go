package motion

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/frame"
)

var (
	black = color.NRGBA{0, 0, 0, 255}
	white = color.NRGBA{255, 255, 255, 255}
)

// paint returns a w×h image where pixels with x < split are left, the rest right.
func paint(w, h, split int, left, right color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < split {
				img.SetNRGBA(x, y, left)
			} else {
				img.SetNRGBA(x, y, right)
			}
		}
	}
	return img
}

func jpegFrame(t *testing.T, img image.Image) *frame.Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	return frame.New(buf.Bytes(), time.Now())
}

func newDetector(threshold float64) *Detector {
	return NewDetector(zap.NewNop(), "cam", Settings{
		Enabled:        true,
		SampleInterval: 1,
		Threshold:      threshold,
	})
}

func TestIdenticalFramesNoMotion(t *testing.T) {
	d := newDetector(0.1)
	img := paint(16, 16, 8, black, white)

	first := d.Process(jpegFrame(t, img))
	if first.Motion || first.IsMotionStart {
		t.Fatal("first frame cannot report motion")
	}
	second := d.Process(jpegFrame(t, img))
	if second.MotionRatio != 0 || second.Motion || second.IsMotionStart {
		t.Fatalf("identical frames: ratio=%v motion=%v", second.MotionRatio, second.Motion)
	}
}

func TestEverySampleDifferent(t *testing.T) {
	d := newDetector(0.5)
	d.Process(jpegFrame(t, paint(16, 16, 0, black, black)))
	f := d.Process(jpegFrame(t, paint(16, 16, 0, white, white)))
	if f.MotionRatio != 1 {
		t.Fatalf("ratio = %v, want 1", f.MotionRatio)
	}
	if !f.Motion || !f.IsMotionStart || f.IsMotionEnd {
		t.Fatalf("flags = %+v", f)
	}
}

func TestRatioEqualToThresholdIsMotion(t *testing.T) {
	d := newDetector(0.5)
	d.Process(jpegFrame(t, paint(16, 16, 0, black, black)))
	f := d.Process(jpegFrame(t, paint(16, 16, 8, white, black)))
	if f.MotionRatio != 0.5 {
		t.Fatalf("ratio = %v, want 0.5", f.MotionRatio)
	}
	if !f.Motion {
		t.Fatal("ratio == threshold must count as motion")
	}
}

func TestMotionEdges(t *testing.T) {
	d := newDetector(0.5)
	blackImg := paint(16, 16, 0, black, black)
	whiteImg := paint(16, 16, 0, white, white)

	steps := []struct {
		img          image.Image
		motion       bool
		start, ended bool
	}{
		{blackImg, false, false, false}, // baseline
		{whiteImg, true, true, false},
		{blackImg, true, false, false}, // still changing
		{blackImg, false, false, true},
		{blackImg, false, false, false},
	}
	for i, s := range steps {
		f := d.Process(jpegFrame(t, s.img))
		if f.Motion != s.motion || f.IsMotionStart != s.start || f.IsMotionEnd != s.ended {
			t.Fatalf("step %d: motion=%v start=%v end=%v", i, f.Motion, f.IsMotionStart, f.IsMotionEnd)
		}
	}
}

func TestDisabledPassesThroughAndDropsBaseline(t *testing.T) {
	d := newDetector(0.5)
	d.Process(jpegFrame(t, paint(16, 16, 0, black, black)))

	d.Update(Settings{Enabled: false})
	in := jpegFrame(t, paint(16, 16, 0, white, white))
	out := d.Process(in)
	if out != in || out.Motion || out.MotionRatio != 0 {
		t.Fatal("disabled detector modified the frame")
	}

	d.Update(Settings{Enabled: true, SampleInterval: 1, Threshold: 0.5})
	f := d.Process(jpegFrame(t, paint(16, 16, 0, white, white)))
	if f.Motion {
		t.Fatal("re-enabled detector must start from a fresh baseline")
	}
}

func TestDimensionChangeResetsBaseline(t *testing.T) {
	d := newDetector(0.5)
	d.Process(jpegFrame(t, paint(16, 16, 0, black, black)))
	f := d.Process(jpegFrame(t, paint(32, 16, 0, white, white)))
	if f.Motion || f.IsMotionStart {
		t.Fatal("resized frame compared against stale baseline")
	}
}

func TestUndecodableFramePassesThrough(t *testing.T) {
	d := newDetector(0.5)
	in := frame.New([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, time.Now())
	if out := d.Process(in); out != in || out.Motion {
		t.Fatal("garbage frame was annotated")
	}
}

func TestRatioIgnoresSamplesOutsideRegions(t *testing.T) {
	prev := paint(20, 10, 0, black, black)
	// Everything right of x=10 changes; the region covers only the left half.
	cur := paint(20, 10, 10, black, white)
	cfg := Settings{
		SampleInterval: 1,
		Threshold:      0.1,
		Regions:        []feed.MotionRegion{{X: 0, Y: 0, Width: 0.5, Height: 1}},
	}
	if r := Ratio(prev, cur, cfg); r != 0 {
		t.Fatalf("ratio inside unchanged region = %v", r)
	}

	cfg.Regions = nil
	if r := Ratio(prev, cur, cfg); r != 0.5 {
		t.Fatalf("whole-frame ratio = %v, want 0.5", r)
	}
}

func TestRatioRegionSetMembership(t *testing.T) {
	// Two disjoint regions; their bounding box also covers the changed middle
	// strip, which must not be counted.
	prev := paint(30, 10, 0, black, black)
	cur := image.NewNRGBA(prev.Rect)
	copy(cur.Pix, prev.Pix)
	for y := 0; y < 10; y++ {
		for x := 10; x < 20; x++ {
			cur.SetNRGBA(x, y, white)
		}
	}
	cfg := Settings{
		SampleInterval: 1,
		Threshold:      0.1,
		Regions: []feed.MotionRegion{
			{X: 0, Y: 0, Width: 1.0 / 3, Height: 1},
			{X: 2.0 / 3, Y: 0, Width: 1.0 / 3, Height: 1},
		},
	}
	if r := Ratio(prev, cur, cfg); r != 0 {
		t.Fatalf("ratio = %v, want 0", r)
	}

	// Paint one pixel inside the first region: 1 of 200 analyzed samples.
	cur.SetNRGBA(0, 0, white)
	if r := Ratio(prev, cur, cfg); r != 1.0/200 {
		t.Fatalf("ratio = %v, want %v", r, 1.0/200)
	}
}

func TestRatioSamplingStagger(t *testing.T) {
	prev := paint(4, 4, 0, black, black)
	cur := image.NewNRGBA(prev.Rect)
	copy(cur.Pix, prev.Pix)
	// With interval 2, y=0 samples x=0,2 and y=2 (second sampled row)
	// samples x=1,3; rows 1 and 3 are skipped. Change only unsampled pixels.
	for _, p := range []image.Point{{1, 0}, {3, 0}, {0, 1}, {1, 1}, {2, 2}} {
		cur.SetNRGBA(p.X, p.Y, white)
	}
	cfg := Settings{SampleInterval: 2, Threshold: 0.1}
	if r := Ratio(prev, cur, cfg); r != 0 {
		t.Fatalf("unsampled pixels counted: ratio = %v", r)
	}

	cur.SetNRGBA(3, 2, white)
	if r := Ratio(prev, cur, cfg); r != 0.25 {
		t.Fatalf("ratio = %v, want 0.25", r)
	}
}

func TestColorDeltaSign(t *testing.T) {
	if d := colorDelta(0, 0, 0, 255, 255, 255); d <= 0 {
		t.Fatalf("darker first sample should be positive, got %v", d)
	}
	if d := colorDelta(255, 255, 255, 0, 0, 0); d >= 0 {
		t.Fatalf("lighter first sample should be negative, got %v", d)
	}
	if d := colorDelta(10, 20, 30, 10, 20, 30); d != 0 {
		t.Fatalf("identical samples delta = %v", d)
	}
}

func TestDimensionChangeEndsActiveMotion(t *testing.T) {
	d := newDetector(0.5)
	d.Process(jpegFrame(t, paint(16, 16, 0, black, black)))
	if f := d.Process(jpegFrame(t, paint(16, 16, 0, white, white))); !f.IsMotionStart {
		t.Fatal("motion did not start")
	}

	f := d.Process(jpegFrame(t, paint(32, 16, 0, white, white)))
	if f.Motion || f.IsMotionStart || !f.IsMotionEnd {
		t.Fatalf("resize during motion: motion=%v start=%v end=%v", f.Motion, f.IsMotionStart, f.IsMotionEnd)
	}
	if d.Active() {
		t.Fatal("detector still active after resize")
	}
	if f := d.Process(jpegFrame(t, paint(32, 16, 0, white, white))); f.IsMotionEnd {
		t.Fatal("motion end reported twice")
	}
}
