// Package motion decides, frame by frame, whether a feed shows motion.
//
// A Detector keeps the previous frame's pixels as a baseline and compares
// every sampled pixel of the next frame against it in YIQ space. The share of
// differing samples is the motion ratio; motion is active while the ratio is
// at or above the feed's threshold.
//
// A Detector is owned by one feed pipeline and is not safe for concurrent
// use.
package motion

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/metrics"
)

// Settings are the motion fields of a feed.
type Settings struct {
	Enabled        bool
	SampleInterval int
	Threshold      float64
	Regions        []feed.MotionRegion
}

// SettingsFromFeed extracts the motion settings of f.
func SettingsFromFeed(f *feed.Feed) Settings {
	return Settings{
		Enabled:        f.DetectMotion,
		SampleInterval: f.MotionSampleInterval,
		Threshold:      f.MotionDiffThreshold,
		Regions:        f.MotionRegions,
	}
}

// Detector is the per-feed motion state machine.
type Detector struct {
	log    *zap.Logger
	feedID string
	cfg    Settings

	baseline *image.NRGBA
	active   bool
}

// NewDetector returns a Detector with no baseline.
func NewDetector(log *zap.Logger, feedID string, cfg Settings) *Detector {
	return &Detector{
		log:    log.Named("motion").With(zap.String("feed_id", feedID)),
		feedID: feedID,
		cfg:    cfg,
	}
}

// Update replaces the settings. Disabling detection drops the baseline and
// the active state.
func (d *Detector) Update(cfg Settings) {
	d.cfg = cfg
	if !cfg.Enabled {
		d.Reset()
	}
}

// Reset forgets the baseline; the next frame cannot report motion.
func (d *Detector) Reset() {
	d.baseline = nil
	d.active = false
}

// Active reports whether the last analyzed frame showed motion.
func (d *Detector) Active() bool { return d.active }

// Process annotates f with motion flags and returns it.
//
// With detection disabled f passes through untouched. A frame that cannot be
// decoded is passed through without flags and leaves the state unchanged.
func (d *Detector) Process(f *frame.Frame) *frame.Frame {
	if !d.cfg.Enabled {
		return f
	}

	img, err := decode(f.Data)
	if err != nil {
		d.log.Warn("frame decode failed; skipping motion analysis", zap.Error(err))
		return f
	}

	prev := d.baseline
	d.baseline = img
	if prev == nil || prev.Rect != img.Rect {
		// A fresh baseline cannot carry motion over; close any open event.
		if d.active {
			f.IsMotionEnd = true
			metrics.MotionEvents.WithLabelValues(d.feedID, "end").Inc()
			d.log.Info("motion ended; frame size changed", zap.Stringer("size", img.Rect.Size()))
		}
		d.active = false
		return f
	}

	ratio := Ratio(prev, img, d.cfg)
	motion := ratio >= d.cfg.Threshold
	metrics.MotionRatio.WithLabelValues(d.feedID).Set(ratio)

	f.MotionRatio = ratio
	f.Motion = motion
	f.IsMotionStart = motion && !d.active
	f.IsMotionEnd = !motion && d.active
	d.active = motion

	switch {
	case f.IsMotionStart:
		metrics.MotionEvents.WithLabelValues(d.feedID, "start").Inc()
		d.log.Info("motion started", zap.Float64("ratio", ratio))
	case f.IsMotionEnd:
		metrics.MotionEvents.WithLabelValues(d.feedID, "end").Inc()
		d.log.Info("motion ended", zap.Float64("ratio", ratio))
	}
	return f
}

// decode turns JPEG bytes into an NRGBA grid with a zero-based origin.
func decode(data []byte) (*image.NRGBA, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n, nil
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
	return dst, nil
}

// Ratio compares two same-sized images and returns differing / analyzed
// samples. Only every SampleInterval-th pixel along both axes is examined;
// the x start of each sampled row is offset by its row index mod
// SampleInterval, so consecutive rows do not line up. When regions are
// set, samples outside all of them are neither analyzed nor counted. It
// returns 0 if nothing was analyzed.
func Ratio(prev, cur *image.NRGBA, cfg Settings) float64 {
	w, h := cur.Rect.Dx(), cur.Rect.Dy()
	step := cfg.SampleInterval
	if step < 1 {
		step = 1
	}
	limit := deltaLimit(cfg.Threshold)

	rects := pixelRects(cfg.Regions, w, h)
	bounds := image.Rect(0, 0, w, h)
	if len(rects) > 0 {
		bounds = rects[0]
		for _, r := range rects[1:] {
			bounds = bounds.Union(r)
		}
	}

	var analyzed, differing int
	for row, y := 0, bounds.Min.Y; y < bounds.Max.Y; row, y = row+1, y+step {
		for x := bounds.Min.X + row%step; x < bounds.Max.X; x += step {
			if len(rects) > 0 && !inAny(rects, x, y) {
				continue
			}
			analyzed++

			i := y*cur.Stride + x*4
			p, c := prev.Pix[i:i+3:i+3], cur.Pix[i:i+3:i+3]
			if math.Abs(colorDelta(p[0], p[1], p[2], c[0], c[1], c[2])) > limit {
				differing++
			}
		}
	}

	if analyzed == 0 {
		return 0
	}
	return float64(differing) / float64(analyzed)
}

// pixelRects maps normalized regions onto a w×h frame, dropping empty ones.
func pixelRects(regions []feed.MotionRegion, w, h int) []image.Rectangle {
	out := make([]image.Rectangle, 0, len(regions))
	frameRect := image.Rect(0, 0, w, h)
	for _, r := range regions {
		px := image.Rect(
			int(math.Floor(r.X*float64(w))),
			int(math.Floor(r.Y*float64(h))),
			int(math.Ceil((r.X+r.Width)*float64(w))),
			int(math.Ceil((r.Y+r.Height)*float64(h))),
		).Intersect(frameRect)
		if !px.Empty() {
			out = append(out, px)
		}
	}
	return out
}

func inAny(rects []image.Rectangle, x, y int) bool {
	p := image.Pt(x, y)
	for _, r := range rects {
		if p.In(r) {
			return true
		}
	}
	return false
}
