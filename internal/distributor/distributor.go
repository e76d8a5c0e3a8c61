// Package distributor fans one feed's frame sequence out to any number of
// live viewers.
//
// Viewers receive whole frames only. A viewer that joins mid-stream stays
// pending until the next Publish, so the first frame it sees is the first
// one published after it joined. Slow viewers never block the feed: when a
// viewer's buffer is full the frame is dropped for that viewer alone.
package distributor

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/metrics"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("distributor closed")

const defaultViewerBuffer = 4

// Viewer is one live subscription. Frames is closed when the stream ends,
// the distributor closes, or the viewer unsubscribes.
type Viewer struct {
	ch     chan *frame.Frame
	active bool
}

// Frames delivers whole frames in publish order.
func (v *Viewer) Frames() <-chan *frame.Frame { return v.ch }

// Options configures a Distributor.
type Options struct {
	FeedID string
	Buffer int    // frames buffered per viewer; default 4
	OnIdle func() // called after the last viewer leaves
}

// Distributor is safe for concurrent use.
type Distributor struct {
	log    *zap.Logger
	feedID string
	buffer int
	onIdle func()

	mu      sync.Mutex
	viewers map[*Viewer]struct{}
	latest  *frame.Frame
	closed  bool
}

// New returns an empty Distributor.
func New(log *zap.Logger, opts Options) *Distributor {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultViewerBuffer
	}
	return &Distributor{
		log:     log.Named("distributor").With(zap.String("feed_id", opts.FeedID)),
		feedID:  opts.FeedID,
		buffer:  opts.Buffer,
		onIdle:  opts.OnIdle,
		viewers: make(map[*Viewer]struct{}),
	}
}

// Subscribe registers a pending viewer.
func (d *Distributor) Subscribe() (*Viewer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	v := &Viewer{ch: make(chan *frame.Frame, d.buffer)}
	d.viewers[v] = struct{}{}
	metrics.LiveViewers.WithLabelValues(d.feedID).Set(float64(len(d.viewers)))
	d.log.Debug("viewer joined", zap.Int("viewers", len(d.viewers)))
	return v, nil
}

// Unsubscribe removes v immediately and closes its channel. Idempotent.
func (d *Distributor) Unsubscribe(v *Viewer) {
	d.mu.Lock()
	if _, ok := d.viewers[v]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.viewers, v)
	close(v.ch)
	n := len(d.viewers)
	metrics.LiveViewers.WithLabelValues(d.feedID).Set(float64(n))
	d.mu.Unlock()

	d.log.Debug("viewer left", zap.Int("viewers", n))
	if n == 0 && d.onIdle != nil {
		d.onIdle()
	}
}

// Publish activates pending viewers and hands f to every active viewer.
// It never blocks.
func (d *Distributor) Publish(f *frame.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.latest = f

	for v := range d.viewers {
		v.active = true
		select {
		case v.ch <- f:
		default:
			metrics.ViewerFramesDropped.WithLabelValues(d.feedID).Inc()
		}
	}
}

// Latest returns the most recently published frame, or nil.
func (d *Distributor) Latest() *frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// Viewers returns the number of subscribed viewers and how many of them
// have become active.
func (d *Distributor) Viewers() (total, active int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for v := range d.viewers {
		total++
		if v.active {
			active++
		}
	}
	return total, active
}

// EndStream closes every viewer and forgets the latest frame. New viewers
// may subscribe afterwards and wait for the next stream.
func (d *Distributor) EndStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropViewersLocked()
	d.latest = nil
}

// Close ends the stream and rejects further subscriptions.
func (d *Distributor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropViewersLocked()
	d.latest = nil
	d.closed = true
}

func (d *Distributor) dropViewersLocked() {
	if len(d.viewers) > 0 {
		d.log.Info("closing viewers", zap.Int("viewers", len(d.viewers)))
	}
	for v := range d.viewers {
		close(v.ch)
		delete(d.viewers, v)
	}
	metrics.LiveViewers.WithLabelValues(d.feedID).Set(0)
}
