package distributor

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/mjpeg"
)

func numbered(n byte) *frame.Frame {
	return frame.New([]byte{0xFF, 0xD8, n, n, n, 0xFF, 0xD9}, time.Now())
}

func newDistributor(opts Options) *Distributor {
	if opts.FeedID == "" {
		opts.FeedID = "cam"
	}
	return New(zap.NewNop(), opts)
}

func TestLateJoinerStartsAtNextFrame(t *testing.T) {
	d := newDistributor(Options{})

	early, _ := d.Subscribe()
	d.Publish(numbered(1))
	d.Publish(numbered(2)) // frame k

	late, err := d.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	if total, active := d.Viewers(); total != 2 || active != 1 {
		t.Fatalf("viewers = %d/%d, want 2 total 1 active", total, active)
	}

	d.Publish(numbered(3)) // frame k+1

	// Render what the late viewer would put on the wire.
	var wire bytes.Buffer
	f := <-late.Frames()
	if err := mjpeg.WritePart(&wire, mjpeg.Boundary, f.Data); err != nil {
		t.Fatal(err)
	}
	want := append(mjpeg.PartHeader(mjpeg.Boundary, 7), numbered(3).Data...)
	if !bytes.Equal(wire.Bytes(), want) {
		t.Fatalf("late viewer first bytes = %q", wire.Bytes())
	}

	for i := byte(1); i <= 3; i++ {
		if got := <-early.Frames(); got.Data[2] != i {
			t.Fatalf("early viewer got frame %d, want %d", got.Data[2], i)
		}
	}
}

func TestSlowViewerDropsWithoutBlocking(t *testing.T) {
	d := newDistributor(Options{Buffer: 2})
	slow, _ := d.Subscribe()

	published := make(chan struct{})
	go func() {
		for i := byte(1); i <= 10; i++ {
			d.Publish(numbered(i))
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full viewer")
	}

	if got := (<-slow.Frames()).Data[2]; got != 1 {
		t.Fatalf("slow viewer first frame = %d", got)
	}
	if got := (<-slow.Frames()).Data[2]; got != 2 {
		t.Fatalf("slow viewer second frame = %d", got)
	}
	if d.Latest().Data[2] != 10 {
		t.Fatal("latest frame not tracked while viewer lagged")
	}

	d.Publish(numbered(11))
	if got := (<-slow.Frames()).Data[2]; got != 11 {
		t.Fatalf("viewer did not resume with the newest frame, got %d", got)
	}
}

func TestUnsubscribeAndIdle(t *testing.T) {
	idle := 0
	d := newDistributor(Options{OnIdle: func() { idle++ }})
	a, _ := d.Subscribe()
	b, _ := d.Subscribe()

	d.Unsubscribe(a)
	if _, ok := <-a.Frames(); ok {
		t.Fatal("unsubscribed viewer channel still open")
	}
	if idle != 0 {
		t.Fatal("idle fired with a viewer left")
	}
	d.Unsubscribe(b)
	d.Unsubscribe(b)
	if idle != 1 {
		t.Fatalf("idle fired %d times", idle)
	}
}

func TestEndStreamClosesViewers(t *testing.T) {
	d := newDistributor(Options{})
	v, _ := d.Subscribe()
	d.Publish(numbered(1))
	d.EndStream()

	if f, ok := <-v.Frames(); !ok || f.Data[2] != 1 {
		t.Fatal("buffered frame lost on stream end")
	}
	if _, ok := <-v.Frames(); ok {
		t.Fatal("viewer not closed on stream end")
	}
	if d.Latest() != nil {
		t.Fatal("stale still after stream end")
	}
	d.Unsubscribe(v) // handler cleanup after end must be harmless

	if _, err := d.Subscribe(); err != nil {
		t.Fatalf("Subscribe after EndStream = %v", err)
	}
}

func TestCloseRejectsSubscribers(t *testing.T) {
	d := newDistributor(Options{})
	v, _ := d.Subscribe()
	d.Close()
	if _, ok := <-v.Frames(); ok {
		t.Fatal("viewer open after Close")
	}
	if _, err := d.Subscribe(); err != ErrClosed {
		t.Fatalf("Subscribe after Close = %v", err)
	}
	d.Publish(numbered(1))
	if d.Latest() != nil {
		t.Fatal("Publish after Close stored a frame")
	}
}
