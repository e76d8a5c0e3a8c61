package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeleteFeedDropsSeries(t *testing.T) {
	FramesDemuxed.WithLabelValues("cam-a").Add(3)
	FramesDemuxed.WithLabelValues("cam-b").Inc()
	LiveViewers.WithLabelValues("cam-a").Set(2)
	EncoderExits.WithLabelValues("cam-a", "exited").Inc()

	DeleteFeed("cam-a")

	if n := testutil.CollectAndCount(FramesDemuxed); n != 1 {
		t.Fatalf("frames series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(LiveViewers); n != 0 {
		t.Fatalf("viewer series = %d, want 0", n)
	}
	if n := testutil.CollectAndCount(EncoderExits); n != 0 {
		t.Fatalf("exit series = %d, want 0", n)
	}
	if got := testutil.ToFloat64(FramesDemuxed.WithLabelValues("cam-b")); got != 1 {
		t.Fatalf("cam-b frames = %v", got)
	}
	DeleteFeed("cam-b")
}
