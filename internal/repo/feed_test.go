package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
)

func newTestRepo(t *testing.T) (*FeedRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFeedRepository(zap.NewNop(), rdb), mr
}

func TestFeedRepositoryRoundTrip(t *testing.T) {
	r, mr := newTestRepo(t)
	ctx := context.Background()

	in := &feed.Feed{
		ID:            "cam-1",
		Name:          "Front door",
		SourceURL:     "rtsp://10.0.0.5/stream",
		ScaleFactor:   1,
		VideoQuality:  5,
		DetectMotion:  true,
		MotionRegions: []feed.MotionRegion{{X: 0.1, Y: 0.2, Width: 0.5, Height: 0.5}},
	}
	if err := r.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !mr.Exists("feedmux:feed:cam-1") {
		t.Fatal("record key not written")
	}
	if ok, _ := mr.SIsMember("feedmux:feeds", "cam-1"); !ok {
		t.Fatal("id not indexed")
	}

	got, err := r.Get(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != in.Name || got.SourceURL != in.SourceURL || len(got.MotionRegions) != 1 || got.MotionRegions[0] != in.MotionRegions[0] {
		t.Fatalf("Get = %+v, want %+v", got, in)
	}

	ok, err := r.Exists(ctx, "cam-1")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestFeedRepositoryNotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.Get(ctx, "nope"); !errors.Is(err, feed.ErrFeedNotFound) {
		t.Fatalf("Get err = %v, want ErrFeedNotFound", err)
	}
	if err := r.Delete(ctx, "nope"); !errors.Is(err, feed.ErrFeedNotFound) {
		t.Fatalf("Delete err = %v, want ErrFeedNotFound", err)
	}
}

func TestFeedRepositoryListSortedAndSkipsMissing(t *testing.T) {
	r, mr := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := r.Upsert(ctx, &feed.Feed{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	// Index entry without a record.
	mr.Del("feedmux:feed:b")

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Fatalf("List ids = %v", ids(list))
	}

	if err := r.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = r.List(ctx)
	if len(list) != 1 || list[0].ID != "c" {
		t.Fatalf("after delete ids = %v", ids(list))
	}
}

func TestFeedRepositoryListEmpty(t *testing.T) {
	r, _ := newTestRepo(t)
	list, err := r.List(context.Background())
	if err != nil || list == nil || len(list) != 0 {
		t.Fatalf("List = %v, %v", list, err)
	}
}

func ids(fs []*feed.Feed) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}
