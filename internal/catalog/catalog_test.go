package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/video"
)

func newTestCatalog(t *testing.T, mr *miniredis.Miniredis) *Catalog {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(context.Background(), zap.NewNop(), rdb, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCatalogCreateUpdateGet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCatalog(t, mr)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec, err := c.Create(ctx, &video.Record{FeedID: "cam", FilePath: "/v/a.mjpeg", StartTime: start})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID != 1 {
		t.Fatalf("first id = %d, want 1", rec.ID)
	}
	if !mr.Exists("feedmux:video:1") {
		t.Fatal("record not persisted")
	}

	end := start.Add(time.Minute)
	n := int64(4096)
	rec.EndTime, rec.ByteLength = &end, &n
	if err := c.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Mutating the caller's copy must not leak into the catalog.
	*rec.ByteLength = 1

	got, err := c.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Closed() || *got.ByteLength != 4096 || !got.EndTime.Equal(end) {
		t.Fatalf("Get = %+v", got)
	}
}

func TestCatalogNotFound(t *testing.T) {
	c := newTestCatalog(t, miniredis.RunT(t))

	if _, err := c.Get(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v", err)
	}
	if err := c.Update(context.Background(), &video.Record{ID: 42}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update err = %v", err)
	}
	if err := c.Delete(context.Background(), 42); err != nil {
		t.Fatalf("Delete of absent id: %v", err)
	}
}

func TestCatalogListByFeed(t *testing.T) {
	c := newTestCatalog(t, miniredis.RunT(t))
	ctx := context.Background()

	for _, feedID := range []string{"a", "b", "a"} {
		if _, err := c.Create(ctx, &video.Record{FeedID: feedID}); err != nil {
			t.Fatal(err)
		}
	}

	all := c.List()
	if len(all) != 3 || all[0].ID != 1 || all[2].ID != 3 {
		t.Fatalf("List = %+v", all)
	}
	onlyA := c.ListByFeed("a")
	if len(onlyA) != 2 || onlyA[0].ID != 1 || onlyA[1].ID != 3 {
		t.Fatalf("ListByFeed(a) = %+v", onlyA)
	}

	if err := c.Delete(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := c.ListByFeed("a"); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("after delete = %+v", got)
	}
}

func TestCatalogReconcile(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCatalog(t, mr)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Create(ctx, &video.Record{FeedID: "cam"}); err != nil {
			t.Fatal(err)
		}
	}
	// Sequence regressed and a foreign key under the prefix.
	mr.Set("feedmux:video:id_seq", "1")
	mr.Set("feedmux:video:bogus", "x")

	reopened := newTestCatalog(t, mr)
	if reopened.Len() != 3 {
		t.Fatalf("recovered %d records, want 3", reopened.Len())
	}
	rec, err := reopened.Create(ctx, &video.Record{FeedID: "cam"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 4 {
		t.Fatalf("id after reconcile = %d, want 4", rec.ID)
	}
}
