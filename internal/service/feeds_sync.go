package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
)

// FeedsSyncService seeds feeds from a JSON file on boot and re-applies the
// file on change. Feeds missing from the file are left alone.
type FeedsSyncService struct {
	log   *zap.Logger
	feeds *FeedService

	path     string
	debounce time.Duration
}

// StartFeedsSync applies the feeds file once and starts a debounced watcher
// that lives as long as ctx.
func StartFeedsSync(ctx context.Context, log *zap.Logger, feeds *FeedService, path string, debounce time.Duration) (*FeedsSyncService, error) {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	s := &FeedsSyncService{
		log:      log.Named("feeds_sync"),
		feeds:    feeds,
		path:     path,
		debounce: debounce,
	}

	if err := s.ApplyOnce(ctx); err != nil {
		return nil, fmt.Errorf("initial apply: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher init: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch add dir: %w", err)
	}
	go s.watch(ctx, w)

	return s, nil
}

func loadFeedsFile(path string) ([]*feed.Feed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var fs []*feed.Feed
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return fs, nil
}

// ApplyOnce creates feeds that do not exist and replaces those whose config
// differs from the file. Per-feed failures are logged and skipped.
func (s *FeedsSyncService) ApplyOnce(ctx context.Context) error {
	fs, err := loadFeedsFile(s.path)
	if err != nil {
		return fmt.Errorf("load %q: %w", s.path, err)
	}

	var created, replaced, unchanged, failed int
	for _, want := range fs {
		if want.ID == "" {
			s.log.Warn("feed without id in feeds file; skipping", zap.String("name", want.Name))
			failed++
			continue
		}
		log := s.log.With(zap.String("feed_id", want.ID))

		cur, err := s.feeds.Get(ctx, want.ID)
		switch {
		case errors.Is(err, feed.ErrFeedNotFound):
			if _, err := s.feeds.Create(ctx, want); err != nil {
				log.Warn("create from feeds file failed", zap.Error(err))
				failed++
				continue
			}
			created++
		case err != nil:
			return err
		case sameConfig(cur, want):
			unchanged++
		default:
			if _, err := s.feeds.Replace(ctx, want); err != nil {
				log.Warn("replace from feeds file failed", zap.Error(err))
				failed++
				continue
			}
			replaced++
		}
	}

	s.log.Info("feeds file applied",
		zap.String("path", s.path),
		zap.Int("created", created),
		zap.Int("replaced", replaced),
		zap.Int("unchanged", unchanged),
		zap.Int("failed", failed),
	)
	return nil
}

// sameConfig compares two feeds ignoring the server-managed revision.
func sameConfig(a, b *feed.Feed) bool {
	a, b = a.Clone(), b.Clone()
	a.Revision, b.Revision = 0, 0
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// watch runs a debounced ApplyOnce on changes to the feeds file.
func (s *FeedsSyncService) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	var t *time.Timer
	trigger := func() {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.ApplyOnce(cctx); err != nil {
			s.log.Warn("apply failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != s.path {
				continue
			}
			// Remove means the file is gone; wait until it reappears.
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if t != nil {
					t.Stop()
				}
				t = time.AfterFunc(s.debounce, trigger)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("watch error", zap.Error(err))
		}
	}
}
