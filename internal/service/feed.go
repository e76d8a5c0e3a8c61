package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/encoder"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
	"github.com/edirooss/feedmux-server/internal/metrics"
	"github.com/edirooss/feedmux-server/internal/pipeline"
)

// ErrFeedExists is returned by Create for an id that is already taken.
var ErrFeedExists = errors.New("feed already exists")

// FeedStore persists feed configs.
type FeedStore interface {
	Upsert(ctx context.Context, f *feed.Feed) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*feed.Feed, error)
	List(ctx context.Context) ([]*feed.Feed, error)
}

// FeedService coordinates the feed store and the running pipelines.
//
// Runtime model
//   - Mutations for the same feed id are serialized by a per-id gate; a
//     second concurrent mutation fails fast with ErrLocked.
//   - Reads go straight to the store.
//
// Contract
//   - A config is validated before anything else happens.
//   - Runtime first: the pipeline is updated, then the config persisted. If
//     persisting fails the pipeline is rolled back to the stored config
//     (best-effort).
//   - If the old encoder cannot be killed the pipeline is aborted: removed
//     from the registry and stopped. The stored config is left untouched;
//     the next successful update starts a fresh pipeline.
type FeedService struct {
	log      *zap.Logger
	store    FeedStore
	registry *pipeline.Registry
	deps     pipeline.Deps
	logs     *processmgr.LogManager

	gates gates
}

// NewFeedService wires the service. deps is the template every pipeline is
// built from; deps.Logs also backs Logs.
func NewFeedService(log *zap.Logger, store FeedStore, registry *pipeline.Registry, deps pipeline.Deps) *FeedService {
	if deps.Logs == nil {
		deps.Logs = processmgr.NewLogManager()
	}
	return &FeedService{
		log:      log.Named("feed_service"),
		store:    store,
		registry: registry,
		deps:     deps,
		logs:     deps.Logs,
	}
}

// Registry returns the live pipeline registry.
func (s *FeedService) Registry() *pipeline.Registry { return s.registry }

// Create validates and persists f, then starts its pipeline. An empty id is
// replaced by a generated uuid. The stored feed is returned.
func (s *FeedService) Create(ctx context.Context, f *feed.Feed) (*feed.Feed, error) {
	f = f.Clone()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Revision = 1

	if err := f.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.gates.tryLock(f.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, f.ID); err == nil {
		return nil, fmt.Errorf("feed %q: %w", f.ID, ErrFeedExists)
	} else if !errors.Is(err, feed.ErrFeedNotFound) {
		return nil, fmt.Errorf("get: %w", err)
	}

	if err := s.store.Upsert(ctx, f); err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}
	if err := s.startPipeline(f); err != nil {
		return nil, err
	}

	s.log.Info("feed created", zap.String("feed_id", f.ID), zap.String("name", f.Name))
	return f.Clone(), nil
}

// Get returns a single feed.
func (s *FeedService) Get(ctx context.Context, id string) (*feed.Feed, error) {
	f, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return f, nil
}

// List returns every feed ordered by id.
func (s *FeedService) List(ctx context.Context) ([]*feed.Feed, error) {
	fs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return fs, nil
}

// Replace swaps the whole config of an existing feed. The id is taken from
// f and cannot change; the revision is bumped.
func (s *FeedService) Replace(ctx context.Context, f *feed.Feed) (*feed.Feed, error) {
	unlock, err := s.gates.tryLock(f.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return s.replaceLocked(ctx, cur, f.Clone())
}

// Patch applies an RFC 7396 JSON merge patch to the stored feed and
// replaces it with the result.
func (s *FeedService) Patch(ctx context.Context, id string, patch []byte) (*feed.Feed, error) {
	unlock, err := s.gates.tryLock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}

	orig, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	merged, err := jsonpatch.MergePatch(orig, patch)
	if err != nil {
		return nil, &feed.ValidationError{Fields: []feed.FieldError{{Field: "body", Message: err.Error()}}}
	}
	var next feed.Feed
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, &feed.ValidationError{Fields: []feed.FieldError{{Field: "body", Message: err.Error()}}}
	}
	if next.ID != id {
		return nil, &feed.ValidationError{Fields: []feed.FieldError{{Field: "id", Message: "is immutable"}}}
	}
	return s.replaceLocked(ctx, cur, &next)
}

func (s *FeedService) replaceLocked(ctx context.Context, cur, next *feed.Feed) (*feed.Feed, error) {
	next.ID = cur.ID
	next.Revision = cur.Revision + 1
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.applyPipeline(ctx, next); err != nil {
		return nil, err
	}

	if err := s.store.Upsert(ctx, next); err != nil {
		if rbErr := s.applyPipeline(ctx, cur); rbErr != nil {
			s.log.Error("rollback pipeline failed", zap.String("feed_id", cur.ID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("upsert: %w", err)
	}

	s.log.Info("feed updated",
		zap.String("feed_id", next.ID),
		zap.Int64("revision", next.Revision),
	)
	return next.Clone(), nil
}

// Delete stops the feed's pipeline and removes its record. The encoder log
// buffer and per-feed metrics go with it.
func (s *FeedService) Delete(ctx context.Context, id string) error {
	unlock, err := s.gates.tryLock(id)
	if err != nil {
		return err
	}
	deleted := false
	defer func() {
		if deleted {
			s.gates.retire(id)
		} else {
			unlock()
		}
	}()

	if _, err := s.store.Get(ctx, id); err != nil {
		return fmt.Errorf("get: %w", err)
	}

	if p, ok := s.registry.Remove(id); ok {
		if err := p.Stop(ctx); err != nil {
			s.log.Error("stop pipeline failed", zap.String("feed_id", id), zap.Error(err))
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	s.logs.Delete(id)
	metrics.DeleteFeed(id)
	deleted = true

	s.log.Info("feed deleted", zap.String("feed_id", id))
	return nil
}

// Status returns the live status of one feed.
func (s *FeedService) Status(ctx context.Context, id string) (pipeline.Status, error) {
	if p, ok := s.registry.Get(id); ok {
		return p.Status(), nil
	}
	f, err := s.store.Get(ctx, id)
	if err != nil {
		return pipeline.Status{}, fmt.Errorf("get: %w", err)
	}
	return pipeline.Status{FeedID: f.ID, Revision: f.Revision}, nil
}

// Pipeline returns the running pipeline of a stored feed.
func (s *FeedService) Pipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	if p, ok := s.registry.Get(id); ok {
		return p, nil
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return nil, fmt.Errorf("feed %q: %w", id, pipeline.ErrStopped)
}

// Logs returns up to lines encoder log lines for a stored feed, newest first.
func (s *FeedService) Logs(ctx context.Context, id string, lines int) ([]string, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	out, _ := s.logs.Read(id, lines)
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// Reconcile starts a pipeline for every stored feed that has none. Feeds
// that no longer validate are still started; the failure is logged.
func (s *FeedService) Reconcile(ctx context.Context) error {
	fs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	for _, f := range fs {
		if _, ok := s.registry.Get(f.ID); ok {
			continue
		}
		if err := f.Validate(); err != nil {
			s.log.Warn("stored feed no longer validates", zap.String("feed_id", f.ID), zap.Error(err))
		}
		if err := s.startPipeline(f); err != nil {
			return fmt.Errorf("start %q: %w", f.ID, err)
		}
	}
	s.log.Info("reconcile: complete", zap.Int("feeds", len(fs)))
	return nil
}

// applyPipeline pushes f to its running pipeline, starting one if there is
// none. A kill failure aborts the pipeline.
func (s *FeedService) applyPipeline(ctx context.Context, f *feed.Feed) error {
	p, ok := s.registry.Get(f.ID)
	if !ok {
		return s.startPipeline(f)
	}

	err := p.Update(ctx, f)
	switch {
	case err == nil:
		return nil
	case encoder.IsKillFailure(err):
		s.abort(ctx, p, err)
		return fmt.Errorf("update pipeline: %w", err)
	case errors.Is(err, pipeline.ErrStopped):
		s.registry.Remove(f.ID)
		return s.startPipeline(f)
	default:
		return fmt.Errorf("update pipeline: %w", err)
	}
}

// abort tears down a pipeline whose encoder could not be killed so it can no
// longer accept frames or updates.
func (s *FeedService) abort(ctx context.Context, p *pipeline.Pipeline, cause error) {
	s.log.Error("aborting pipeline: encoder survived termination",
		zap.String("feed_id", p.ID()),
		zap.Error(cause),
	)
	s.registry.Remove(p.ID())
	if err := p.Stop(ctx); err != nil {
		s.log.Error("stop aborted pipeline", zap.String("feed_id", p.ID()), zap.Error(err))
	}
}

func (s *FeedService) startPipeline(f *feed.Feed) error {
	p := pipeline.New(s.deps, f)
	if !s.registry.Add(p) {
		_ = p.Stop(context.Background())
		return fmt.Errorf("pipeline for %q already registered", f.ID)
	}
	if err := p.Start(); err != nil {
		s.registry.Remove(f.ID)
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}
