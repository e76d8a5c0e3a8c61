package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edirooss/feedmux-server/internal/http/dto"
)

type SummaryOptions struct {
	// TTL controls how long the in-memory snapshot is served; default 500ms.
	TTL time.Duration
	// RefreshTimeout bounds store work for a single refresh; default 1s.
	RefreshTimeout time.Duration
	// Serve the previous snapshot when a refresh fails.
	AllowStaleOnError bool
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 500 * time.Millisecond
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = time.Second
	}
}

// SummaryResult lets the handler set headers.
type SummaryResult struct {
	Data        []dto.FeedSummary
	CacheHit    bool
	GeneratedAt time.Time // snapshot timestamp
}

// SummaryService serves a short-lived cached snapshot of every feed and its
// pipeline status. Concurrent refreshes are coalesced.
type SummaryService struct {
	log   *zap.Logger
	feeds *FeedService

	mu      sync.RWMutex
	cache   []dto.FeedSummary
	expires time.Time
	genAt   time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSummaryService wires the feed service and cache policy.
func NewSummaryService(log *zap.Logger, feeds *FeedService, opts SummaryOptions) *SummaryService {
	opts.setDefaults()
	return &SummaryService{
		log:   log.Named("summary_service"),
		feeds: feeds,
		opts:  opts,
		now:   time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
func (s *SummaryService) Get(ctx context.Context) (SummaryResult, error) {
	if res, ok := s.fresh(); ok {
		return res, nil
	}

	v, err, _ := s.sg.Do("summary-refresh", func() (any, error) {
		// Double-check freshness after winning the flight.
		if res, ok := s.fresh(); ok {
			return res, nil
		}

		ctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()

		start := s.now()
		data, err := s.refresh(ctx)
		if err != nil {
			if s.opts.AllowStaleOnError {
				s.mu.RLock()
				if s.cache != nil {
					res := SummaryResult{Data: slices.Clone(s.cache), CacheHit: true, GeneratedAt: s.genAt}
					s.mu.RUnlock()
					s.log.Warn("summary refresh failed; serving stale", zap.Error(err))
					return res, nil
				}
				s.mu.RUnlock()
			}
			return nil, err
		}

		s.mu.Lock()
		s.cache = data
		s.expires = s.now().Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		return SummaryResult{Data: slices.Clone(data), GeneratedAt: start}, nil
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return v.(SummaryResult), nil
}

// Invalidate drops the cached snapshot.
func (s *SummaryService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.genAt = time.Time{}
	s.mu.Unlock()
}

func (s *SummaryService) fresh() (SummaryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil || !s.now().Before(s.expires) {
		return SummaryResult{}, false
	}
	return SummaryResult{Data: slices.Clone(s.cache), CacheHit: true, GeneratedAt: s.genAt}, true
}

func (s *SummaryService) refresh(ctx context.Context) ([]dto.FeedSummary, error) {
	fs, err := s.feeds.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dto.FeedSummary, 0, len(fs))
	for _, f := range fs {
		sum := dto.FeedSummary{Feed: *f}
		if p, ok := s.feeds.Registry().Get(f.ID); ok {
			st := p.Status()
			sum.Status = &st
		}
		out = append(out, sum)
	}
	return out, nil
}
