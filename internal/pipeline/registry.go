package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/edirooss/feedmux-server/internal/infrastructure/objectstore"
)

// Registry owns the running pipelines, keyed by feed id. It is created by
// the feed service and passed explicitly to whoever needs live access.
type Registry struct {
	store *objectstore.Store[string, *Pipeline]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{store: objectstore.New[string, *Pipeline]()}
}

// Add registers p; false if a pipeline for the same feed is already present.
func (r *Registry) Add(p *Pipeline) bool { return r.store.Insert(p.ID(), p) }

// Get returns the pipeline for id.
func (r *Registry) Get(id string) (*Pipeline, bool) { return r.store.Get(id) }

// Remove unregisters and returns the pipeline for id without stopping it.
func (r *Registry) Remove(id string) (*Pipeline, bool) { return r.store.Delete(id) }

// List returns every pipeline in feed id order.
func (r *Registry) List() []*Pipeline { return r.store.Values() }

// Len returns the number of registered pipelines.
func (r *Registry) Len() int { return r.store.Len() }

// StopAll removes and stops every pipeline concurrently and returns the
// first error. One failing pipeline does not cut the others short.
func (r *Registry) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.store.Keys() {
		p, ok := r.store.Delete(id)
		if !ok {
			continue
		}
		g.Go(func() error { return p.Stop(ctx) })
	}
	return g.Wait()
}
