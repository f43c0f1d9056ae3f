package flowgraph

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/chatflow/pkg/schema"
)

// FlowSource loads flow definitions. Satisfied by store.LibSQLStore.
type FlowSource interface {
	GetFlow(ctx context.Context, id string) (*schema.FlowDefinition, error)
}

// ResolveOptions controls Resolve.
type ResolveOptions struct {
	// RequireActive rejects inactive flows. It always reads the source since
	// the active flag may change after publish.
	RequireActive bool
}

type cacheKey struct {
	flowID  string
	version string
}

// Resolver loads published flows and caches their graphs by (flow_id, version).
type Resolver struct {
	source FlowSource
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*Graph
}

// NewResolver creates a Resolver over source.
func NewResolver(source FlowSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		logger: logger,
		cache:  make(map[cacheKey]*Graph),
	}
}

// Resolve returns the graph of a published flow. An empty version accepts
// the stored version. Absent, unpublished or version-mismatched flows yield
// FLOW_NOT_FOUND, as do inactive ones under RequireActive.
func (r *Resolver) Resolve(ctx context.Context, flowID, version string, opts ResolveOptions) (*Graph, error) {
	if !opts.RequireActive && version != "" {
		key := cacheKey{flowID: flowID, version: version}
		r.mu.RLock()
		g, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return g, nil
		}
	}

	def, err := r.source.GetFlow(ctx, flowID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.FlowNotFound(flowID)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "failed to load flow").WithCause(err)
	}
	if !def.IsPublished {
		return nil, schema.FlowNotFound(flowID).WithDetails(map[string]any{"reason": "unpublished"})
	}
	if version != "" && def.Version != version {
		return nil, schema.FlowNotFound(flowID).WithDetails(map[string]any{
			"reason": "version_mismatch", "pinned_version": version, "stored_version": def.Version,
		})
	}
	if opts.RequireActive && !def.IsActive {
		return nil, schema.FlowNotFound(flowID).WithDetails(map[string]any{"reason": "inactive"})
	}

	key := cacheKey{flowID: def.ID, version: def.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock. Published graphs never change,
	// so an existing entry is kept.
	if g, ok := r.cache[key]; ok {
		return g, nil
	}
	g := New(def)
	r.cache[key] = g
	r.logger.Debug("flow graph cached", slog.String("flow_id", def.ID), slog.String("version", def.Version),
		slog.Int("nodes", len(def.Nodes)))
	return g, nil
}

// Invalidate drops every cached version of flowID.
func (r *Resolver) Invalidate(flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.flowID == flowID {
			delete(r.cache, k)
		}
	}
}
