package storage

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/viperbmw/netstacks-sub000/types"
)

// DefaultStepTypeTTL is how long a resolved step type is served from cache.
const DefaultStepTypeTTL = time.Minute

// CachedRegistry fronts a StepTypeRegistry with an in-process TTL cache so
// that step types are not fetched from the backing store on every dispatch.
// Misses are not cached.
type CachedRegistry struct {
	next  StepTypeRegistry
	cache *cache.Cache
}

var _ StepTypeRegistry = (*CachedRegistry)(nil)

// NewCachedRegistry wraps next. A non-positive ttl uses DefaultStepTypeTTL.
func NewCachedRegistry(next StepTypeRegistry, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = DefaultStepTypeTTL
	}
	return &CachedRegistry{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

// LookupStepType implements StepTypeRegistry.
func (r *CachedRegistry) LookupStepType(ctx context.Context, id string) (types.CustomStepType, error) {
	if v, ok := r.cache.Get(id); ok {
		return v.(types.CustomStepType), nil
	}
	st, err := r.next.LookupStepType(ctx, id)
	if err != nil {
		return types.CustomStepType{}, err
	}
	r.cache.SetDefault(id, st)
	return st, nil
}

// Invalidate drops a cached entry.
func (r *CachedRegistry) Invalidate(id string) {
	r.cache.Delete(id)
}
