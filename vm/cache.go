package vm

import (
	"context"
	"sync/atomic"

	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Quickening for custom operations
//
// Every custom call site owns a cache cell. The first execution runs the
// generic implementation and selects a specialization from the kinds of the
// arguments it observed. Later executions take the specialized path while
// its guard holds. A guard failure invalidates the site: the call runs the
// generic implementation and the site re-specializes from the arguments
// that failed the guard. After MaxInvalidations the site stops specializing.
//
// Cells hold immutable states swapped with compare-and-swap, so concurrent
// executions never observe a partial update. When two executions race to
// update a cell the first writer wins and the loser's state is discarded.

// CacheState represents the current state of a site cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // Not executed yet
	CacheGeneric                       // No specialization accepts the observed kinds
	CacheMonomorphic                   // One specialization installed
	CacheMegamorphic                   // Too many invalidations, always generic
)

// MaxInvalidations is the number of guard failures after which a site stays
// generic.
const MaxInvalidations = 4

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheGeneric:
		return "generic"
	case CacheMonomorphic:
		return "monomorphic"
	case CacheMegamorphic:
		return "megamorphic"
	default:
		return "unknown"
	}
}

type siteState struct {
	state         CacheState
	spec          int
	invalidations int
}

// siteCache is the specialization state of one call site. op is nil for
// short circuit sites without a converter.
type siteCache struct {
	index int
	op    *operation.CustomOperation
	cell  atomic.Pointer[siteState]

	// Statistics for profiling
	hits   atomic.Uint64
	misses atomic.Uint64
}

// SiteInfo is a snapshot of a call site's cache.
type SiteInfo struct {
	State          CacheState
	Specialization string
	Invalidations  int
	Hits           uint64
	Misses         uint64
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (s SiteInfo) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (c *siteCache) info() SiteInfo {
	info := SiteInfo{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if st := c.cell.Load(); st != nil {
		info.State = st.state
		info.Invalidations = st.invalidations
		if st.state == CacheMonomorphic {
			info.Specialization = c.op.Specializations[st.spec].Name
		}
	}
	return info
}

// selectState returns the state for args after invalidations guard
// failures.
func (c *siteCache) selectState(args []any, invalidations int) *siteState {
	if invalidations >= MaxInvalidations {
		return &siteState{state: CacheMegamorphic, spec: -1, invalidations: invalidations}
	}
	if idx := c.op.Select(args); idx >= 0 {
		return &siteState{state: CacheMonomorphic, spec: idx, invalidations: invalidations}
	}
	return &siteState{state: CacheGeneric, spec: -1, invalidations: invalidations}
}

// call executes the site's operation through its cache.
func (c *siteCache) call(ctx context.Context, l *loadedCode, args []any) (any, error) {
	co := c.op
	if !l.quicken {
		return co.Generic(ctx, args)
	}
	st := c.cell.Load()
	if st == nil {
		c.misses.Add(1)
		c.cell.CompareAndSwap(nil, c.selectState(args, 0))
		return co.Generic(ctx, args)
	}
	switch st.state {
	case CacheMonomorphic:
		spec := &co.Specializations[st.spec]
		if spec.Accepts(args) {
			c.hits.Add(1)
			return spec.Fn(ctx, args)
		}
		c.misses.Add(1)
		next := c.selectState(args, st.invalidations+1)
		if c.cell.CompareAndSwap(st, next) {
			l.root.logger().Debug().
				Int("site", c.index).
				Str("operation", co.Name).
				Str("from", spec.Name).
				Str("to", next.state.String()).
				Msg("invalidated site")
		}
		return co.Generic(ctx, args)
	case CacheGeneric:
		if idx := co.Select(args); idx >= 0 {
			c.misses.Add(1)
			c.cell.CompareAndSwap(st, &siteState{state: CacheMonomorphic, spec: idx, invalidations: st.invalidations})
			return co.Specializations[idx].Fn(ctx, args)
		}
		c.hits.Add(1)
		return co.Generic(ctx, args)
	default:
		c.hits.Add(1)
		return co.Generic(ctx, args)
	}
}
