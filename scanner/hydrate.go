package scanner

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aquasecurity/depscan/metrics"
	"github.com/aquasecurity/depscan/osv"
	"github.com/aquasecurity/depscan/types"
)

// hydrator replaces the id-only records of querybatch with full records.
// It lives for one scan, so every id is fetched at most once per scan.
type hydrator struct {
	client  Querier
	metrics *metrics.Metrics
	group   singleflight.Group

	mu    sync.Mutex
	cache map[string]*types.Vulnerability
}

func newHydrator(client Querier, m *metrics.Metrics) *hydrator {
	return &hydrator{
		client:  client,
		metrics: m,
		cache:   make(map[string]*types.Vulnerability),
	}
}

// hydrate rewrites responses in place. Records that cannot be fetched stay
// sparse.
func (h *hydrator) hydrate(ctx context.Context, responses []*osv.Response) {
	var ids []string
	for _, r := range responses {
		if r == nil {
			continue
		}
		for _, v := range r.Vulns {
			if v.IsSparse() && v.ID != "" {
				ids = append(ids, v.ID)
			}
		}
	}
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return
	}

	full := make([]*types.Vulnerability, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			full[i] = h.get(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	byID := make(map[string]*types.Vulnerability, len(ids))
	for i, id := range ids {
		if full[i] != nil {
			byID[id] = full[i]
		}
	}
	for _, r := range responses {
		if r == nil {
			continue
		}
		for j, v := range r.Vulns {
			if f, ok := byID[v.ID]; ok && v.IsSparse() {
				r.Vulns[j] = *f
			}
		}
	}
}

func (h *hydrator) get(ctx context.Context, id string) *types.Vulnerability {
	h.mu.Lock()
	v, ok := h.cache[id]
	h.mu.Unlock()
	if ok {
		return v
	}

	res, _, _ := h.group.Do(id, func() (interface{}, error) {
		v := h.client.GetVulnerability(ctx, id)
		if v != nil {
			h.metrics.Hydrated()
		}
		// failures are cached too; the next scan retries them
		h.mu.Lock()
		h.cache[id] = v
		h.mu.Unlock()
		return v, nil
	})
	return res.(*types.Vulnerability)
}
