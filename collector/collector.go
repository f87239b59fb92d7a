// Package collector merges the dependency coordinates reported by several
// build-system sources into one deduplicated package list.
package collector

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/logging"
	"github.com/aquasecurity/depscan/types"
)

// Kind tells the collector how much ancestry a source carries.
type Kind int

const (
	// KindFlat sources enumerate resolved artifacts without ancestry.
	KindFlat Kind = iota
	// KindTree sources report direct and transitive ancestry.
	KindTree
)

func (k Kind) String() string {
	if k == KindTree {
		return "tree"
	}
	return "flat"
}

// SourceAdapter yields raw (package, chain) tuples from one build-system view.
type SourceAdapter interface {
	Name() string
	Kind() Kind
	Fetch(ctx context.Context) ([]types.Tuple, error)
}

// Result is the outcome of a collection.
type Result struct {
	Packages []types.Package
	// Skipped names the flat sources that were not consulted because a
	// tree-aware source reported packages.
	Skipped []string
	// Errors aggregates per-source failures. They never abort a collection.
	Errors *multierror.Error
}

type Collector struct {
	logger *zap.Logger
}

type option func(*Collector)

func WithLogger(l *zap.Logger) option {
	return func(c *Collector) { c.logger = l }
}

func New(opts ...option) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// Collect runs the tree-aware sources first and falls back to the flat ones
// only when no tree-aware source reported a package. The returned error is
// non-nil only when ctx is done.
func (c *Collector) Collect(ctx context.Context, sources []SourceAdapter) (Result, error) {
	var result Result
	groups := make(map[types.Identity]*types.Package)

	tree := lo.Filter(sources, func(s SourceAdapter, _ int) bool { return s.Kind() == KindTree })
	flat := lo.Filter(sources, func(s SourceAdapter, _ int) bool { return s.Kind() != KindTree })

	treeCount := 0
	for _, src := range tree {
		if err := ctx.Err(); err != nil {
			return Result{}, xerrors.Errorf("collection canceled: %w", err)
		}
		n, err := c.collectSource(ctx, src, groups)
		if err != nil {
			result.Errors = multierror.Append(result.Errors, err)
		}
		treeCount += n
	}

	if treeCount > 0 {
		for _, src := range flat {
			result.Skipped = append(result.Skipped, src.Name())
		}
		if len(result.Skipped) > 0 {
			c.logger.Debug("Skipping flat sources", zap.Strings("sources", result.Skipped))
		}
	} else {
		for _, src := range flat {
			if err := ctx.Err(); err != nil {
				return Result{}, xerrors.Errorf("collection canceled: %w", err)
			}
			if _, err := c.collectSource(ctx, src, groups); err != nil {
				result.Errors = multierror.Append(result.Errors, err)
			}
		}
	}

	result.Packages = make([]types.Package, 0, len(groups))
	for _, pkg := range groups {
		result.Packages = append(result.Packages, *pkg)
	}
	slices.SortFunc(result.Packages, func(a, b types.Package) int {
		return cmp.Or(
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.Ecosystem, b.Ecosystem),
			cmp.Compare(a.Version, b.Version),
		)
	})

	c.logger.Info("Collected dependencies",
		zap.Int("packages", len(result.Packages)),
		zap.Int("tree_tuples", treeCount),
		zap.Int("source_errors", len(result.Errors.WrappedErrors())))
	return result, nil
}

// collectSource merges one source into groups and returns how many valid
// tuples it contributed.
func (c *Collector) collectSource(ctx context.Context, src SourceAdapter, groups map[types.Identity]*types.Package) (int, error) {
	tuples, err := fetch(ctx, src)
	if err != nil {
		c.logger.Warn("Dependency source unavailable", zap.String("source", src.Name()), zap.Error(err))
		return 0, xerrors.Errorf("source %s: %w", src.Name(), err)
	}

	n := 0
	for _, t := range tuples {
		t, ok := Normalize(t)
		if !ok {
			c.logger.Debug("Discarding invalid tuple", zap.String("source", src.Name()),
				zap.String("name", t.Name), zap.String("version", t.Version))
			continue
		}
		n++

		id := t.Identity()
		pkg, found := groups[id]
		if !found {
			pkg = &types.Package{Identity: id}
			groups[id] = pkg
		}
		pkg.Chains.Add(t.Chain)
	}
	c.logger.Debug("Fetched dependency source", zap.String("source", src.Name()),
		zap.Stringer("kind", src.Kind()), zap.Int("tuples", len(tuples)), zap.Int("valid", n))
	return n, nil
}

func fetch(ctx context.Context, src SourceAdapter) (tuples []types.Tuple, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return src.Fetch(ctx)
}

// Normalize trims a tuple and reports whether it is usable. Maven names must
// be "group:artifact" and a packaging suffix such as "@aar" is stripped from
// the version. Blank chain elements are dropped.
func Normalize(t types.Tuple) (types.Tuple, bool) {
	t.Name = strings.TrimSpace(t.Name)
	t.Ecosystem = strings.TrimSpace(t.Ecosystem)
	t.Version = strings.TrimSpace(t.Version)
	if i := strings.IndexByte(t.Version, '@'); i >= 0 {
		t.Version = strings.TrimSpace(t.Version[:i])
	}
	if t.Name == "" || t.Version == "" || t.Ecosystem == "" {
		return t, false
	}

	if t.Ecosystem == types.EcosystemMaven {
		group, artifact, found := strings.Cut(t.Name, ":")
		if !found || strings.TrimSpace(group) == "" || strings.TrimSpace(artifact) == "" {
			return t, false
		}
	}

	chain := lo.Map(t.Chain, func(s string, _ int) string { return strings.TrimSpace(s) })
	t.Chain = lo.Filter(chain, func(s string, _ int) bool { return s != "" })
	return t, true
}
