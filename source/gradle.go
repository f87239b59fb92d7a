package source

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/types"
)

var (
	gradleBranches = []string{"+--- ", `\--- `}
	gradleFillers  = []string{"|    ", "     "}
)

// GradleTree reads the text output of `gradle dependencies`. Every
// configuration block is parsed; project nodes are kept out of the chains.
type GradleTree struct {
	file
	configurations []string
}

type GradleOption func(*GradleTree)

// WithConfigurations restricts parsing to the named configuration blocks,
// e.g. "runtimeClasspath".
func WithConfigurations(names ...string) GradleOption {
	return func(g *GradleTree) { g.configurations = names }
}

func NewGradleTree(appFs afero.Fs, path string, opts ...GradleOption) *GradleTree {
	g := &GradleTree{file: newFile(appFs, path)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GradleTree) Name() string          { return "gradle:" + g.path }
func (g *GradleTree) Kind() collector.Kind { return collector.KindTree }

func (g *GradleTree) Fetch(ctx context.Context) ([]types.Tuple, error) {
	b, err := g.read(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read gradle dependencies: %w", err)
	}
	return g.parse(lines(b)), nil
}

func (g *GradleTree) parse(lines []string) []types.Tuple {
	var (
		tuples []types.Tuple
		// project nodes are stored as "" so they hold their depth
		stack   []string
		enabled = len(g.configurations) == 0
	)
	for _, line := range lines {
		if line == "" {
			stack = nil
			continue
		}
		depth, rest, ok := treePrefix(line, gradleBranches, gradleFillers)
		if !ok {
			continue
		}
		if depth == 0 {
			name, _, _ := strings.Cut(rest, " - ")
			enabled = len(g.configurations) == 0 || lo.Contains(g.configurations, strings.TrimSpace(name))
			stack = nil
			continue
		}
		if !enabled || depth-1 > len(stack) {
			continue
		}

		if strings.HasPrefix(rest, "project ") {
			stack = append(stack[:depth-1], "")
			continue
		}

		name, version, ok := parseGradleDependency(rest)
		if !ok {
			// keep the depth slot so children of an unparsable node are not
			// attached to its parent
			stack = append(stack[:depth-1], "")
			continue
		}
		stack = append(stack[:depth-1], name)
		tuples = append(tuples, types.Tuple{
			Name:      name,
			Ecosystem: types.EcosystemMaven,
			Version:   version,
			Chain:     lo.Compact(stack),
		})
	}
	return tuples
}

// parseGradleDependency understands the node forms gradle prints:
//
//	group:artifact:1.0
//	group:artifact:1.0 -> 1.1
//	group:artifact -> 1.1
//	group:artifact:{strictly 1.0}
//	group:artifact:1.0 (*)
//
// Constraint (c), unresolved (n) and FAILED nodes are rejected.
func parseGradleDependency(s string) (name, version string, ok bool) {
	for _, marker := range []string{" (c)", " (n)", " FAILED"} {
		if strings.HasSuffix(s, marker) {
			return "", "", false
		}
	}
	s = strings.TrimSuffix(s, " (*)")

	coord, selected, conflict := strings.Cut(s, " -> ")
	if conflict {
		selected, _, _ = strings.Cut(strings.TrimSpace(selected), " ")
	}

	parts := strings.SplitN(strings.TrimSpace(coord), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	name = parts[0] + ":" + parts[1]

	switch {
	case conflict:
		version = selected
	case len(parts) == 3:
		version = parts[2]
	}
	version = strings.TrimSpace(version)
	if strings.HasPrefix(version, "{") {
		version = strings.TrimSuffix(strings.TrimPrefix(version, "{"), "}")
		version = strings.TrimSpace(strings.TrimPrefix(version, "strictly"))
	}
	if version == "" || strings.ContainsAny(version, " {}") {
		return "", "", false
	}
	return name, version, true
}
