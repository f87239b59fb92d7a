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
	mavenBranches = []string{"+- ", `\- `}
	mavenFillers  = []string{"|  ", "   "}
)

// MavenTree reads the text output of `mvn dependency:tree`. Each module root
// line starts a new tree; the module itself never appears in a chain.
type MavenTree struct {
	file
	excludedScopes []string
}

type MavenOption func(*MavenTree)

// WithExcludedScopes drops dependencies, and everything below them, whose
// scope is one of scopes (e.g. "test").
func WithExcludedScopes(scopes ...string) MavenOption {
	return func(m *MavenTree) { m.excludedScopes = scopes }
}

func NewMavenTree(appFs afero.Fs, path string, opts ...MavenOption) *MavenTree {
	m := &MavenTree{file: newFile(appFs, path)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MavenTree) Name() string          { return "maven:" + m.path }
func (m *MavenTree) Kind() collector.Kind { return collector.KindTree }

func (m *MavenTree) Fetch(ctx context.Context) ([]types.Tuple, error) {
	b, err := m.read(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read maven dependency tree: %w", err)
	}
	return m.parse(lines(b)), nil
}

func (m *MavenTree) parse(lines []string) []types.Tuple {
	var (
		tuples []types.Tuple
		stack  []string
		// depth below which the current subtree is excluded, 0 when none
		skipBelow int
		inTree    bool
	)
	for _, line := range lines {
		depth, rest, ok := treePrefix(line, mavenBranches, mavenFillers)
		if !ok {
			continue
		}

		if depth == 0 {
			if _, _, _, ok := parseMavenCoordinate(rest, true); ok {
				stack, skipBelow, inTree = nil, 0, true
			} else {
				inTree = false
			}
			continue
		}
		if !inTree || depth-1 > len(stack) {
			continue
		}
		if skipBelow > 0 && depth > skipBelow {
			continue
		}
		skipBelow = 0
		// a skipped node takes its subtree with it
		stack = stack[:depth-1]

		// "(g:a:jar:1.0:compile - omitted for duplicate)" in verbose output
		if strings.HasPrefix(rest, "(") {
			continue
		}

		name, version, scope, ok := parseMavenCoordinate(rest, false)
		if !ok {
			continue
		}
		if lo.Contains(m.excludedScopes, scope) {
			skipBelow = depth
			continue
		}

		stack = append(stack, name)
		tuples = append(tuples, types.Tuple{
			Name:      name,
			Ecosystem: types.EcosystemMaven,
			Version:   version,
			Chain:     append([]string(nil), stack...),
		})
	}
	return tuples
}

// parseMavenCoordinate understands group:artifact:type[:classifier]:version[:scope].
// Module roots carry no scope.
func parseMavenCoordinate(s string, root bool) (name, version, scope string, ok bool) {
	coord, _, _ := strings.Cut(s, " ")
	parts := strings.Split(coord, ":")
	for _, p := range parts {
		if p == "" {
			return "", "", "", false
		}
	}

	switch {
	case root && len(parts) == 4:
		version = parts[3]
	case len(parts) == 5:
		version, scope = parts[3], parts[4]
	case len(parts) == 6:
		version, scope = parts[4], parts[5]
	default:
		return "", "", "", false
	}
	return parts[0] + ":" + parts[1], version, scope, true
}

// treePrefix measures the indentation of a rendered dependency tree line.
// Depth 0 is a root line; deeper lines must end their prefix with a branch.
func treePrefix(line string, branches, fillers []string) (depth int, rest string, ok bool) {
	if line == "" {
		return 0, "", false
	}
	rest = line
	for {
		if b, found := lo.Find(branches, func(b string) bool { return strings.HasPrefix(rest, b) }); found {
			return depth + 1, strings.TrimSpace(rest[len(b):]), true
		}
		f, found := lo.Find(fillers, func(f string) bool { return strings.HasPrefix(rest, f) })
		if !found {
			break
		}
		depth++
		rest = rest[len(f):]
	}
	if depth > 0 || strings.HasPrefix(rest, " ") {
		return 0, "", false
	}
	return 0, rest, true
}
