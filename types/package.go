package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/package-url/packageurl-go"
)

const (
	EcosystemMaven = "Maven"

	chainSeparator = " > "
)

var purlTypes = map[string]string{
	EcosystemMaven: packageurl.TypeMaven,
	"Go":           packageurl.TypeGolang,
	"npm":          packageurl.TypeNPM,
	"PyPI":         packageurl.TypePyPi,
	"crates.io":    packageurl.TypeCargo,
	"NuGet":        packageurl.TypeNuget,
	"RubyGems":     packageurl.TypeGem,
	"Packagist":    packageurl.TypeComposer,
}

// Identity is the dedup key of a package. It is comparable and used as a map key.
type Identity struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
	Version   string `json:"version"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%s (%s)", id.Name, id.Version, id.Ecosystem)
}

// PURL renders the identity as a package URL. Maven names are expected in
// "group:artifact" form.
func (id Identity) PURL() string {
	typ, ok := purlTypes[id.Ecosystem]
	if !ok {
		typ = packageurl.TypeGeneric
	}

	var namespace, name string
	switch typ {
	case packageurl.TypeMaven:
		if group, artifact, found := strings.Cut(id.Name, ":"); found {
			namespace, name = group, artifact
		} else {
			name = id.Name
		}
	case packageurl.TypeGolang, packageurl.TypeNPM:
		if i := strings.LastIndex(id.Name, "/"); i > 0 {
			namespace, name = id.Name[:i], id.Name[i+1:]
		} else {
			name = id.Name
		}
	default:
		name = id.Name
	}

	return packageurl.NewPackageURL(typ, namespace, name, id.Version, nil, "").ToString()
}

// Tuple is the raw unit a source adapter yields.
type Tuple struct {
	Name      string   `json:"name"`
	Ecosystem string   `json:"ecosystem"`
	Version   string   `json:"version"`
	Chain     []string `json:"chain,omitempty"`
}

func (t Tuple) Identity() Identity {
	return Identity{Name: t.Name, Ecosystem: t.Ecosystem, Version: t.Version}
}

// Chain lists package names from a root dependency down to the package
// itself. A chain of length one is a direct dependency.
type Chain []string

func (c Chain) Key() string {
	return strings.Join(c, chainSeparator)
}

func (c Chain) String() string {
	return c.Key()
}

func (c Chain) Root() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

func (c Chain) IsDirect() bool {
	return len(c) <= 1
}

// ChainSet holds distinct chains. The zero value is ready to use.
type ChainSet struct {
	chains map[string]Chain
}

func NewChainSet(chains ...Chain) ChainSet {
	var s ChainSet
	for _, c := range chains {
		s.Add(c)
	}
	return s
}

// Add ignores empty chains and chains already present.
func (s *ChainSet) Add(c Chain) bool {
	if len(c) == 0 {
		return false
	}
	if s.chains == nil {
		s.chains = make(map[string]Chain)
	}
	key := c.Key()
	if _, ok := s.chains[key]; ok {
		return false
	}
	s.chains[key] = append(Chain(nil), c...)
	return true
}

func (s ChainSet) Contains(c Chain) bool {
	_, ok := s.chains[c.Key()]
	return ok
}

func (s ChainSet) Len() int {
	return len(s.chains)
}

// Slice returns the chains ordered by key.
func (s ChainSet) Slice() []Chain {
	keys := make([]string, 0, len(s.chains))
	for k := range s.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chains := make([]Chain, 0, len(keys))
	for _, k := range keys {
		chains = append(chains, s.chains[k])
	}
	return chains
}

func (s ChainSet) MarshalJSON() ([]byte, error) {
	chains := s.Slice()
	out := make([][]string, len(chains))
	for i, c := range chains {
		out[i] = c
	}
	return json.Marshal(out)
}

func (s ChainSet) MarshalYAML() (interface{}, error) {
	chains := s.Slice()
	out := make([][]string, len(chains))
	for i, c := range chains {
		out[i] = c
	}
	return out, nil
}

// Package is a deduplicated dependency together with every path that led to it.
type Package struct {
	Identity `yaml:",inline"`
	Chains   ChainSet `json:"chains" yaml:"chains"`
}

// ScanResult is built once per package per scan and never mutated afterwards.
type ScanResult struct {
	Package         Package         `json:"package"`
	Vulnerable      bool            `json:"vulnerable"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

func NewScanResult(pkg Package, vulns []Vulnerability) ScanResult {
	if vulns == nil {
		vulns = []Vulnerability{}
	}
	return ScanResult{
		Package:         pkg,
		Vulnerable:      len(vulns) > 0,
		Vulnerabilities: vulns,
	}
}
