// Package source provides the dependency sources the collector merges:
// Maven and Gradle dependency trees, jar directories, IDE library lists and
// normalized inventory files.
package source

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/types"
	"github.com/aquasecurity/depscan/utils"
)

const maxFileSize = 64 << 20

var (
	_ collector.SourceAdapter = (*MavenTree)(nil)
	_ collector.SourceAdapter = (*GradleTree)(nil)
	_ collector.SourceAdapter = (*LibraryDir)(nil)
	_ collector.SourceAdapter = (*LibraryList)(nil)
	_ collector.SourceAdapter = (*Inventory)(nil)
	_ collector.SourceAdapter = (*Static)(nil)
)

// file is embedded by the adapters that read a single file.
type file struct {
	fs   utils.Fs
	path string
}

func newFile(appFs afero.Fs, path string) file {
	if appFs == nil {
		appFs = afero.NewOsFs()
	}
	return file{fs: utils.NewFs(appFs), path: path}
}

func (f file) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.path == "" {
		return nil, xerrors.New("no input file configured")
	}
	return f.fs.ReadFile(f.path, maxFileSize)
}

// lines splits b into lines with "[INFO] " style log prefixes removed.
func lines(b []byte) []string {
	var out []string
	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), " \t\r")
		for _, prefix := range []string{"[INFO] ", "[INFO]", "[DEBUG] ", "[WARNING] "} {
			if strings.HasPrefix(line, prefix) {
				line = strings.TrimPrefix(line, prefix)
				break
			}
		}
		out = append(out, line)
	}
	return out
}

// Static serves a fixed tuple list. It is useful for embedding the scanner
// in a host that already knows its dependencies.
type Static struct {
	name   string
	kind   collector.Kind
	tuples []types.Tuple
}

func NewStatic(name string, kind collector.Kind, tuples []types.Tuple) *Static {
	return &Static{name: name, kind: kind, tuples: tuples}
}

func (s *Static) Name() string          { return s.name }
func (s *Static) Kind() collector.Kind { return s.kind }

func (s *Static) Fetch(ctx context.Context) ([]types.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]types.Tuple(nil), s.tuples...), nil
}
