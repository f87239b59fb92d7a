package source

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/types"
)

var (
	gradleCachePattern = regexp.MustCompile(`.*/modules-2/files-2\.1/([^/]+)/([^/]+)/([^/]+)/.*`)
	jarVersionPattern  = regexp.MustCompile(`^(.+?)-(\d[\w.-]*)$`)
)

// ParseLibraryName parses an IDE library name such as
// "Gradle: org.slf4j:slf4j-api:2.0.12" or "Maven: androidx.core:core:1.9.0@aar".
func ParseLibraryName(s string) (name, version string, ok bool) {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"Gradle: ", "Maven: "} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}

	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return "", "", false
	}
	group, artifact := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	version = parts[2]
	if i := strings.IndexByte(version, '@'); i > 0 {
		version = version[:i]
	}
	version = strings.TrimSpace(version)
	if group == "" || artifact == "" || version == "" {
		return "", "", false
	}
	return group + ":" + artifact, version, true
}

// ParseLibraryPath derives coordinates from an artifact location. A Gradle
// cache path yields group:artifact; otherwise the file name
// "artifact-1.2.3.jar" yields only the artifact.
func ParseLibraryPath(p string) (name, version string, ok bool) {
	p = filepath.ToSlash(p)
	if m := gradleCachePattern.FindStringSubmatch(p); m != nil {
		return m[1] + ":" + m[2], m[3], true
	}

	base := path.Base(p)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	m := jarVersionPattern.FindStringSubmatch(base)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// LibraryDir walks a directory of resolved artifacts (a lib/ folder or the
// Gradle cache). It knows nothing about ancestry, so every package is
// reported as its own root.
type LibraryDir struct {
	fs   afero.Fs
	root string
}

func NewLibraryDir(appFs afero.Fs, root string) *LibraryDir {
	if appFs == nil {
		appFs = afero.NewOsFs()
	}
	return &LibraryDir{fs: appFs, root: root}
}

func (d *LibraryDir) Name() string          { return "libs:" + d.root }
func (d *LibraryDir) Kind() collector.Kind { return collector.KindFlat }

func (d *LibraryDir) Fetch(ctx context.Context) ([]types.Tuple, error) {
	if d.root == "" {
		return nil, xerrors.New("no library directory configured")
	}

	var tuples []types.Tuple
	err := afero.Walk(d.fs, d.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext != ".jar" && ext != ".aar" {
			return nil
		}

		name, version, ok := d.identify(p, info.Size())
		if !ok {
			return nil
		}
		tuples = append(tuples, types.Tuple{
			Name:      name,
			Ecosystem: types.EcosystemMaven,
			Version:   version,
			Chain:     []string{name},
		})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to walk %s: %w", d.root, err)
	}
	return tuples, nil
}

func (d *LibraryDir) identify(p string, size int64) (string, string, bool) {
	if m := gradleCachePattern.FindStringSubmatch(filepath.ToSlash(p)); m != nil {
		return m[1] + ":" + m[2], m[3], true
	}
	if strings.EqualFold(filepath.Ext(p), ".jar") {
		if name, version, ok := d.pomProperties(p, size); ok {
			return name, version, true
		}
	}
	return ParseLibraryPath(p)
}

// pomProperties reads the coordinates maven-archiver embeds under
// META-INF/maven. Shaded jars carry several; the one matching the file name
// wins, otherwise a lone entry is used.
func (d *LibraryDir) pomProperties(p string, size int64) (string, string, bool) {
	f, err := d.fs.Open(p)
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return "", "", false
	}

	type coordinate struct{ group, artifact, version string }
	var found []coordinate
	for _, zf := range zr.File {
		if !strings.HasPrefix(zf.Name, "META-INF/maven/") || path.Base(zf.Name) != "pom.properties" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(rc, 64<<10))
		rc.Close()
		if err != nil {
			continue
		}
		props := parseProperties(b)
		c := coordinate{props["groupId"], props["artifactId"], props["version"]}
		if c.group != "" && c.artifact != "" && c.version != "" {
			found = append(found, c)
		}
	}

	base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	for _, c := range found {
		if base == c.artifact+"-"+c.version {
			return c.group + ":" + c.artifact, c.version, true
		}
	}
	if len(found) == 1 {
		return found[0].group + ":" + found[0].artifact, found[0].version, true
	}
	return "", "", false
}

func parseProperties(b []byte) map[string]string {
	props := make(map[string]string)
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props
}

// LibraryList reads one IDE library name per line, as exported from a
// project's library table.
type LibraryList struct {
	file
}

func NewLibraryList(appFs afero.Fs, path string) *LibraryList {
	return &LibraryList{file: newFile(appFs, path)}
}

func (l *LibraryList) Name() string          { return "library-list:" + l.path }
func (l *LibraryList) Kind() collector.Kind { return collector.KindFlat }

func (l *LibraryList) Fetch(ctx context.Context) ([]types.Tuple, error) {
	b, err := l.read(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read library list: %w", err)
	}

	var tuples []types.Tuple
	for _, line := range lines(b) {
		name, version, ok := ParseLibraryName(line)
		if !ok {
			if name, version, ok = ParseLibraryPath(line); !ok {
				continue
			}
		}
		tuples = append(tuples, types.Tuple{
			Name:      name,
			Ecosystem: types.EcosystemMaven,
			Version:   version,
			Chain:     []string{name},
		})
	}
	return tuples, nil
}
