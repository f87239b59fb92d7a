package source_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/kylelemons/godebug/pretty"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/source"
	"github.com/aquasecurity/depscan/types"
)

func maven(name, version string, chain ...string) types.Tuple {
	return types.Tuple{Name: name, Ecosystem: types.EcosystemMaven, Version: version, Chain: chain}
}

func TestMavenTree_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		opts    []source.MavenOption
		want    []types.Tuple
		wantErr string
	}{
		{
			name: "happy path",
			path: "testdata/maven-tree.txt",
			want: []types.Tuple{
				maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
				maven("com.fasterxml.jackson.core:jackson-databind", "2.13.0", "com.fasterxml.jackson.core:jackson-databind"),
				maven("com.fasterxml.jackson.core:jackson-annotations", "2.13.0", "com.fasterxml.jackson.core:jackson-databind", "com.fasterxml.jackson.core:jackson-annotations"),
				maven("com.fasterxml.jackson.core:jackson-core", "2.13.0", "com.fasterxml.jackson.core:jackson-databind", "com.fasterxml.jackson.core:jackson-core"),
				maven("org.example:lib", "1.2", "org.example:lib"),
				maven("org.slf4j:slf4j-api", "2.0.12", "org.example:lib", "org.slf4j:slf4j-api"),
				maven("io.netty:netty-handler", "4.1.100.Final", "org.example:lib", "io.netty:netty-handler"),
				maven("junit:junit", "4.13.2", "junit:junit"),
				maven("org.hamcrest:hamcrest-core", "1.3", "junit:junit", "org.hamcrest:hamcrest-core"),
			},
		},
		{
			name: "test scope excluded with its subtree",
			path: "testdata/maven-tree.txt",
			opts: []source.MavenOption{source.WithExcludedScopes("test")},
			want: []types.Tuple{
				maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
				maven("com.fasterxml.jackson.core:jackson-databind", "2.13.0", "com.fasterxml.jackson.core:jackson-databind"),
				maven("com.fasterxml.jackson.core:jackson-annotations", "2.13.0", "com.fasterxml.jackson.core:jackson-databind", "com.fasterxml.jackson.core:jackson-annotations"),
				maven("com.fasterxml.jackson.core:jackson-core", "2.13.0", "com.fasterxml.jackson.core:jackson-databind", "com.fasterxml.jackson.core:jackson-core"),
				maven("org.example:lib", "1.2", "org.example:lib"),
				maven("org.slf4j:slf4j-api", "2.0.12", "org.example:lib", "org.slf4j:slf4j-api"),
				maven("io.netty:netty-handler", "4.1.100.Final", "org.example:lib", "io.netty:netty-handler"),
			},
		},
		{
			name: "unparsable node drops its subtree",
			path: "testdata/maven-tree-unparsable.txt",
			want: []types.Tuple{
				maven("org.example:lib", "1.2", "org.example:lib"),
				maven("org.slf4j:slf4j-api", "2.0.12", "org.example:lib", "org.slf4j:slf4j-api"),
				maven("junit:junit", "4.13.2", "junit:junit"),
				maven("org.hamcrest:hamcrest-core", "1.3", "junit:junit", "org.hamcrest:hamcrest-core"),
			},
		},
		{
			name:    "missing file",
			path:    "testdata/unknown.txt",
			wantErr: "failed to read maven dependency tree",
		},
		{
			name:    "no file configured",
			wantErr: "no input file configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := source.NewMavenTree(afero.NewOsFs(), tt.path, tt.opts...)
			assert.Equal(t, collector.KindTree, m.Kind())

			got, err := m.Fetch(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := pretty.Compare(tt.want, got); diff != "" {
				t.Errorf("tuples differ (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGradleTree_Fetch(t *testing.T) {
	tests := []struct {
		name string
		opts []source.GradleOption
		want []types.Tuple
	}{
		{
			name: "all configurations",
			want: []types.Tuple{
				maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
				maven("com.google.guava:guava", "31.0-jre", "com.google.guava:guava"),
				maven("com.google.guava:failureaccess", "1.0.1", "com.google.guava:guava", "com.google.guava:failureaccess"),
				maven("com.google.code.findbugs:jsr305", "3.0.3", "com.google.guava:guava", "com.google.code.findbugs:jsr305"),
				maven("org.yaml:snakeyaml", "1.33", "org.yaml:snakeyaml"),
				maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
				maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
				maven("org.apache.logging.log4j:log4j-core", "2.14.1", "org.apache.logging.log4j:log4j-core"),
			},
		},
		{
			name: "runtime classpath only",
			opts: []source.GradleOption{source.WithConfigurations("runtimeClasspath")},
			want: []types.Tuple{
				maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
				maven("org.apache.logging.log4j:log4j-core", "2.14.1", "org.apache.logging.log4j:log4j-core"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := source.NewGradleTree(afero.NewOsFs(), "testdata/gradle-deps.txt", tt.opts...)
			got, err := g.Fetch(context.Background())
			require.NoError(t, err)
			if diff := pretty.Compare(tt.want, got); diff != "" {
				t.Errorf("tuples differ (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLibraryName(t *testing.T) {
	tests := []struct {
		input       string
		wantName    string
		wantVersion string
		wantOK      bool
	}{
		{input: "Gradle: org.slf4j:slf4j-api:2.0.12", wantName: "org.slf4j:slf4j-api", wantVersion: "2.0.12", wantOK: true},
		{input: "Maven: junit:junit:4.13.2", wantName: "junit:junit", wantVersion: "4.13.2", wantOK: true},
		{input: "Gradle: androidx.core:core:1.9.0@aar", wantName: "androidx.core:core", wantVersion: "1.9.0", wantOK: true},
		{input: "com.google.guava:guava:31.0-jre:sources", wantName: "com.google.guava:guava", wantVersion: "31.0-jre", wantOK: true},
		{input: "Gradle: InvalidName"},
		{input: "Gradle: :artifact:1.0"},
		{input: "group:artifact"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			name, version, ok := source.ParseLibraryName(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}

func TestParseLibraryPath(t *testing.T) {
	tests := []struct {
		input       string
		wantName    string
		wantVersion string
		wantOK      bool
	}{
		{
			input:       "/home/user/.gradle/caches/modules-2/files-2.1/com.google.guava/guava/30.1-jre/HASH/guava-30.1-jre.jar",
			wantName:    "com.google.guava:guava",
			wantVersion: "30.1-jre",
			wantOK:      true,
		},
		{input: "/path/to/commons-lang3-3.12.0.jar", wantName: "commons-lang3", wantVersion: "3.12.0", wantOK: true},
		{input: "/path/to/tools.jar"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			name, version, ok := source.ParseLibraryPath(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}

func jar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestLibraryDir_Fetch(t *testing.T) {
	appFs := afero.NewMemMapFs()
	files := map[string][]byte{
		"/libs/lib/jackson-core-2.13.0.jar": jar(t, map[string]string{
			"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
			"META-INF/maven/com.fasterxml.jackson.core/jackson-core/pom.properties": "#Generated by Maven\n" +
				"groupId=com.fasterxml.jackson.core\nartifactId=jackson-core\nversion=2.13.0\n",
		}),
		"/libs/commons-lang3-3.12.0.jar":                                             jar(t, map[string]string{"META-INF/MANIFEST.MF": ""}),
		"/libs/modules-2/files-2.1/com.google.guava/guava/30.1-jre/abc/guava-30.1-jre.jar": []byte("not read"),
		"/libs/broken-1.0.jar": []byte("not a zip"),
		"/libs/README.md":      []byte("# libs"),
	}
	for path, b := range files {
		require.NoError(t, afero.WriteFile(appFs, path, b, 0o644))
	}

	d := source.NewLibraryDir(appFs, "/libs")
	assert.Equal(t, collector.KindFlat, d.Kind())

	got, err := d.Fetch(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Tuple{
		maven("com.fasterxml.jackson.core:jackson-core", "2.13.0", "com.fasterxml.jackson.core:jackson-core"),
		maven("commons-lang3", "3.12.0", "commons-lang3"),
		maven("com.google.guava:guava", "30.1-jre", "com.google.guava:guava"),
		maven("broken", "1.0", "broken"),
	}, got)

	_, err = source.NewLibraryDir(appFs, "/missing").Fetch(context.Background())
	require.Error(t, err)
}

func TestLibraryList_Fetch(t *testing.T) {
	l := source.NewLibraryList(afero.NewOsFs(), "testdata/libraries.txt")
	assert.Equal(t, collector.KindFlat, l.Kind())

	got, err := l.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Tuple{
		maven("org.slf4j:slf4j-api", "2.0.12", "org.slf4j:slf4j-api"),
		maven("androidx.core:core", "1.9.0", "androidx.core:core"),
		maven("com.google.guava:guava", "30.1-jre", "com.google.guava:guava"),
	}, got)
}

func TestInventory_Fetch(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		opts     []source.InventoryOption
		wantKind collector.Kind
		want     []types.Tuple
		wantErr  string
	}{
		{
			name:     "happy path",
			path:     "testdata/inventory.json",
			wantKind: collector.KindTree,
			want: []types.Tuple{
				maven("org.slf4j:slf4j-api", "2.0.12", "org.example:app", "org.slf4j:slf4j-api"),
				{Name: "left-pad", Ecosystem: "npm", Version: "1.3.0"},
			},
		},
		{
			name:     "flat inventory",
			path:     "testdata/inventory.json",
			opts:     []source.InventoryOption{source.WithKind(collector.KindFlat)},
			wantKind: collector.KindFlat,
			want: []types.Tuple{
				maven("org.slf4j:slf4j-api", "2.0.12", "org.example:app", "org.slf4j:slf4j-api"),
				{Name: "left-pad", Ecosystem: "npm", Version: "1.3.0"},
			},
		},
		{
			name:     "not a list",
			path:     "testdata/inventory-invalid.json",
			wantKind: collector.KindTree,
			wantErr:  "failed to decode inventory",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := source.NewInventory(afero.NewOsFs(), tt.path, tt.opts...)
			assert.Equal(t, tt.wantKind, inv.Kind())

			got, err := inv.Fetch(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatic_Fetch(t *testing.T) {
	tuples := []types.Tuple{maven("org.slf4j:slf4j-api", "2.0.12", "org.example:app")}
	s := source.NewStatic("host", collector.KindTree, tuples)
	assert.Equal(t, "host", s.Name())

	got, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tuples, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Fetch(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
