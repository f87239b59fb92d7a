package utils

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemFS struct {
	afero.Fs
	create func(string) (afero.File, error)
}

func (ffs fakeMemFS) Create(name string) (afero.File, error) {
	if ffs.create != nil {
		return ffs.create(name)
	}
	return ffs.Fs.Create(name)
}

func TestFs_Write(t *testing.T) {
	testCases := []struct {
		name          string
		memfs         Fs
		filePath      string
		input         string
		want          string
		expectedError error
	}{
		{
			name:     "happy path",
			memfs:    NewFs(fakeMemFS{Fs: afero.NewMemMapFs()}),
			filePath: "foo",
			input:    `{}`,
			want:     `{}`,
		},
		{
			name:     "happy path with nested directory",
			memfs:    NewFs(fakeMemFS{Fs: afero.NewMemMapFs()}),
			filePath: "out/reports/scan.json",
			input:    "[\n  \"a\"\n]",
			want:     "[\n  \"a\"\n]",
		},
		{
			name: "sad path: fs.AppFs.Create returns an error",
			memfs: NewFs(fakeMemFS{
				Fs: afero.NewMemMapFs(),
				create: func(s string) (file afero.File, e error) {
					return nil, errors.New("cannot create file")
				},
			}),
			filePath:      "foo",
			input:         `{}`,
			expectedError: errors.New("unable to open a file: cannot create file"),
		},
	}

	for _, tc := range testCases {
		err := tc.memfs.Write(tc.filePath, []byte(tc.input))
		switch {
		case tc.expectedError != nil:
			require.Error(t, err, tc.name)
			assert.Equal(t, tc.expectedError.Error(), err.Error(), tc.name)
		default:
			require.NoError(t, err, tc.name)
			got, err := tc.memfs.ReadFile(tc.filePath, 0)
			require.NoError(t, err, tc.name)
			assert.Equal(t, tc.want, string(got), tc.name)
		}
	}
}

func TestFs_ReadFile(t *testing.T) {
	fs := NewFs(afero.NewMemMapFs())
	require.NoError(t, fs.Write("data.txt", []byte("0123456789")))

	got, err := fs.ReadFile("data.txt", 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	_, err = fs.ReadFile("data.txt", 4)
	assert.ErrorContains(t, err, "file data.txt exceeds 4 bytes")

	_, err = fs.ReadFile("missing.txt", 0)
	assert.ErrorContains(t, err, "file open error (missing.txt)")
}
