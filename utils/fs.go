package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

type Fs struct {
	AppFs afero.Fs
}

func NewFs(appFs afero.Fs) Fs {
	return Fs{AppFs: appFs}
}

// Write creates the parent directory when needed and replaces the file content.
func (fs Fs) Write(filePath string, b []byte) error {
	if dir := filepath.Dir(filePath); dir != "." && dir != "" {
		if err := fs.AppFs.MkdirAll(dir, os.ModePerm); err != nil {
			return xerrors.Errorf("failed to mkdir: %w", err)
		}
	}

	f, err := fs.AppFs.Create(filePath)
	if err != nil {
		return xerrors.Errorf("unable to open a file: %w", err)
	}
	defer f.Close()

	if _, err = f.Write(b); err != nil {
		return xerrors.Errorf("failed to save a file: %w", err)
	}
	return nil
}

// ReadFile reads a whole file. When maxSize > 0, a file larger than maxSize
// bytes is an error.
func (fs Fs) ReadFile(filePath string, maxSize int64) ([]byte, error) {
	f, err := fs.AppFs.Open(filePath)
	if err != nil {
		return nil, xerrors.Errorf("file open error (%s): %w", filePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxSize > 0 {
		r = io.LimitReader(f, maxSize+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("file read error (%s): %w", filePath, err)
	}
	if maxSize > 0 && int64(len(b)) > maxSize {
		return nil, xerrors.Errorf("file %s exceeds %d bytes", filePath, maxSize)
	}
	return b, nil
}
