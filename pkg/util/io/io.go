package io

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

func TryGetSize(r io.Reader) (int64, error) {
	switch f := r.(type) {
	case *bytes.Reader:
		return int64(f.Len()), nil
	case *os.File:
		filestat, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return filestat.Size(), nil
	}

	return 0, errors.Errorf("unsupported type of io.Reader: %T", r)
}

// FileNonEmpty reports whether a regular file exists at path and holds at
// least one byte. A record claiming a download is only trusted while this
// holds for its local path.
func FileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular() && fi.Size() > 0
}
