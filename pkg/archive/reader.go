package archive

import (
	"io"
	"os"
	"sync"

	"emperror.dev/errors"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

// entryReader streams one entry and owns the container handle it was
// opened from. The handle is released exactly once: at end of stream, on
// the first read error or on Close, whichever comes first.
type entryReader struct {
	name     string
	rc       io.ReadCloser
	fp       *os.File
	once     sync.Once
	err      error
	closeErr error
}

func newEntryReader(name string, rc io.ReadCloser, fp *os.File) *entryReader {
	return &entryReader{
		name: name,
		rc:   rc,
		fp:   fp,
	}
}

func (er *entryReader) Read(p []byte) (int, error) {
	if er.err != nil {
		return 0, er.err
	}
	n, err := er.rc.Read(p)
	if err != nil {
		if err != io.EOF {
			err = layererrors.New(layererrors.ErrCorruptArchive, "read entry", er.name, err)
		}
		er.err = err
		er.release()
	}
	return n, err
}

func (er *entryReader) release() {
	er.once.Do(func() {
		er.closeErr = errors.Combine(er.rc.Close(), er.fp.Close())
	})
}

func (er *entryReader) Close() error {
	er.release()
	if er.err == nil {
		er.err = os.ErrClosed
	}
	if er.closeErr != nil {
		return layererrors.New(layererrors.ErrIOFailure, "close entry", er.name, er.closeErr)
	}
	return nil
}
