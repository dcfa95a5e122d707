// Package archive packs a directory tree into one immutable container and
// serves whole-tree extraction and single-entry reads from it.
package archive

import (
	"context"
	"io"
	"io/fs"
	"strings"
)

// State tells where the authoritative content of an archive lives.
type State int

const (
	// Loose means the content exists only as a directory tree.
	Loose State = iota
	// Packed means the content exists only inside the container.
	Packed
)

func (s State) String() string {
	switch s {
	case Loose:
		return "loose"
	case Packed:
		return "packed"
	default:
		return "unknown"
	}
}

// Entry describes one container entry.
type Entry struct {
	Name        string
	IsDir       bool
	Size        uint64
	Compression Compression
}

// Archive is a write-once container. Pack is the only transition from
// Loose to Packed; the container is never modified afterwards.
type Archive interface {
	Pack(ctx context.Context, sourceDir string) (State, error)
	PackFS(ctx context.Context, fsys fs.FS) (State, error)
	Unpack(ctx context.Context, destDir string) error
	ReadEntry(name string) (io.ReadCloser, error)
	EntryExists(name string) (bool, error)
	Entries() ([]Entry, error)
	Verify(ctx context.Context) error
	State() State
	Path() string
}

// TempSuffix marks container artifacts that were never published.
const TempSuffix = ".tmp"

// IsTempArtifact reports whether name is an unpublished pack artifact.
func IsTempArtifact(name string) bool {
	return strings.HasSuffix(name, TempSuffix)
}
