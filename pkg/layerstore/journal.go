package layerstore

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"

	"emperror.dev/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

var journalEncMode cbor.EncMode

func init() {
	var err error
	journalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("layerstore: cbor encoder initialization failed: " + err.Error())
	}
}

// journalRecord is the on-disk form of the tombstones pending in a staging
// layer.
type journalRecord struct {
	Layer LayerID  `cbor:"layer"`
	Paths []string `cbor:"paths"`
}

// journal keeps the pending tombstones of one staging layer and mirrors
// them to a file so they survive a restart.
type journal struct {
	path  string
	layer LayerID
	paths map[string]bool
}

func loadJournal(path string, layer LayerID) (*journal, error) {
	j := &journal{
		path:  path,
		layer: layer,
		paths: map[string]bool{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return j, nil
		}
		return nil, layererrors.New(layererrors.ErrIOFailure, "load journal", path, err)
	}
	var rec journalRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, "load journal", path, errors.Wrap(err, "cannot decode"))
	}
	if rec.Layer != layer {
		return nil, layererrors.Newf(layererrors.ErrIndexInconsistency, "load journal", path, "journal belongs to layer %d, not %d", rec.Layer, layer)
	}
	for _, p := range rec.Paths {
		j.paths[p] = true
	}
	return j, nil
}

func (j *journal) has(path string) bool {
	return j.paths[path]
}

// sorted returns the pending tombstones in path order.
func (j *journal) sorted() []string {
	return slices.Sorted(maps.Keys(j.paths))
}

// update applies add and remove and persists the result. The in-memory set
// changes only if the file could be written.
func (j *journal) update(add, remove []string) error {
	next := make(map[string]bool, len(j.paths)+len(add))
	for p := range j.paths {
		next[p] = true
	}
	for _, p := range remove {
		delete(next, p)
	}
	for _, p := range add {
		next[p] = true
	}
	if maps.Equal(next, j.paths) {
		return nil
	}
	old := j.paths
	j.paths = next
	if err := j.save(); err != nil {
		j.paths = old
		return err
	}
	return nil
}

func (j *journal) save() error {
	if len(j.paths) == 0 {
		if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return layererrors.New(layererrors.ErrIOFailure, "save journal", j.path, err)
		}
		return nil
	}
	data, err := journalEncMode.Marshal(journalRecord{Layer: j.layer, Paths: j.sorted()})
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "save journal", j.path, err)
	}
	tempPath := fmt.Sprintf("%s.%s%s", j.path, uuid.NewString(), archive.TempSuffix)
	if err := writeFileSync(tempPath, data); err != nil {
		_ = os.Remove(tempPath)
		return layererrors.New(layererrors.ErrIOFailure, "save journal", j.path, err)
	}
	if err := os.Rename(tempPath, j.path); err != nil {
		_ = os.Remove(tempPath)
		return layererrors.New(layererrors.ErrIOFailure, "save journal", j.path, err)
	}
	return nil
}

func (j *journal) remove() error {
	j.paths = map[string]bool{}
	return j.save()
}

func writeFileSync(name string, data []byte) error {
	fp, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "cannot create '%s'", name)
	}
	if _, err := fp.Write(data); err != nil {
		_ = fp.Close()
		return errors.Wrapf(err, "cannot write '%s'", name)
	}
	if err := fp.Sync(); err != nil {
		_ = fp.Close()
		return errors.Wrapf(err, "cannot sync '%s'", name)
	}
	return errors.Wrapf(fp.Close(), "cannot close '%s'", name)
}
