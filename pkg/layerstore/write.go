package layerstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// Write stores the content of r at name in the staging layer.
func (ls *LayerStore) Write(ctx context.Context, name string, r io.Reader) error {
	ls.Lock()
	defer ls.Unlock()
	if err := ls.checkOpen("write"); err != nil {
		return err
	}
	return ls.writeLocked(ctx, name, r)
}

// WriteTo is Write against an explicit layer. Every layer but the staging
// layer fails with layererrors.ErrImmutableLayer.
func (ls *LayerStore) WriteTo(ctx context.Context, id LayerID, name string, r io.Reader) error {
	ls.Lock()
	defer ls.Unlock()
	if err := ls.checkOpen("write"); err != nil {
		return err
	}
	layer, err := ls.layerLocked("write", id)
	if err != nil {
		return err
	}
	if layer.State != Staging {
		return layererrors.Newf(layererrors.ErrImmutableLayer, "write", name, "layer %d is sealed", id)
	}
	return ls.writeLocked(ctx, name, r)
}

func (ls *LayerStore) writeLocked(ctx context.Context, name string, r io.Reader) error {
	if err := checkPath("write", name); err != nil {
		return err
	}
	_, item, err := ls.resolveLocked(ctx, "write", name)
	if err != nil && !layererrors.IsNotFound(err) {
		return err
	}
	if err == nil && item.Type == ItemDirectory {
		return layererrors.Newf(layererrors.ErrIsDirectory, "write", name, "cannot replace directory with file")
	}
	if err := ls.checkParentsLocked(ctx, "write", name); err != nil {
		return err
	}

	target := filepath.Join(ls.staging.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "write", name, err)
	}
	tempPath := filepath.Join(ls.root, tempFolder, fmt.Sprintf("%s%s", uuid.NewString(), archive.TempSuffix))
	fp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "write", name, err)
	}
	if _, err := io.Copy(fp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = fp.Close()
		_ = os.Remove(tempPath)
		return layererrors.New(layererrors.ErrIOFailure, "write", name, errors.Wrap(err, "cannot copy content"))
	}
	if err := fp.Sync(); err != nil {
		_ = fp.Close()
		_ = os.Remove(tempPath)
		return layererrors.New(layererrors.ErrIOFailure, "write", name, err)
	}
	if err := fp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return layererrors.New(layererrors.ErrIOFailure, "write", name, err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		_ = os.Remove(tempPath)
		return layererrors.New(layererrors.ErrIOFailure, "write", name, err)
	}
	ls.logger.Debug().Msgf("wrote '%s' to staging layer %d", name, ls.staging.ID)
	return ls.journal.update(nil, append(parents(name), name))
}

// checkParentsLocked fails if a visible ancestor of name is a file.
func (ls *LayerStore) checkParentsLocked(ctx context.Context, op, name string) error {
	for _, p := range parents(name) {
		_, item, err := ls.resolveLocked(ctx, op, p)
		if err != nil {
			if layererrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if item.Type == ItemFile {
			return layererrors.Newf(layererrors.ErrInvalidPath, op, name, "parent '%s' is a file", p)
		}
	}
	return nil
}

// CreateDirectory creates name and its parents in the staging layer.
func (ls *LayerStore) CreateDirectory(ctx context.Context, name string) error {
	if err := checkPath("create directory", name); err != nil {
		return err
	}
	ls.Lock()
	defer ls.Unlock()
	if err := ls.checkOpen("create directory"); err != nil {
		return err
	}
	_, item, err := ls.resolveLocked(ctx, "create directory", name)
	if err != nil && !layererrors.IsNotFound(err) {
		return err
	}
	if err == nil && item.Type == ItemFile {
		return layererrors.Newf(layererrors.ErrInvalidPath, "create directory", name, "a file with this name exists")
	}
	if err := ls.checkParentsLocked(ctx, "create directory", name); err != nil {
		return err
	}
	target := filepath.Join(ls.staging.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(target, 0755); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "create directory", name, err)
	}
	return ls.journal.update(nil, append(parents(name), name))
}

// Delete hides name from the current layer on. The staging copy is
// removed and a tombstone is recorded for every path that a sealed layer
// still shows. Directories are deleted recursively.
func (ls *LayerStore) Delete(ctx context.Context, name string) error {
	if err := checkPath("delete", name); err != nil {
		return err
	}
	ls.Lock()
	defer ls.Unlock()
	if err := ls.checkOpen("delete"); err != nil {
		return err
	}
	_, item, err := ls.resolveLocked(ctx, "delete", name)
	if err != nil {
		return err
	}
	if item.Type == ItemTombstone {
		return layererrors.Newf(layererrors.ErrNotFound, "delete", name, "already deleted")
	}

	affected := []string{name}
	if item.Type == ItemDirectory {
		union, err := ls.unionLocked(ctx, "delete")
		if err != nil {
			return err
		}
		for _, it := range visible(union) {
			if isBelow(it.Path, name) {
				affected = append(affected, it.Path)
			}
		}
	}

	var tombstones []string
	for _, p := range affected {
		shown, err := ls.sealedVisible(ctx, p)
		if err != nil {
			return err
		}
		if shown {
			tombstones = append(tombstones, p)
		}
	}
	if err := ls.journal.update(tombstones, nil); err != nil {
		return err
	}

	target := filepath.Join(ls.staging.Dir, filepath.FromSlash(name))
	if err := os.RemoveAll(target); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "delete", name, err)
	}
	ls.logger.Debug().Msgf("deleted '%s' in staging layer %d (%d tombstones)", name, ls.staging.ID, len(tombstones))
	return nil
}

// sealedVisible reports whether the newest sealed item of name is not a
// tombstone.
func (ls *LayerStore) sealedVisible(ctx context.Context, name string) (bool, error) {
	items, err := ls.index.QueryByPath(ctx, name)
	if err != nil {
		return false, errors.Wrapf(err, "cannot query '%s'", name)
	}
	return len(items) > 0 && items[0].Type != ItemTombstone, nil
}
