package layerstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"emperror.dev/errors"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

// stagingItem looks name up in the live staging directory.
func (ls *LayerStore) stagingItem(op, name string) (Item, bool, error) {
	fi, err := os.Lstat(filepath.Join(ls.staging.Dir, filepath.FromSlash(name)))
	if err != nil {
		if isAbsent(err) {
			return Item{}, false, nil
		}
		return Item{}, false, layererrors.New(layererrors.ErrIOFailure, op, name, err)
	}
	switch {
	case fi.IsDir():
		return Item{Path: name, Type: ItemDirectory, LayerID: ls.staging.ID}, true, nil
	case fi.Mode().IsRegular():
		return Item{Path: name, Type: ItemFile, LayerID: ls.staging.ID}, true, nil
	default:
		return Item{}, false, nil
	}
}

// resolveLocked returns the newest item for name: the staging directory
// first, then pending tombstones, then the index. A tombstone is a hit.
func (ls *LayerStore) resolveLocked(ctx context.Context, op, name string) (*Layer, Item, error) {
	item, ok, err := ls.stagingItem(op, name)
	if err != nil {
		return nil, Item{}, err
	}
	if ok {
		return ls.staging, item, nil
	}
	if ls.journal.has(name) {
		return ls.staging, Item{Path: name, Type: ItemTombstone, LayerID: ls.staging.ID}, nil
	}
	items, err := ls.index.QueryByPath(ctx, name)
	if err != nil {
		return nil, Item{}, errors.Wrapf(err, "cannot query '%s'", name)
	}
	if len(items) == 0 {
		return nil, Item{}, layererrors.Newf(layererrors.ErrNotFound, op, name, "no such item")
	}
	layer, err := ls.layerLocked(op, items[0].LayerID)
	if err != nil {
		return nil, Item{}, layererrors.Newf(layererrors.ErrIndexInconsistency, op, name, "indexed in unknown layer %d", items[0].LayerID)
	}
	return layer, items[0], nil
}

// Resolve returns the layer and item that currently define name. The item
// may be a tombstone.
func (ls *LayerStore) Resolve(ctx context.Context, name string) (Layer, Item, error) {
	if err := checkPath("resolve", name); err != nil {
		return Layer{}, Item{}, err
	}
	ls.RLock()
	defer ls.RUnlock()
	if err := ls.checkOpen("resolve"); err != nil {
		return Layer{}, Item{}, err
	}
	layer, item, err := ls.resolveLocked(ctx, "resolve", name)
	if err != nil {
		return Layer{}, Item{}, err
	}
	return *layer, item, nil
}

// Exists reports whether name is visible. Only layererrors.ErrNotFound is
// mapped to false.
func (ls *LayerStore) Exists(ctx context.Context, name string) (bool, error) {
	_, item, err := ls.Resolve(ctx, name)
	if err != nil {
		if layererrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return item.Type != ItemTombstone, nil
}

// ReadFile opens the newest visible content of name. Staging files are
// read from disk, sealed files from their layer's archive without holding
// the store lock.
func (ls *LayerStore) ReadFile(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := checkPath("read file", name); err != nil {
		return nil, err
	}
	var layerID LayerID
	a, fp, err := func() (archive.Archive, *os.File, error) {
		ls.RLock()
		defer ls.RUnlock()
		if err := ls.checkOpen("read file"); err != nil {
			return nil, nil, err
		}
		layer, item, err := ls.resolveLocked(ctx, "read file", name)
		if err != nil {
			return nil, nil, err
		}
		switch item.Type {
		case ItemTombstone:
			return nil, nil, layererrors.Newf(layererrors.ErrNotFound, "read file", name, "deleted in layer %d", item.LayerID)
		case ItemDirectory:
			return nil, nil, layererrors.New(layererrors.ErrIsDirectory, "read file", name, nil)
		}
		if layer.State == Staging {
			fp, err := os.Open(filepath.Join(layer.Dir, filepath.FromSlash(name)))
			if err != nil {
				return nil, nil, layererrors.New(layererrors.ErrIOFailure, "read file", name, err)
			}
			return nil, fp, nil
		}
		layerID = layer.ID
		return layer.Archive, nil, nil
	}()
	if err != nil {
		return nil, err
	}
	if fp != nil {
		return fp, nil
	}
	rc, err := a.ReadEntry(name)
	if err != nil {
		if layererrors.IsNotFound(err) {
			return nil, layererrors.Newf(layererrors.ErrIndexInconsistency, "read file", name, "indexed in layer %d but missing in '%s'", layerID, a.Path())
		}
		return nil, err
	}
	return rc, nil
}

// walkStaging returns one item per directory and regular file below the
// staging directory in lexical order.
func (ls *LayerStore) walkStaging(ctx context.Context, op string) ([]Item, error) {
	var items []Item
	root := ls.staging.Dir
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			items = append(items, Item{Path: rel, Type: ItemDirectory, LayerID: ls.staging.ID})
		case d.Type().IsRegular():
			items = append(items, Item{Path: rel, Type: ItemFile, LayerID: ls.staging.ID})
		default:
			ls.logger.Warn().Msgf("ignoring '%s' of type %s in staging layer %d", rel, d.Type().String(), ls.staging.ID)
		}
		return nil
	})
	if err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, op, root, err)
	}
	return items, nil
}

// unionLocked returns the newest item of every path across all layers,
// tombstones included.
func (ls *LayerStore) unionLocked(ctx context.Context, op string) (map[string]Item, error) {
	indexed, err := ls.index.ListItems(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list index")
	}
	result := make(map[string]Item, len(indexed))
	for _, item := range indexed {
		result[item.Path] = item
	}
	for _, p := range ls.journal.sorted() {
		result[p] = Item{Path: p, Type: ItemTombstone, LayerID: ls.staging.ID}
	}
	staged, err := ls.walkStaging(ctx, op)
	if err != nil {
		return nil, err
	}
	for _, item := range staged {
		result[item.Path] = item
	}
	return result, nil
}

func visible(union map[string]Item) []Item {
	result := make([]Item, 0, len(union))
	for _, item := range union {
		if item.Type != ItemTombstone {
			result = append(result, item)
		}
	}
	slices.SortFunc(result, func(a, b Item) int {
		return strings.Compare(a.Path, b.Path)
	})
	return result
}

// ListItems returns the newest visible item of every path sorted by path.
func (ls *LayerStore) ListItems(ctx context.Context) ([]Item, error) {
	ls.RLock()
	defer ls.RUnlock()
	if err := ls.checkOpen("list items"); err != nil {
		return nil, err
	}
	union, err := ls.unionLocked(ctx, "list items")
	if err != nil {
		return nil, err
	}
	return visible(union), nil
}

// ListPaths returns every visible path in lexicographic order.
func (ls *LayerStore) ListPaths(ctx context.Context) ([]string, error) {
	items, err := ls.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		result = append(result, item.Path)
	}
	return result, nil
}

// ListDirectory returns the visible direct children of dir. An empty dir
// or "." lists the top level.
func (ls *LayerStore) ListDirectory(ctx context.Context, dir string) ([]Item, error) {
	if dir == "" {
		dir = "."
	}
	if dir != "." {
		if err := checkPath("list directory", dir); err != nil {
			return nil, err
		}
	}
	ls.RLock()
	defer ls.RUnlock()
	if err := ls.checkOpen("list directory"); err != nil {
		return nil, err
	}
	union, err := ls.unionLocked(ctx, "list directory")
	if err != nil {
		return nil, err
	}
	if dir != "." {
		item, ok := union[dir]
		if !ok || item.Type == ItemTombstone {
			return nil, layererrors.Newf(layererrors.ErrNotFound, "list directory", dir, "no such directory")
		}
		if item.Type != ItemDirectory {
			return nil, layererrors.Newf(layererrors.ErrInvalidPath, "list directory", dir, "not a directory")
		}
	}
	result := []Item{}
	for _, item := range visible(union) {
		if path.Dir(item.Path) == dir {
			result = append(result, item)
		}
	}
	return result, nil
}
