package layerstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

// MemoryIndex is an ItemIndex kept in memory.
type MemoryIndex struct {
	sync.RWMutex
	layers map[LayerID]map[string]ItemType
	closed bool
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		layers: map[LayerID]map[string]ItemType{},
	}
}

func (mi *MemoryIndex) check(ctx context.Context, op string) error {
	if mi.closed {
		return layererrors.Newf(layererrors.ErrIOFailure, op, "", "index closed")
	}
	if err := ctx.Err(); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, op, "", err)
	}
	return nil
}

func (mi *MemoryIndex) Insert(ctx context.Context, items []Item) error {
	mi.Lock()
	defer mi.Unlock()
	if err := mi.check(ctx, "insert"); err != nil {
		return err
	}
	type key struct {
		id   LayerID
		path string
	}
	seen := map[key]bool{}
	for _, item := range items {
		if err := checkPath("insert", item.Path); err != nil {
			return err
		}
		if _, ok := itemTypeNames[item.Type]; !ok {
			return layererrors.Newf(layererrors.ErrIOFailure, "insert", item.Path, "invalid item type %d", uint8(item.Type))
		}
		k := key{item.LayerID, item.Path}
		if _, ok := mi.layers[item.LayerID][item.Path]; ok || seen[k] {
			return layererrors.Newf(layererrors.ErrIndexInconsistency, "insert", item.Path, "duplicate item in layer %d", item.LayerID)
		}
		seen[k] = true
	}
	for _, item := range items {
		layer, ok := mi.layers[item.LayerID]
		if !ok {
			layer = map[string]ItemType{}
			mi.layers[item.LayerID] = layer
		}
		layer[item.Path] = item.Type
	}
	return nil
}

func (mi *MemoryIndex) QueryByPath(ctx context.Context, path string) ([]Item, error) {
	mi.RLock()
	defer mi.RUnlock()
	if err := mi.check(ctx, "query by path"); err != nil {
		return nil, err
	}
	result := []Item{}
	for id, layer := range mi.layers {
		if t, ok := layer[path]; ok {
			result = append(result, Item{Path: path, Type: t, LayerID: id})
		}
	}
	slices.SortFunc(result, func(a, b Item) int {
		return cmp.Compare(b.LayerID, a.LayerID)
	})
	return result, nil
}

func (mi *MemoryIndex) QueryByLayer(ctx context.Context, id LayerID) ([]Item, error) {
	mi.RLock()
	defer mi.RUnlock()
	if err := mi.check(ctx, "query by layer"); err != nil {
		return nil, err
	}
	layer := mi.layers[id]
	result := make([]Item, 0, len(layer))
	for path, t := range layer {
		result = append(result, Item{Path: path, Type: t, LayerID: id})
	}
	slices.SortFunc(result, func(a, b Item) int {
		return strings.Compare(a.Path, b.Path)
	})
	return result, nil
}

func (mi *MemoryIndex) DeleteLayer(ctx context.Context, id LayerID) error {
	mi.Lock()
	defer mi.Unlock()
	if err := mi.check(ctx, "delete layer"); err != nil {
		return err
	}
	delete(mi.layers, id)
	return nil
}

func (mi *MemoryIndex) LayerIDs(ctx context.Context) ([]LayerID, error) {
	mi.RLock()
	defer mi.RUnlock()
	if err := mi.check(ctx, "layer ids"); err != nil {
		return nil, err
	}
	ids := slices.Sorted(maps.Keys(mi.layers))
	return ids, nil
}

func (mi *MemoryIndex) ListItems(ctx context.Context) ([]Item, error) {
	mi.RLock()
	defer mi.RUnlock()
	if err := mi.check(ctx, "list items"); err != nil {
		return nil, err
	}
	newest := map[string]Item{}
	for id, layer := range mi.layers {
		for path, t := range layer {
			if current, ok := newest[path]; !ok || current.LayerID < id {
				newest[path] = Item{Path: path, Type: t, LayerID: id}
			}
		}
	}
	result := slices.Collect(maps.Values(newest))
	slices.SortFunc(result, func(a, b Item) int {
		return strings.Compare(a.Path, b.Path)
	})
	return result, nil
}

func (mi *MemoryIndex) Close() error {
	mi.Lock()
	defer mi.Unlock()
	mi.closed = true
	return nil
}

var _ ItemIndex = (*MemoryIndex)(nil)
