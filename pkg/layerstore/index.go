package layerstore

import (
	"context"
	"io"
)

// ItemIndex persists the items of sealed layers.
//
// Insert is all-or-nothing: if it fails, none of the items are visible.
// A batch containing the same (layer, path) twice, or a pair already
// present, fails with layererrors.ErrIndexInconsistency.
type ItemIndex interface {
	io.Closer
	Insert(ctx context.Context, items []Item) error
	// QueryByPath returns all items for path, highest layer first.
	QueryByPath(ctx context.Context, path string) ([]Item, error)
	// QueryByLayer returns the manifest of one layer sorted by path.
	QueryByLayer(ctx context.Context, id LayerID) ([]Item, error)
	// DeleteLayer removes every item of one layer. It is used to roll back
	// a failed seal.
	DeleteLayer(ctx context.Context, id LayerID) error
	// LayerIDs returns the distinct layer ids present, ascending.
	LayerIDs(ctx context.Context) ([]LayerID, error)
	// ListItems returns the newest item of every path, sorted by path.
	// Tombstones are included.
	ListItems(ctx context.Context) ([]Item, error)
}
