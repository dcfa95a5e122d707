package layerstore

import (
	"fmt"
	"io/fs"
	"strings"

	"emperror.dev/errors"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

// LayerID numbers the layers of a store. Ids are contiguous and start at
// OriginLayer.
type LayerID int64

const OriginLayer LayerID = 1

func (id LayerID) String() string {
	return fmt.Sprintf("%010d", int64(id))
}

type ItemType uint8

const (
	ItemFile ItemType = iota + 1
	ItemDirectory
	ItemTombstone
)

var itemTypeNames = map[ItemType]string{
	ItemFile:      "file",
	ItemDirectory: "directory",
	ItemTombstone: "tombstone",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ItemType(%d)", uint8(t))
}

func ParseItemType(name string) (ItemType, error) {
	for t, n := range itemTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown item type '%s'", name)
}

func (t ItemType) MarshalText() ([]byte, error) {
	if _, ok := itemTypeNames[t]; !ok {
		return nil, errors.Errorf("invalid item type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *ItemType) UnmarshalText(text []byte) error {
	parsed, err := ParseItemType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Item records the state of one path as introduced by one layer.
type Item struct {
	Path    string   `json:"path"`
	Type    ItemType `json:"type"`
	LayerID LayerID  `json:"layer"`
}

func (i Item) String() string {
	return fmt.Sprintf("%s[%s@%d]", i.Path, i.Type, i.LayerID)
}

// checkPath accepts relative, clean, slash separated paths. The root "."
// is not an item.
func checkPath(op, path string) error {
	if path == "." || !fs.ValidPath(path) {
		return layererrors.Newf(layererrors.ErrInvalidPath, op, path, "path must be relative, clean and slash separated")
	}
	return nil
}

// parents returns all proper ancestors of path, nearest last.
func parents(path string) []string {
	var result []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			result = append(result, path[:i])
		}
	}
	return result
}

// isBelow reports whether path lies strictly inside dir.
func isBelow(path, dir string) bool {
	return strings.HasPrefix(path, dir+"/")
}
