package layerstore

import (
	"emperror.dev/errors"
	"github.com/ocfl-archive/layerstore/pkg/archive"
)

type LayerState uint8

const (
	Staging LayerState = iota
	Sealed
)

func (s LayerState) String() string {
	switch s {
	case Staging:
		return "staging"
	case Sealed:
		return "sealed"
	default:
		return "unknown"
	}
}

func (s LayerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LayerState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "staging":
		*s = Staging
	case "sealed":
		*s = Sealed
	default:
		return errors.Errorf("unknown layer state '%s'", string(text))
	}
	return nil
}

// Layer is one generation of the store. A staging layer is backed by a
// directory, a sealed layer by an archive.
type Layer struct {
	ID      LayerID         `json:"id"`
	State   LayerState      `json:"state"`
	Dir     string          `json:"dir,omitempty"`
	Archive archive.Archive `json:"-"`
}

// Location returns the directory or container backing the layer.
func (l Layer) Location() string {
	if l.State == Sealed && l.Archive != nil {
		return l.Archive.Path()
	}
	return l.Dir
}
