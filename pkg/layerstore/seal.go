package layerstore

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"emperror.dev/errors"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

// Seal freezes the staging layer and opens the next one. The items of the
// layer are indexed before its archive is packed. If packing fails the
// rows are removed again, so the index never references a layer without a
// container.
func (ls *LayerStore) Seal(ctx context.Context) (LayerID, error) {
	ls.Lock()
	defer ls.Unlock()
	if err := ls.checkOpen("seal"); err != nil {
		return 0, err
	}
	id := ls.staging.ID

	items, err := ls.walkStaging(ctx, "seal")
	if err != nil {
		return 0, err
	}
	walked := make(map[string]bool, len(items))
	for _, item := range items {
		walked[item.Path] = true
	}
	// a path written after its deletion is no tombstone
	for _, p := range ls.journal.sorted() {
		if !walked[p] {
			items = append(items, Item{Path: p, Type: ItemTombstone, LayerID: id})
		}
	}
	slices.SortFunc(items, func(a, b Item) int {
		return strings.Compare(a.Path, b.Path)
	})

	// the directory of the next staging layer is prepared before anything
	// is published
	nextDir := ls.stagingPath(id + 1)
	if err := os.MkdirAll(nextDir, 0755); err != nil {
		return 0, layererrors.New(layererrors.ErrIOFailure, "seal", nextDir, err)
	}

	a, err := ls.factory(ls.containerPath(id))
	if err != nil {
		return 0, layererrors.New(layererrors.ErrIOFailure, "seal", ls.containerPath(id), err)
	}
	if a.State() == archive.Packed {
		return 0, layererrors.Newf(layererrors.ErrIndexInconsistency, "seal", a.Path(), "container of staging layer %d already exists", id)
	}

	if err := ls.index.Insert(ctx, items); err != nil {
		return 0, errors.Wrapf(err, "cannot index layer %d", id)
	}
	if _, err := a.Pack(ctx, ls.staging.Dir); err != nil {
		ls.logger.Error().Stack().Err(err).Msgf("cannot pack layer %d, rolling back index", id)
		if rbErr := ls.index.DeleteLayer(context.WithoutCancel(ctx), id); rbErr != nil {
			ls.logger.Error().Stack().Err(rbErr).Msgf("cannot roll back index of layer %d", id)
			return 0, errors.Combine(err, layererrors.New(layererrors.ErrIndexInconsistency, "seal", id.String(), rbErr))
		}
		return 0, err
	}

	oldDir := ls.staging.Dir
	oldJournal := ls.journal
	ls.sealed = append(ls.sealed, &Layer{ID: id, State: Sealed, Archive: a})
	ls.staging = &Layer{ID: id + 1, State: Staging, Dir: nextDir}
	ls.journal = &journal{path: ls.journalPath(id + 1), layer: id + 1, paths: map[string]bool{}}

	// leftovers are removed by Open as well
	if err := os.RemoveAll(oldDir); err != nil {
		ls.logger.Warn().Err(err).Msgf("cannot remove staging directory '%s'", oldDir)
	}
	if err := oldJournal.remove(); err != nil {
		ls.logger.Warn().Err(err).Msgf("cannot remove tombstone journal '%s'", oldJournal.path)
	}
	ls.logger.Info().Msgf("sealed layer %d with %d items into '%s'", id, len(items), a.Path())
	return id, nil
}

// ExtractLayer unpacks the container of a sealed layer to destDir.
func (ls *LayerStore) ExtractLayer(ctx context.Context, id LayerID, destDir string) error {
	l, err := ls.Layer(id)
	if err != nil {
		return err
	}
	if l.State != Sealed {
		return layererrors.Newf(layererrors.ErrNotFound, "extract layer", id.String(), "layer %d is not sealed", id)
	}
	return l.Archive.Unpack(ctx, destDir)
}

// Check compares every sealed container with its index rows and verifies
// the containers. All findings are returned combined.
func (ls *LayerStore) Check(ctx context.Context) error {
	ls.RLock()
	if err := ls.checkOpen("check"); err != nil {
		ls.RUnlock()
		return err
	}
	sealed := make([]Layer, 0, len(ls.sealed))
	for _, l := range ls.sealed {
		sealed = append(sealed, *l)
	}
	ls.RUnlock()

	var errs []error
	for _, l := range sealed {
		if err := ctx.Err(); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "check", ls.root, err)
		}
		if err := ls.checkLayer(ctx, l); err != nil {
			ls.logger.Error().Err(err).Msgf("layer %d failed check", l.ID)
			errs = append(errs, err)
		}
	}
	return errors.Combine(errs...)
}

func (ls *LayerStore) checkLayer(ctx context.Context, l Layer) error {
	if err := l.Archive.Verify(ctx); err != nil {
		return err
	}
	entries, err := l.Archive.Entries()
	if err != nil {
		return err
	}
	rows, err := ls.index.QueryByLayer(ctx, l.ID)
	if err != nil {
		return errors.Wrapf(err, "cannot query layer %d", l.ID)
	}
	expected := map[string]bool{}
	for _, row := range rows {
		switch row.Type {
		case ItemFile:
			expected[row.Path] = true
		case ItemDirectory:
			expected[row.Path+"/"] = true
		}
	}
	var problems []string
	for _, entry := range entries {
		if !expected[entry.Name] {
			problems = append(problems, fmt.Sprintf("entry '%s' not indexed", entry.Name))
			continue
		}
		delete(expected, entry.Name)
	}
	for _, name := range slices.Sorted(maps.Keys(expected)) {
		problems = append(problems, fmt.Sprintf("indexed '%s' missing in container", name))
	}
	if len(problems) > 0 {
		return layererrors.Newf(layererrors.ErrIndexInconsistency, "check", l.Archive.Path(), "%s", strings.Join(problems, "; "))
	}
	return nil
}
