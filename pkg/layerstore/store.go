// Package layerstore implements a layered file store. The newest layer is
// a writable staging directory; every older layer is sealed into one
// immutable archive and indexed by an ItemIndex. Reads search the layers
// from newest to oldest and tombstones hide older copies of a path.
package layerstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"syscall"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/checksum"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

const (
	layersFolder  = "layers"
	stagingFolder = "staging"
	tempFolder    = "tmp"

	containerExt = ".zip"
	journalExt   = ".tombstones"
)

var (
	containerRegexp = regexp.MustCompile(`^(\d{10})\.zip$`)
	stagingRegexp   = regexp.MustCompile(`^(\d{10})(\.tombstones)?$`)
	sidecarRegexp   = regexp.MustCompile(`^(\d{10})\.zip\.([a-z0-9-]+)$`)
)

// ArchiveFactory creates the archive for the container at path.
type ArchiveFactory func(path string) (archive.Archive, error)

type Option func(*LayerStore)

// WithArchiveFactory replaces the zip archive codec.
func WithArchiveFactory(factory ArchiveFactory) Option {
	return func(ls *LayerStore) {
		ls.factory = factory
	}
}

func WithCompression(c archive.Compression) Option {
	return func(ls *LayerStore) {
		ls.compression = c
	}
}

// WithDigest writes a digest sidecar next to every new container.
func WithDigest(alg checksum.DigestAlgorithm) Option {
	return func(ls *LayerStore) {
		ls.digest = alg
	}
}

// WithRepair lets Open drop index rows of layers without a container
// instead of failing.
func WithRepair(repair bool) Option {
	return func(ls *LayerStore) {
		ls.repair = repair
	}
}

type LayerStore struct {
	sync.RWMutex
	root        string
	index       ItemIndex
	logger      zLogger.ZLogger
	factory     ArchiveFactory
	compression archive.Compression
	digest      checksum.DigestAlgorithm
	repair      bool
	sealed      []*Layer
	staging     *Layer
	journal     *journal
	closed      bool
}

// Open opens or creates the store below root. Unpublished temporary
// artifacts of an interrupted write or seal are removed. Index rows of a
// layer without container fail with layererrors.ErrIndexInconsistency
// unless WithRepair is set.
func Open(ctx context.Context, root string, index ItemIndex, logger zLogger.ZLogger, opts ...Option) (*LayerStore, error) {
	ls := &LayerStore{
		root:        filepath.Clean(root),
		index:       index,
		logger:      logger,
		compression: archive.CompressionDeflate,
	}
	for _, opt := range opts {
		opt(ls)
	}
	if ls.factory == nil {
		ls.factory = func(path string) (archive.Archive, error) {
			zipOpts := []archive.Option{archive.WithCompression(ls.compression)}
			if ls.digest != "" {
				zipOpts = append(zipOpts, archive.WithDigest(ls.digest))
			}
			return archive.NewZipArchive(path, ls.logger, zipOpts...)
		}
	}

	for _, folder := range []string{layersFolder, stagingFolder, tempFolder} {
		if err := os.MkdirAll(filepath.Join(ls.root, folder), 0755); err != nil {
			return nil, layererrors.New(layererrors.ErrIOFailure, "open", ls.root, err)
		}
	}
	if err := ls.removeTempArtifacts(); err != nil {
		return nil, err
	}

	ids, err := ls.containerIDs()
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if id != OriginLayer+LayerID(i) {
			return nil, layererrors.Newf(layererrors.ErrIndexInconsistency, "open", ls.root, "no container for layer %d", OriginLayer+LayerID(i))
		}
		a, err := ls.factory(ls.containerPath(id))
		if err != nil {
			return nil, layererrors.New(layererrors.ErrIOFailure, "open", ls.containerPath(id), err)
		}
		ls.sealed = append(ls.sealed, &Layer{ID: id, State: Sealed, Archive: a})
	}
	if err := ls.removeOrphanSidecars(ids); err != nil {
		return nil, err
	}
	if err := ls.checkIndexedLayers(ctx, ids); err != nil {
		return nil, err
	}

	stagingID := OriginLayer
	if len(ids) > 0 {
		stagingID = ids[len(ids)-1] + 1
	}
	if err := ls.removeStaleStaging(stagingID); err != nil {
		return nil, err
	}
	if err := ls.openStaging(stagingID); err != nil {
		return nil, err
	}
	ls.logger.Info().Msgf("opened layer store '%s' with %d sealed layers, staging layer %d", ls.root, len(ls.sealed), stagingID)
	return ls, nil
}

func (ls *LayerStore) String() string {
	return fmt.Sprintf("layerstore://%s", ls.root)
}

func (ls *LayerStore) Root() string {
	return ls.root
}

func (ls *LayerStore) containerPath(id LayerID) string {
	return filepath.Join(ls.root, layersFolder, id.String()+containerExt)
}

func (ls *LayerStore) stagingPath(id LayerID) string {
	return filepath.Join(ls.root, stagingFolder, id.String())
}

func (ls *LayerStore) journalPath(id LayerID) string {
	return filepath.Join(ls.root, stagingFolder, id.String()+journalExt)
}

func (ls *LayerStore) removeTempArtifacts() error {
	tempDir := filepath.Join(ls.root, tempFolder)
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "open", tempDir, err)
	}
	for _, entry := range entries {
		name := filepath.Join(tempDir, entry.Name())
		ls.logger.Warn().Msgf("removing leftover temporary file '%s'", name)
		if err := os.RemoveAll(name); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "open", name, err)
		}
	}
	for _, folder := range []string{layersFolder, stagingFolder} {
		dir := filepath.Join(ls.root, folder)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "open", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !archive.IsTempArtifact(entry.Name()) {
				continue
			}
			name := filepath.Join(dir, entry.Name())
			ls.logger.Warn().Msgf("removing unpublished artifact '%s'", name)
			if err := os.Remove(name); err != nil {
				return layererrors.New(layererrors.ErrIOFailure, "open", name, err)
			}
		}
	}
	return nil
}

// removeOrphanSidecars removes digest sidecars of containers that were
// never published.
func (ls *LayerStore) removeOrphanSidecars(containers []LayerID) error {
	dir := filepath.Join(ls.root, layersFolder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "open", dir, err)
	}
	for _, entry := range entries {
		matches := sidecarRegexp.FindStringSubmatch(entry.Name())
		if matches == nil || !checksum.HashExists(checksum.DigestAlgorithm(matches[2])) {
			continue
		}
		id, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "open", entry.Name(), err)
		}
		if slices.Contains(containers, LayerID(id)) {
			continue
		}
		name := filepath.Join(dir, entry.Name())
		ls.logger.Warn().Msgf("removing sidecar '%s' without container", name)
		if err := os.Remove(name); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "open", name, err)
		}
	}
	return nil
}

func (ls *LayerStore) containerIDs() ([]LayerID, error) {
	dir := filepath.Join(ls.root, layersFolder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, "open", dir, err)
	}
	var ids []LayerID
	for _, entry := range entries {
		matches := containerRegexp.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		if !entry.Type().IsRegular() {
			return nil, layererrors.Newf(layererrors.ErrIOFailure, "open", filepath.Join(dir, entry.Name()), "container is not a regular file")
		}
		id, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, layererrors.New(layererrors.ErrIOFailure, "open", entry.Name(), err)
		}
		ids = append(ids, LayerID(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// checkIndexedLayers makes sure that the index knows no layer without a
// container.
func (ls *LayerStore) checkIndexedLayers(ctx context.Context, containers []LayerID) error {
	indexed, err := ls.index.LayerIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range indexed {
		if slices.Contains(containers, id) {
			continue
		}
		if !ls.repair {
			return layererrors.Newf(layererrors.ErrIndexInconsistency, "open", ls.containerPath(id), "layer %d is indexed but has no container", id)
		}
		ls.logger.Warn().Msgf("removing index rows of layer %d without container", id)
		if err := ls.index.DeleteLayer(ctx, id); err != nil {
			return errors.Wrapf(err, "cannot repair layer %d", id)
		}
	}
	return nil
}

// removeStaleStaging removes staging directories and journals of layers
// that have already been sealed.
func (ls *LayerStore) removeStaleStaging(stagingID LayerID) error {
	dir := filepath.Join(ls.root, stagingFolder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "open", dir, err)
	}
	for _, entry := range entries {
		name := filepath.Join(dir, entry.Name())
		matches := stagingRegexp.FindStringSubmatch(entry.Name())
		if matches == nil {
			ls.logger.Warn().Msgf("ignoring unknown staging entry '%s'", name)
			continue
		}
		id, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "open", name, err)
		}
		if LayerID(id) >= stagingID {
			continue
		}
		ls.logger.Info().Msgf("removing staging leftover '%s' of sealed layer %d", name, id)
		if err := os.RemoveAll(name); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "open", name, err)
		}
	}
	return nil
}

func (ls *LayerStore) openStaging(id LayerID) error {
	dir := ls.stagingPath(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "open staging", dir, err)
	}
	j, err := loadJournal(ls.journalPath(id), id)
	if err != nil {
		return err
	}
	ls.staging = &Layer{ID: id, State: Staging, Dir: dir}
	ls.journal = j
	return nil
}

func (ls *LayerStore) checkOpen(op string) error {
	if ls.closed {
		return layererrors.Newf(layererrors.ErrIOFailure, op, ls.root, "store closed")
	}
	return nil
}

// Layers returns a snapshot of all layers, oldest first. The last one is
// the staging layer.
func (ls *LayerStore) Layers() []Layer {
	ls.RLock()
	defer ls.RUnlock()
	result := make([]Layer, 0, len(ls.sealed)+1)
	for _, l := range ls.sealed {
		result = append(result, *l)
	}
	return append(result, *ls.staging)
}

func (ls *LayerStore) StagingLayer() Layer {
	ls.RLock()
	defer ls.RUnlock()
	return *ls.staging
}

func (ls *LayerStore) Layer(id LayerID) (Layer, error) {
	ls.RLock()
	defer ls.RUnlock()
	l, err := ls.layerLocked("layer", id)
	if err != nil {
		return Layer{}, err
	}
	return *l, nil
}

func (ls *LayerStore) layerLocked(op string, id LayerID) (*Layer, error) {
	if id == ls.staging.ID {
		return ls.staging, nil
	}
	idx := int(id - OriginLayer)
	if idx < 0 || idx >= len(ls.sealed) {
		return nil, layererrors.Newf(layererrors.ErrNotFound, op, id.String(), "no layer %d", id)
	}
	return ls.sealed[idx], nil
}

func (ls *LayerStore) Close() error {
	ls.Lock()
	defer ls.Unlock()
	if ls.closed {
		return nil
	}
	ls.closed = true
	if err := ls.index.Close(); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "close", ls.root, err)
	}
	return nil
}

func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
