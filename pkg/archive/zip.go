package archive

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/checksum"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

type Option func(*ZipArchive)

// WithCompression selects the method for file entries.
func WithCompression(c Compression) Option {
	return func(za *ZipArchive) {
		za.compression = c
	}
}

// WithDigest enables the digest sidecar "<container>.<alg>".
func WithDigest(alg checksum.DigestAlgorithm) Option {
	return func(za *ZipArchive) {
		za.digest = alg
	}
}

// ZipArchive stores a directory tree in a single zip file.
type ZipArchive struct {
	path        string
	compression Compression
	digest      checksum.DigestAlgorithm
	logger      zLogger.ZLogger
}

func NewZipArchive(path string, logger zLogger.ZLogger, opts ...Option) (*ZipArchive, error) {
	za := &ZipArchive{
		path:        filepath.Clean(path),
		compression: CompressionDeflate,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(za)
	}
	if _, ok := methods[za.compression]; !ok {
		return nil, errors.Errorf("unknown compression '%s'", za.compression)
	}
	if za.digest != "" && !checksum.HashExists(za.digest) {
		return nil, errors.Errorf("unknown digest '%s'", za.digest)
	}
	return za, nil
}

func (za *ZipArchive) String() string {
	return fmt.Sprintf("zip://%s", za.path)
}

func (za *ZipArchive) Path() string {
	return za.path
}

// SidecarPath returns the path of the digest sidecar or an empty string if
// no digest is configured.
func (za *ZipArchive) SidecarPath() string {
	if za.digest == "" {
		return ""
	}
	return za.path + "." + string(za.digest)
}

// published stats the container. Only absence yields false without an
// error.
func (za *ZipArchive) published(op string) (bool, error) {
	fi, err := os.Stat(za.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, layererrors.New(layererrors.ErrIOFailure, op, za.path, err)
	}
	if !fi.Mode().IsRegular() {
		return false, layererrors.Newf(layererrors.ErrIOFailure, op, za.path, "container is not a regular file")
	}
	return true, nil
}

// State reports Packed only for a readable container. Use EntryExists or
// Entries to tell absence from failure.
func (za *ZipArchive) State() State {
	fi, err := os.Stat(za.path)
	if err != nil || !fi.Mode().IsRegular() {
		return Loose
	}
	return Packed
}

func (za *ZipArchive) Pack(ctx context.Context, sourceDir string) (State, error) {
	fi, err := os.Stat(sourceDir)
	if err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", sourceDir, err)
	}
	if !fi.IsDir() {
		return Loose, layererrors.Newf(layererrors.ErrIOFailure, "pack", sourceDir, "not a directory")
	}
	return za.PackFS(ctx, os.DirFS(sourceDir))
}

// PackFS writes all entries of fsys into a temporary file next to the
// container and renames it into place only after everything is flushed.
// On failure no container and no sidecar are left behind.
func (za *ZipArchive) PackFS(ctx context.Context, fsys fs.FS) (state State, err error) {
	packed, err := za.published("pack")
	if err != nil {
		return Loose, err
	}
	if packed {
		return Packed, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, fs.ErrExist)
	}
	tempPath := fmt.Sprintf("%s.%s%s", za.path, uuid.NewString(), TempSuffix)
	var sidecarTemp string
	fp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, err)
	}
	fpClosed := false
	defer func() {
		if err == nil {
			return
		}
		if !fpClosed {
			_ = fp.Close()
		}
		if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			za.logger.Error().Err(rmErr).Msgf("cannot remove temporary container '%s'", tempPath)
		}
		if sidecarTemp != "" {
			_ = os.Remove(sidecarTemp)
		}
		state = Loose
	}()

	bw := bufio.NewWriter(fp)
	var out io.Writer = bw
	var csWriter *checksum.ChecksumWriter
	if za.digest != "" {
		if csWriter, err = checksum.NewChecksumWriter([]checksum.DigestAlgorithm{za.digest}, bw); err != nil {
			return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, err)
		}
		out = csWriter
	}
	zw := zip.NewWriter(out)
	registerCompressors(zw)

	za.logger.Debug().Msgf("packing into '%s'", tempPath)
	if err = za.writeDir(ctx, zw, fsys, "."); err != nil {
		_ = zw.Close()
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, err)
	}
	if err = zw.Close(); err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, errors.Wrap(err, "cannot finish zip"))
	}
	if err = bw.Flush(); err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, errors.Wrap(err, "cannot flush"))
	}
	if err = fp.Sync(); err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, errors.Wrap(err, "cannot sync"))
	}
	fpClosed = true
	if err = fp.Close(); err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, errors.Wrap(err, "cannot close"))
	}

	if csWriter != nil {
		if err = csWriter.Close(); err != nil {
			return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, err)
		}
		var checksums map[checksum.DigestAlgorithm]string
		if checksums, err = csWriter.GetChecksums(); err != nil {
			return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, err)
		}
		sidecarTemp = fmt.Sprintf("%s.%s%s", za.SidecarPath(), uuid.NewString(), TempSuffix)
		if err = writeSidecarFile(sidecarTemp, checksums[za.digest], filepath.Base(za.path)); err != nil {
			return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.SidecarPath(), err)
		}
		if err = os.Rename(sidecarTemp, za.SidecarPath()); err != nil {
			return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.SidecarPath(), err)
		}
		sidecarTemp = za.SidecarPath()
	}

	if err = os.Rename(tempPath, za.path); err != nil {
		return Loose, layererrors.New(layererrors.ErrIOFailure, "pack", za.path, errors.Wrap(err, "cannot publish container"))
	}
	za.logger.Debug().Msgf("published '%s'", za.path)
	return Packed, nil
}

func writeSidecarFile(name, digest, filename string) error {
	fp, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return errors.Wrapf(err, "cannot create sidecar '%s'", name)
	}
	if err := checksum.WriteSidecar(fp, digest, filename); err != nil {
		_ = fp.Close()
		return err
	}
	if err := fp.Sync(); err != nil {
		_ = fp.Close()
		return errors.Wrapf(err, "cannot sync sidecar '%s'", name)
	}
	return errors.Wrapf(fp.Close(), "cannot close sidecar '%s'", name)
}

// writeDir adds dir and everything below it. Entries are sorted by name
// so that the container does not depend on the directory listing order of
// the underlying filesystem; a directory entry always precedes its
// children.
func (za *ZipArchive) writeDir(ctx context.Context, zw *zip.Writer, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return errors.Wrapf(err, "cannot read directory '%s'", dir)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "packing cancelled")
		}
		name := entry.Name()
		if dir != "." {
			name = dir + "/" + name
		}
		switch {
		case entry.IsDir():
			header := &zip.FileHeader{
				Name:   name + "/",
				Method: zip.Store,
			}
			header.SetMode(fs.ModeDir | dirMode)
			if _, err := zw.CreateHeader(header); err != nil {
				return errors.Wrapf(err, "cannot create directory entry '%s'", name)
			}
			if err := za.writeDir(ctx, zw, fsys, name); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := za.writeFile(zw, fsys, name); err != nil {
				return err
			}
		default:
			za.logger.Warn().Msgf("skipping '%s' of type %s", name, entry.Type().String())
		}
	}
	return nil
}

func (za *ZipArchive) writeFile(zw *zip.Writer, fsys fs.FS, name string) error {
	src, err := fsys.Open(name)
	if err != nil {
		return errors.Wrapf(err, "cannot open '%s'", name)
	}
	defer src.Close()
	header := &zip.FileHeader{
		Name:   name,
		Method: methods[za.compression].id,
	}
	header.SetMode(fileMode)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return errors.Wrapf(err, "cannot create entry '%s'", name)
	}
	if _, err := io.Copy(w, src); err != nil {
		return errors.Wrapf(err, "cannot write entry '%s'", name)
	}
	return nil
}

// openReader opens a private handle on the container. The caller owns the
// returned file.
func (za *ZipArchive) openReader(op string) (*zip.Reader, *os.File, error) {
	fp, err := os.Open(za.path)
	if err != nil {
		return nil, nil, layererrors.New(layererrors.ErrIOFailure, op, za.path, err)
	}
	fi, err := fp.Stat()
	if err != nil {
		_ = fp.Close()
		return nil, nil, layererrors.New(layererrors.ErrIOFailure, op, za.path, err)
	}
	zr, err := zip.NewReader(fp, fi.Size())
	if err != nil {
		_ = fp.Close()
		return nil, nil, layererrors.New(layererrors.ErrCorruptArchive, op, za.path, err)
	}
	registerDecompressors(zr)
	return zr, fp, nil
}

func (za *ZipArchive) ReadEntry(name string) (io.ReadCloser, error) {
	zr, fp, err := za.openReader("read entry")
	if err != nil {
		return nil, err
	}
	for _, zf := range zr.File {
		if zf.Name != name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			_ = fp.Close()
			return nil, layererrors.New(layererrors.ErrCorruptArchive, "read entry", name, err)
		}
		return newEntryReader(name, rc, fp), nil
	}
	if err := fp.Close(); err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, "read entry", za.path, err)
	}
	return nil, layererrors.Newf(layererrors.ErrNotFound, "read entry", name, "no such entry in %s", filepath.Base(za.path))
}

// EntryExists looks the name up in the central directory. Only absence
// yields false without an error.
func (za *ZipArchive) EntryExists(name string) (bool, error) {
	packed, err := za.published("entry exists")
	if err != nil || !packed {
		return false, err
	}
	zr, fp, err := za.openReader("entry exists")
	if err != nil {
		return false, err
	}
	defer fp.Close()
	for _, zf := range zr.File {
		if zf.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (za *ZipArchive) Entries() ([]Entry, error) {
	packed, err := za.published("entries")
	if err != nil {
		return nil, err
	}
	if !packed {
		return []Entry{}, nil
	}
	zr, fp, err := za.openReader("entries")
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	result := make([]Entry, 0, len(zr.File))
	for _, zf := range zr.File {
		result = append(result, Entry{
			Name:        zf.Name,
			IsDir:       strings.HasSuffix(zf.Name, "/"),
			Size:        zf.UncompressedSize64,
			Compression: compressionByID(zf.Method),
		})
	}
	return result, nil
}

// Unpack recreates the tree below destDir in container order. A failed
// destination must be discarded by the caller.
func (za *ZipArchive) Unpack(ctx context.Context, destDir string) error {
	zr, fp, err := za.openReader("unpack")
	if err != nil {
		return err
	}
	defer fp.Close()
	if err := os.MkdirAll(destDir, dirMode); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "unpack", destDir, err)
	}
	za.logger.Debug().Msgf("unpacking '%s' to '%s'", za.path, destDir)
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "unpack", destDir, err)
		}
		isDir := strings.HasSuffix(zf.Name, "/")
		local := filepath.FromSlash(strings.TrimSuffix(zf.Name, "/"))
		if !filepath.IsLocal(local) {
			return layererrors.Newf(layererrors.ErrCorruptArchive, "unpack", zf.Name, "entry name escapes destination")
		}
		target := filepath.Join(destDir, local)
		if isDir {
			if err := os.MkdirAll(target, dirMode); err != nil {
				return layererrors.New(layererrors.ErrIOFailure, "unpack", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "unpack", filepath.Dir(target), err)
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func extractFile(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return layererrors.New(layererrors.ErrCorruptArchive, "unpack", zf.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "unpack", target, err)
	}
	src := &trackingReader{r: rc}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		if src.err != nil {
			return layererrors.New(layererrors.ErrCorruptArchive, "unpack", zf.Name, src.err)
		}
		return layererrors.New(layererrors.ErrIOFailure, "unpack", target, err)
	}
	if err := out.Close(); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "unpack", target, err)
	}
	return nil
}

// Verify checks the container against every digest sidecar found next to
// it and reads every entry to check its CRC. Containers sealed before a
// digest was configured have no sidecar; that is only logged.
func (za *ZipArchive) Verify(ctx context.Context) error {
	for _, name := range checksum.DigestNames() {
		alg := checksum.DigestAlgorithm(name)
		sidecarPath := za.path + "." + name
		if _, err := os.Stat(sidecarPath); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return layererrors.New(layererrors.ErrIOFailure, "verify", sidecarPath, err)
			}
			if alg == za.digest {
				za.logger.Warn().Msgf("no %s sidecar for '%s'", alg, za.path)
			}
			continue
		}
		if err := za.verifyDigest(alg, sidecarPath); err != nil {
			return err
		}
	}
	zr, fp, err := za.openReader("verify")
	if err != nil {
		return err
	}
	defer fp.Close()
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "verify", za.path, err)
		}
		if strings.HasSuffix(zf.Name, "/") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return layererrors.New(layererrors.ErrCorruptArchive, "verify", zf.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		_ = rc.Close()
		if err != nil {
			return layererrors.New(layererrors.ErrCorruptArchive, "verify", zf.Name, err)
		}
	}
	return nil
}

func (za *ZipArchive) verifyDigest(alg checksum.DigestAlgorithm, sidecarPath string) error {
	sidecar, err := os.Open(sidecarPath)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "verify", sidecarPath, err)
	}
	expected, filename, err := checksum.ReadSidecar(sidecar)
	_ = sidecar.Close()
	if err != nil {
		return layererrors.New(layererrors.ErrCorruptArchive, "verify", sidecarPath, err)
	}
	if filename != filepath.Base(za.path) {
		return layererrors.Newf(layererrors.ErrCorruptArchive, "verify", sidecarPath, "sidecar describes '%s'", filename)
	}
	fp, err := os.Open(za.path)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "verify", za.path, err)
	}
	defer fp.Close()
	actual, err := checksum.Checksum(fp, alg)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "verify", za.path, err)
	}
	if actual != expected {
		return layererrors.Newf(layererrors.ErrCorruptArchive, "verify", za.path, "%s digest %s does not match sidecar %s", alg, actual, expected)
	}
	za.logger.Debug().Msgf("%s digest of '%s' verified", alg, za.path)
	return nil
}

var _ Archive = (*ZipArchive)(nil)
