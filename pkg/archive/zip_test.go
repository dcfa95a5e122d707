package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"emperror.dev/errors"
	"github.com/go-test/deep"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/checksum"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
	"github.com/rs/zerolog"
)

func testLogger() zLogger.ZLogger {
	l := zerolog.Nop()
	return &l
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(full, 0755); err != nil {
				t.Fatalf("mkdir %s: %v", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// readTree returns every path below dir; directories end in "/" and map to
// an empty string.
func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	result := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			result[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		result[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("cannot read tree %s: %v", dir, err)
	}
	return result
}

func newTestArchive(t *testing.T, path string, opts ...Option) *ZipArchive {
	t.Helper()
	za, err := NewZipArchive(path, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewZipArchive(%s): %v", path, err)
	}
	return za
}

var sampleTree = map[string]string{
	"file1":              "file1 content",
	"path/to/file2":      "file2 content",
	"path/to/file3":      "file3 content",
	"empty/":             "",
	"nested/deep/dir/f":  strings.Repeat("layer ", 4096),
	"binary":             string([]byte{0, 1, 2, 255, 254, 0, 0, 7}),
	"a-b":                "sorts between a and a/",
	"a/z":                "z",
	"unicode/grüße.txt": "hallo",
}

func TestFileExistsAfterPack(t *testing.T) {
	testDir := t.TempDir()
	stagingDir := filepath.Join(testDir, "staging")
	writeTree(t, stagingDir, map[string]string{
		"file1":         "file1 content",
		"path/to/file2": "file2 content",
		"path/to/file3": "file3 content",
	})
	zipFile := filepath.Join(testDir, "test.zip")
	za := newTestArchive(t, zipFile)
	if za.State() != Loose {
		t.Errorf("state before pack is %s", za.State())
	}

	state, err := za.Pack(context.Background(), stagingDir)
	if err != nil {
		t.Fatalf("cannot pack: %v", err)
	}
	if state != Packed || za.State() != Packed {
		t.Errorf("state after pack is %s/%s", state, za.State())
	}
	if _, err := os.Stat(zipFile); err != nil {
		t.Errorf("container missing: %v", err)
	}

	for _, name := range []string{"file1", "path/to/file2", "path/to/file3", "path/", "path/to/"} {
		exists, err := za.EntryExists(name)
		if err != nil {
			t.Errorf("EntryExists(%s): %v", name, err)
		}
		if !exists {
			t.Errorf("EntryExists(%s) = false", name)
		}
	}
	for _, name := range []string{"file", "file12", "path/to", "to/file2", "/file1", "file4"} {
		exists, err := za.EntryExists(name)
		if err != nil {
			t.Errorf("EntryExists(%s): %v", name, err)
		}
		if exists {
			t.Errorf("EntryExists(%s) = true", name)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, name := range CompressionNames() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src")
			writeTree(t, src, sampleTree)
			za := newTestArchive(t, filepath.Join(dir, "layer.zip"), WithCompression(Compression(name)))
			if _, err := za.Pack(context.Background(), src); err != nil {
				t.Fatalf("cannot pack: %v", err)
			}
			dest := filepath.Join(dir, "dest")
			if err := za.Unpack(context.Background(), dest); err != nil {
				t.Fatalf("cannot unpack: %v", err)
			}
			if diff := deep.Equal(readTree(t, dest), readTree(t, src)); diff != nil {
				t.Error(diff)
			}
			// the container itself is unchanged by unpack
			if za.State() != Packed {
				t.Errorf("state after unpack is %s", za.State())
			}
		})
	}
}

func TestEntriesOrder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"), WithCompression(CompressionStore))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatalf("cannot pack: %v", err)
	}
	entries, err := za.Entries()
	if err != nil {
		t.Fatalf("cannot list entries: %v", err)
	}
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name)
		if entry.IsDir != strings.HasSuffix(entry.Name, "/") {
			t.Errorf("entry %s: IsDir = %v", entry.Name, entry.IsDir)
		}
	}
	expected := []string{
		"a/", "a/z",
		"a-b",
		"binary",
		"empty/",
		"file1",
		"nested/", "nested/deep/", "nested/deep/dir/", "nested/deep/dir/f",
		"path/", "path/to/", "path/to/file2", "path/to/file3",
		"unicode/", "unicode/grüße.txt",
	}
	if diff := deep.Equal(names, expected); diff != nil {
		t.Error(diff)
	}
}

func TestPackDeterministic(t *testing.T) {
	for _, name := range CompressionNames() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src")
			writeTree(t, src, sampleTree)
			first := newTestArchive(t, filepath.Join(dir, "first.zip"), WithCompression(Compression(name)))
			second := newTestArchive(t, filepath.Join(dir, "second.zip"), WithCompression(Compression(name)))
			if _, err := first.Pack(context.Background(), src); err != nil {
				t.Fatalf("cannot pack first: %v", err)
			}
			if _, err := second.Pack(context.Background(), src); err != nil {
				t.Fatalf("cannot pack second: %v", err)
			}
			a, err := os.ReadFile(first.Path())
			if err != nil {
				t.Fatal(err)
			}
			b, err := os.ReadFile(second.Path())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(a, b) {
				t.Errorf("containers differ (%d vs %d bytes)", len(a), len(b))
			}
		})
	}
}

func TestReadEntry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"), WithCompression(CompressionZstd))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatalf("cannot pack: %v", err)
	}
	rc, err := za.ReadEntry("nested/deep/dir/f")
	if err != nil {
		t.Fatalf("cannot read entry: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("cannot read: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if string(data) != sampleTree["nested/deep/dir/f"] {
		t.Errorf("content mismatch: %d bytes", len(data))
	}

	// directory entries read as empty streams
	rc, err = za.ReadEntry("nested/deep/dir/")
	if err != nil {
		t.Fatalf("cannot read directory entry: %v", err)
	}
	if data, err := io.ReadAll(rc); err != nil || len(data) != 0 {
		t.Errorf("directory entry: %d bytes, %v", len(data), err)
	}
	_ = rc.Close()

	for _, name := range []string{"nested/deep", "file", "FILE1", "path/to/file"} {
		if _, err := za.ReadEntry(name); !errors.Is(err, layererrors.ErrNotFound) {
			t.Errorf("ReadEntry(%s): expected not found, got %v", name, err)
		}
	}
}

func TestEntryReaderReleasesHandle(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatalf("cannot pack: %v", err)
	}

	// drained: released at end of stream
	rc, err := za.ReadEntry("file1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(rc); err != nil {
		t.Fatal(err)
	}
	er := rc.(*entryReader)
	if _, err := er.fp.Stat(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("handle still open after end of stream: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("close after drain: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	// aborted: released on close
	rc, err = za.ReadEntry("nested/deep/dir/f")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	if _, err := rc.Read(buf); err != nil {
		t.Fatal(err)
	}
	er = rc.(*entryReader)
	if _, err := er.fp.Stat(); err != nil {
		t.Errorf("handle closed too early: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if _, err := er.fp.Stat(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("handle still open after close: %v", err)
	}
	if _, err := rc.Read(buf); err == nil {
		t.Error("read after close succeeded")
	}
}

func TestConcurrentReadEntry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	files := map[string]string{}
	for i := 0; i < 32; i++ {
		files[fmt.Sprintf("dir%02d/file%02d", i%4, i)] = strings.Repeat(fmt.Sprintf("content of %d;", i), 100+i)
	}
	writeTree(t, src, files)
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"), WithCompression(CompressionDeflate))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatalf("cannot pack: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(files))
	for name, content := range files {
		wg.Add(1)
		go func(name, content string) {
			defer wg.Done()
			rc, err := za.ReadEntry(name)
			if err != nil {
				errs <- err
				return
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				errs <- err
				return
			}
			if string(data) != content {
				errs <- errors.Errorf("%s: content mismatch", name)
			}
		}(name, content)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

type failingFS struct {
	fs.FS
	fail string
}

func (f failingFS) Open(name string) (fs.File, error) {
	if name == f.fail {
		return nil, errors.New("injected failure")
	}
	return f.FS.Open(name)
}

func assertNoArtifacts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		t.Errorf("unexpected artifact %s", entry.Name())
	}
}

func TestPackFailureLeavesNoContainer(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	if err := os.Mkdir(out, 0755); err != nil {
		t.Fatal(err)
	}
	fsys := failingFS{
		FS: fstest.MapFS{
			"a":     {Data: []byte("a")},
			"b/bad": {Data: []byte("bad")},
			"c":     {Data: []byte("c")},
		},
		fail: "b/bad",
	}
	za := newTestArchive(t, filepath.Join(out, "layer.zip"), WithDigest(checksum.DigestSHA512))
	state, err := za.PackFS(context.Background(), fsys)
	if !errors.Is(err, layererrors.ErrIOFailure) {
		t.Fatalf("expected i/o failure, got %v", err)
	}
	if state != Loose || za.State() != Loose {
		t.Errorf("state after failed pack is %s/%s", state, za.State())
	}
	assertNoArtifacts(t, out)
}

func TestPackCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	out := filepath.Join(dir, "out")
	if err := os.Mkdir(out, 0755); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	za := newTestArchive(t, filepath.Join(out, "layer.zip"))
	if _, err := za.Pack(ctx, src); !errors.Is(err, layererrors.ErrIOFailure) {
		t.Fatalf("expected i/o failure, got %v", err)
	}
	assertNoArtifacts(t, out)
}

func TestPackIsWriteOnce(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(za.Path())
	if err != nil {
		t.Fatal(err)
	}
	writeTree(t, src, map[string]string{"new": "new"})
	if _, err := za.Pack(context.Background(), src); err == nil {
		t.Error("second pack succeeded")
	}
	after, err := os.ReadFile(za.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("container changed by second pack")
	}
}

func TestPackEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.Mkdir(src, 0755); err != nil {
		t.Fatal(err)
	}
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	entries, err := za.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %v", entries)
	}
	if err := za.Unpack(context.Background(), filepath.Join(dir, "dest")); err != nil {
		t.Errorf("cannot unpack empty container: %v", err)
	}
}

func TestUnpackCorrupt(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	za := newTestArchive(t, filepath.Join(dir, "layer.zip"))
	if _, err := za.Pack(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(za.Path())
	if err != nil {
		t.Fatal(err)
	}

	truncated := newTestArchive(t, filepath.Join(dir, "truncated.zip"))
	if err := os.WriteFile(truncated.Path(), data[:len(data)/2], 0644); err != nil {
		t.Fatal(err)
	}
	if err := truncated.Unpack(context.Background(), filepath.Join(dir, "dest1")); !errors.Is(err, layererrors.ErrCorruptArchive) {
		t.Errorf("truncated: expected corrupt archive, got %v", err)
	}
	if _, err := truncated.EntryExists("file1"); !errors.Is(err, layererrors.ErrCorruptArchive) {
		t.Errorf("truncated: EntryExists must not hide corruption, got %v", err)
	}

	garbage := newTestArchive(t, filepath.Join(dir, "garbage.zip"))
	if err := os.WriteFile(garbage.Path(), []byte("this is not a zip file"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := garbage.Unpack(context.Background(), filepath.Join(dir, "dest2")); !errors.Is(err, layererrors.ErrCorruptArchive) {
		t.Errorf("garbage: expected corrupt archive, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	for _, alg := range []checksum.DigestAlgorithm{checksum.DigestSHA512, checksum.DigestBlake3} {
		t.Run(string(alg), func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src")
			writeTree(t, src, sampleTree)
			za := newTestArchive(t, filepath.Join(dir, "layer.zip"), WithDigest(alg))
			if _, err := za.Pack(context.Background(), src); err != nil {
				t.Fatal(err)
			}
			if _, err := os.Stat(za.SidecarPath()); err != nil {
				t.Fatalf("sidecar missing: %v", err)
			}
			if err := za.Verify(context.Background()); err != nil {
				t.Fatalf("verify: %v", err)
			}

			data, err := os.ReadFile(za.Path())
			if err != nil {
				t.Fatal(err)
			}
			data[len(data)/3] ^= 0xff
			if err := os.WriteFile(za.Path(), data, 0644); err != nil {
				t.Fatal(err)
			}
			if err := za.Verify(context.Background()); !errors.Is(err, layererrors.ErrCorruptArchive) {
				t.Errorf("expected corrupt archive, got %v", err)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"store", "deflate", "zstd", "lz4", "brotli"} {
		if _, err := ParseCompression(name); err != nil {
			t.Errorf("ParseCompression(%s): %v", name, err)
		}
	}
	if _, err := ParseCompression("xz"); err == nil {
		t.Error("ParseCompression(xz) succeeded")
	}
	if _, err := NewZipArchive("x.zip", testLogger(), WithCompression("xz")); err == nil {
		t.Error("NewZipArchive accepted unknown compression")
	}
}

func TestVerifyDigestChanged(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeTree(t, src, sampleTree)
	path := filepath.Join(dir, "layer.zip")
	if _, err := newTestArchive(t, path).Pack(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	// a digest configured later does not invalidate older containers
	za := newTestArchive(t, path, WithDigest(checksum.DigestSHA512))
	if err := za.Verify(context.Background()); err != nil {
		t.Errorf("verify: %v", err)
	}
	if err := os.WriteFile(path+".sha256", []byte("0000 layer.zip\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := za.Verify(context.Background()); !errors.Is(err, layererrors.ErrCorruptArchive) {
		t.Errorf("expected corrupt archive for foreign sidecar, got %v", err)
	}
}

func TestEntryExistsReportsFailures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loop.zip")
	if err := os.Symlink("loop.zip", path); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
	za := newTestArchive(t, path)
	if ok, err := za.EntryExists("file1"); ok || !errors.Is(err, layererrors.ErrIOFailure) {
		t.Errorf("EntryExists = %v, %v, expected i/o failure", ok, err)
	}
	if _, err := za.Entries(); !errors.Is(err, layererrors.ErrIOFailure) {
		t.Errorf("Entries: expected i/o failure, got %v", err)
	}
	if _, err := za.ReadEntry("file1"); !errors.Is(err, layererrors.ErrIOFailure) {
		t.Errorf("ReadEntry: expected i/o failure, got %v", err)
	}

	absent := newTestArchive(t, filepath.Join(dir, "absent.zip"))
	if ok, err := absent.EntryExists("file1"); ok || err != nil {
		t.Errorf("EntryExists on absent container = %v, %v", ok, err)
	}
}
