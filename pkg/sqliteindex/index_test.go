package sqliteindex

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"emperror.dev/errors"
	"github.com/go-test/deep"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/rs/zerolog"
)

func testLogger() zLogger.ZLogger {
	l := zerolog.Nop()
	return &l
}

func openTestIndex(t *testing.T, path string) *Index {
	t.Helper()
	idx, err := Open(Config{Path: path, PoolSize: 4, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return idx
}

func TestInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, filepath.Join(t.TempDir(), "items.sqlite"))
	defer idx.Close()

	if err := idx.Insert(ctx, []layerstore.Item{
		{Path: "a", Type: layerstore.ItemDirectory, LayerID: 1},
		{Path: "a/b", Type: layerstore.ItemFile, LayerID: 1},
		{Path: "c", Type: layerstore.ItemFile, LayerID: 1},
	}); err != nil {
		t.Fatalf("insert layer 1: %v", err)
	}
	if err := idx.Insert(ctx, []layerstore.Item{
		{Path: "a/b", Type: layerstore.ItemTombstone, LayerID: 2},
		{Path: "c", Type: layerstore.ItemFile, LayerID: 2},
	}); err != nil {
		t.Fatalf("insert layer 2: %v", err)
	}

	items, err := idx.QueryByPath(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(items, []layerstore.Item{
		{Path: "a/b", Type: layerstore.ItemTombstone, LayerID: 2},
		{Path: "a/b", Type: layerstore.ItemFile, LayerID: 1},
	}); diff != nil {
		t.Errorf("QueryByPath: %v", diff)
	}

	items, err = idx.QueryByLayer(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(items, []layerstore.Item{
		{Path: "a", Type: layerstore.ItemDirectory, LayerID: 1},
		{Path: "a/b", Type: layerstore.ItemFile, LayerID: 1},
		{Path: "c", Type: layerstore.ItemFile, LayerID: 1},
	}); diff != nil {
		t.Errorf("QueryByLayer: %v", diff)
	}

	items, err = idx.ListItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(items, []layerstore.Item{
		{Path: "a", Type: layerstore.ItemDirectory, LayerID: 1},
		{Path: "a/b", Type: layerstore.ItemTombstone, LayerID: 2},
		{Path: "c", Type: layerstore.ItemFile, LayerID: 2},
	}); diff != nil {
		t.Errorf("ListItems: %v", diff)
	}

	ids, err := idx.LayerIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(ids, []layerstore.LayerID{1, 2}); diff != nil {
		t.Errorf("LayerIDs: %v", diff)
	}

	if err := idx.DeleteLayer(ctx, 2); err != nil {
		t.Fatal(err)
	}
	items, err = idx.QueryByPath(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(items, []layerstore.Item{{Path: "a/b", Type: layerstore.ItemFile, LayerID: 1}}); diff != nil {
		t.Errorf("QueryByPath after delete: %v", diff)
	}
	items, err = idx.QueryByPath(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("unexpected items %v", items)
	}
}

func TestInsertIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, filepath.Join(t.TempDir(), "items.sqlite"))
	defer idx.Close()

	if err := idx.Insert(ctx, []layerstore.Item{{Path: "x", Type: layerstore.ItemFile, LayerID: 1}}); err != nil {
		t.Fatal(err)
	}
	err := idx.Insert(ctx, []layerstore.Item{
		{Path: "y", Type: layerstore.ItemFile, LayerID: 2},
		{Path: "z", Type: layerstore.ItemFile, LayerID: 2},
		{Path: "y", Type: layerstore.ItemDirectory, LayerID: 2},
	})
	if !errors.Is(err, layererrors.ErrIndexInconsistency) {
		t.Fatalf("expected index inconsistency, got %v", err)
	}
	items, err := idx.QueryByLayer(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("partial insert visible: %v", items)
	}
	if err := idx.Insert(ctx, []layerstore.Item{{Path: "/abs", Type: layerstore.ItemFile, LayerID: 3}}); !errors.Is(err, layererrors.ErrInvalidPath) {
		t.Errorf("expected invalid path, got %v", err)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "items.sqlite")
	idx := openTestIndex(t, path)
	if err := idx.Insert(ctx, []layerstore.Item{{Path: "kept", Type: layerstore.ItemFile, LayerID: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	idx = openTestIndex(t, path)
	defer idx.Close()
	items, err := idx.QueryByPath(ctx, "kept")
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(items, []layerstore.Item{{Path: "kept", Type: layerstore.ItemFile, LayerID: 1}}); diff != nil {
		t.Error(diff)
	}
}

func TestConcurrentQueries(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, filepath.Join(t.TempDir(), "items.sqlite"))
	defer idx.Close()

	var items []layerstore.Item
	for i := 0; i < 100; i++ {
		items = append(items, layerstore.Item{Path: strings.Repeat("p", i+1), Type: layerstore.ItemFile, LayerID: 1})
	}
	if err := idx.Insert(ctx, items); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(items))
	for _, item := range items {
		wg.Add(1)
		go func(item layerstore.Item) {
			defer wg.Done()
			result, err := idx.QueryByPath(ctx, item.Path)
			if err != nil {
				errs <- err
				return
			}
			if len(result) != 1 || result[0] != item {
				errs <- errors.Errorf("%s: unexpected result %v", item.Path, result)
			}
		}(item)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestLayerStoreOnSqlite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	root := filepath.Join(dir, "store")
	dbPath := filepath.Join(dir, "items.sqlite")

	ls, err := layerstore.Open(ctx, root, openTestIndex(t, dbPath), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{"file1": "x", "path/to/file2": "y", "path/to/file3": "z"} {
		if err := ls.Write(ctx, name, strings.NewReader(content)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ls.Seal(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ls.Delete(ctx, "path/to/file3"); err != nil {
		t.Fatal(err)
	}
	if _, err := ls.Seal(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ls.Close(); err != nil {
		t.Fatal(err)
	}

	ls, err = layerstore.Open(ctx, root, openTestIndex(t, dbPath), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer ls.Close()
	paths, err := ls.ListPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(paths, []string{"file1", "path", "path/to", "path/to/file2"}); diff != nil {
		t.Error(diff)
	}
	rc, err := ls.ReadFile(ctx, "path/to/file2")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(data) != "y" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
	if err := ls.Check(ctx); err != nil {
		t.Errorf("check: %v", err)
	}
}
