// Package sqliteindex stores the items of sealed layers in a SQLite
// database.
package sqliteindex

import (
	"context"
	"io/fs"
	"runtime"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layererrors"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	layer_id INTEGER NOT NULL,
	path     TEXT    NOT NULL,
	type     TEXT    NOT NULL CHECK (type IN ('file', 'directory', 'tombstone')),
	PRIMARY KEY (layer_id, path)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS items_path ON items (path, layer_id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

type Config struct {
	// Path of the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	Logger   zLogger.ZLogger
}

// Index is a layerstore.ItemIndex backed by a pool of SQLite connections.
type Index struct {
	pool   *sqlitex.Pool
	path   string
	logger zLogger.ZLogger
}

func Open(cfg Config) (*Index, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqliteindex: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, "open index", cfg.Path, err)
	}
	idx := &Index{
		pool:   pool,
		path:   cfg.Path,
		logger: cfg.Logger,
	}
	// fail early on a broken database
	if _, err := idx.LayerIDs(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	idx.logger.Debug().Msgf("opened sqlite index '%s' with %d connections", cfg.Path, poolSize)
	return idx, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return errors.Wrapf(err, "cannot execute %s", pragma)
		}
	}
	return errors.Wrap(sqlitex.ExecuteScript(conn, schema, nil), "cannot create schema")
}

func (idx *Index) String() string {
	return "sqlite://" + idx.path
}

func (idx *Index) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, op, idx.path, err)
	}
	return conn, nil
}

// Insert writes all items in one IMMEDIATE transaction.
func (idx *Index) Insert(ctx context.Context, items []layerstore.Item) (err error) {
	for _, item := range items {
		if item.Path == "." || !fs.ValidPath(item.Path) {
			return layererrors.Newf(layererrors.ErrInvalidPath, "insert", item.Path, "invalid item path")
		}
	}
	conn, err := idx.take(ctx, "insert")
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "insert", idx.path, err)
	}
	defer endTransaction(&err)

	for _, item := range items {
		typeName, err := item.Type.MarshalText()
		if err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "insert", item.Path, err)
		}
		if err := sqlitex.Execute(conn,
			"INSERT INTO items (layer_id, path, type) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
			&sqlitex.ExecOptions{
				Args: []any{int64(item.LayerID), item.Path, string(typeName)},
			}); err != nil {
			return layererrors.New(layererrors.ErrIOFailure, "insert", item.Path, err)
		}
		if conn.Changes() == 0 {
			return layererrors.Newf(layererrors.ErrIndexInconsistency, "insert", item.Path, "duplicate item in layer %d", item.LayerID)
		}
	}
	return nil
}

func scanItem(stmt *sqlite.Stmt, pathCol, layerCol, typeCol int) (layerstore.Item, error) {
	t, err := layerstore.ParseItemType(stmt.ColumnText(typeCol))
	if err != nil {
		return layerstore.Item{}, err
	}
	return layerstore.Item{
		Path:    stmt.ColumnText(pathCol),
		Type:    t,
		LayerID: layerstore.LayerID(stmt.ColumnInt64(layerCol)),
	}, nil
}

func (idx *Index) query(ctx context.Context, op, subject, query string, args ...any) ([]layerstore.Item, error) {
	conn, err := idx.take(ctx, op)
	if err != nil {
		return nil, err
	}
	defer idx.pool.Put(conn)

	result := []layerstore.Item{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			item, err := scanItem(stmt, 0, 1, 2)
			if err != nil {
				return err
			}
			result = append(result, item)
			return nil
		},
	})
	if err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, op, subject, err)
	}
	return result, nil
}

func (idx *Index) QueryByPath(ctx context.Context, path string) ([]layerstore.Item, error) {
	return idx.query(ctx, "query by path", path,
		"SELECT path, layer_id, type FROM items WHERE path = ? ORDER BY layer_id DESC",
		path)
}

func (idx *Index) QueryByLayer(ctx context.Context, id layerstore.LayerID) ([]layerstore.Item, error) {
	return idx.query(ctx, "query by layer", id.String(),
		"SELECT path, layer_id, type FROM items WHERE layer_id = ? ORDER BY path",
		int64(id))
}

func (idx *Index) ListItems(ctx context.Context) ([]layerstore.Item, error) {
	return idx.query(ctx, "list items", idx.path, `
SELECT i.path, i.layer_id, i.type
  FROM items i
  JOIN (SELECT path, MAX(layer_id) AS layer_id FROM items GROUP BY path) newest
    ON i.path = newest.path AND i.layer_id = newest.layer_id
 ORDER BY i.path`)
}

func (idx *Index) DeleteLayer(ctx context.Context, id layerstore.LayerID) (err error) {
	conn, err := idx.take(ctx, "delete layer")
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "delete layer", id.String(), err)
	}
	defer endTransaction(&err)

	if err := sqlitex.Execute(conn, "DELETE FROM items WHERE layer_id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(id)},
	}); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "delete layer", id.String(), err)
	}
	idx.logger.Debug().Msgf("deleted %d items of layer %d", conn.Changes(), id)
	return nil
}

func (idx *Index) LayerIDs(ctx context.Context) ([]layerstore.LayerID, error) {
	conn, err := idx.take(ctx, "layer ids")
	if err != nil {
		return nil, err
	}
	defer idx.pool.Put(conn)

	var ids []layerstore.LayerID
	err = sqlitex.Execute(conn, "SELECT DISTINCT layer_id FROM items ORDER BY layer_id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, layerstore.LayerID(stmt.ColumnInt64(0)))
			return nil
		},
	})
	if err != nil {
		return nil, layererrors.New(layererrors.ErrIOFailure, "layer ids", idx.path, err)
	}
	return ids, nil
}

func (idx *Index) Close() error {
	if err := idx.pool.Close(); err != nil {
		return layererrors.New(layererrors.ErrIOFailure, "close index", idx.path, err)
	}
	idx.logger.Debug().Msgf("closed sqlite index '%s'", idx.path)
	return nil
}

var _ layerstore.ItemIndex = (*Index)(nil)
