package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/mattn/go-sqlite3"
)

type OpenOptions struct {
	Params map[string]string
}

const driverName = "tknet_sqlite3"

var registerOnce sync.Once

// RegisterPragmaHook registers the sqlite driver used by OpenReadWrite. Every
// new connection is switched to WAL mode with the given page cache size in
// KiB. Only the first call has an effect.
func RegisterPragmaHook(cacheSize int) {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(c *sqlite3.SQLiteConn) error {
				pragmas := fmt.Sprintf(`
					PRAGMA journal_mode = WAL;
					PRAGMA busy_timeout = 5000;
					PRAGMA synchronous = NORMAL;
					PRAGMA cache_size = -%d;
					PRAGMA temp_store = memory;
				`, cacheSize)
				_, err := c.Exec(pragmas, nil)
				return err
			},
		})
	})
}

// OpenReadWrite opens dbFile twice: a read pool and a single-connection
// write pool, and makes sure the schema exists. RegisterPragmaHook must have
// been called first.
func OpenReadWrite(ctx context.Context, dbFile string, opts OpenOptions) (rdb *sql.DB, wdb *sql.DB, err error) {
	uri := &url.URL{
		Scheme: "file",
		Opaque: dbFile,
	}
	query := uri.Query()
	if opts.Params != nil {
		for k, v := range opts.Params {
			query.Set(k, v)
		}
	}
	query.Set("_txlock", "immediate")
	uri.RawQuery = query.Encode()

	readConn, err := sql.Open(driverName, uri.String())
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			readConn.Close()
		}
	}()
	readConn.SetMaxOpenConns(max(4, runtime.NumCPU()))

	writeConn, err := sql.Open(driverName, uri.String())
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			writeConn.Close()
		}
	}()
	writeConn.SetMaxOpenConns(1)

	if _, err = writeConn.ExecContext(ctx, Schema); err != nil {
		return nil, nil, fmt.Errorf("init db: %w", err)
	}

	return readConn, writeConn, nil
}
