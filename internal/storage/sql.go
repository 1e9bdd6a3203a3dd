package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Dialect captures the statements that differ between SQL backends
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// InsertIgnore returns the insert-if-absent statement prefix
func (d Dialect) InsertIgnore() string {
	if d == DialectMySQL {
		return "INSERT IGNORE"
	}
	return "INSERT OR IGNORE"
}

// CreateTemp returns the statement prefix for a connection-scoped table
func (d Dialect) CreateTemp() string {
	if d == DialectMySQL {
		return "CREATE TEMPORARY TABLE"
	}
	return "CREATE TEMP TABLE"
}

// DropTemp returns the statement prefix that drops a connection-scoped table
func (d Dialect) DropTemp() string {
	if d == DialectMySQL {
		return "DROP TEMPORARY TABLE IF EXISTS"
	}
	return "DROP TABLE IF EXISTS"
}

func (d Dialect) schema() []string {
	if d == DialectMySQL {
		return mysqlSchema
	}
	return sqliteSchema
}

// DB is a database handle tagged with its dialect
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured database and applies the schema
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch Dialect(cfg.Driver) {
	case DialectMySQL:
		mcfg, perr := mysql.ParseDSN(cfg.DSN)
		if perr != nil {
			return nil, fmt.Errorf("invalid DB_DSN: %w", perr)
		}
		if mcfg.Params == nil {
			mcfg.Params = map[string]string{}
		}
		mcfg.Params["charset"] = "utf8mb4"
		db, err = sql.Open("mysql", mcfg.FormatDSN())
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.DSN))
		if err == nil {
			// sqlite serializes writers; a single connection also keeps
			// :memory: databases and temp tables on one handle
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	handle := &DB{DB: db, Dialect: Dialect(cfg.Driver)}
	if handle.Dialect != DialectMySQL {
		handle.Dialect = DialectSQLite
	}
	if err := InitSchema(ctx, handle); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().
		Str("driver", string(handle.Dialect)).
		Msg("database initialized")

	return handle, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "?") {
		if dsn == "" {
			return ":memory:"
		}
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
}

// Chunks splits n items into [start, end) ranges of at most size
func Chunks(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// Placeholders returns n comma-separated bind markers
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
