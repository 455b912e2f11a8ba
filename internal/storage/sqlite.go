package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteConfig opens a SQLiteStore.
type SQLiteConfig struct {
	// Path of the database file; its directory must exist.
	Path string

	// PoolSize defaults to 4. SQLite serializes writers regardless.
	PoolSize int

	Logger *slog.Logger
}

// SQLiteStore keeps each table as JSON documents in a SQLite database.
// Filtered and unique fields are served by JSON expression indexes, and
// every operation is one statement.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// OpenSQLite opens (creating if needed) the database and its tables.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, tables ...Table) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.NotValidf("empty sqlite path")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return conn.CreateFunction("fold_lower", foldLower)
		},
	})
	if err != nil {
		return nil, failuref(err, "open %s", cfg.Path)
	}
	s := &SQLiteStore{pool: pool, logger: logger, path: cfg.Path}

	if err := s.createTables(ctx, tables); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize, "tables", len(tables))
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context, tables []Table) error {
	var script strings.Builder
	for _, t := range tables {
		if !fieldName.MatchString(t.Name) {
			return errors.NotValidf("table name %q", t.Name)
		}
		fmt.Fprintf(&script, "CREATE TABLE IF NOT EXISTS %s (seq INTEGER PRIMARY KEY AUTOINCREMENT, doc TEXT NOT NULL);\n", t.Name)
		for _, f := range t.Unique {
			if !fieldName.MatchString(f) {
				return errors.NotValidf("unique field %q", f)
			}
			fmt.Fprintf(&script, "CREATE UNIQUE INDEX IF NOT EXISTS %s_%s_unique ON %s (%s);\n", t.Name, f, t.Name, extract(f))
		}
		for _, f := range t.Indexed {
			if !fieldName.MatchString(f) {
				return errors.NotValidf("indexed field %q", f)
			}
			fmt.Fprintf(&script, "CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s);\n", t.Name, f, t.Name, extract(f))
		}
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, script.String(), nil); err != nil {
		return failuref(err, "create tables")
	}
	return nil
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failuref(err, "take connection")
	}
	return conn, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, table string, row Row) error {
	if !fieldName.MatchString(table) {
		return errors.NotValidf("table name %q", table)
	}
	doc, err := json.Marshal(row)
	if err != nil {
		return failuref(err, "encode row")
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO "+table+" (doc) VALUES (json(?))", &sqlitex.ExecOptions{
		Args: []any{string(doc)},
	})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return errors.AlreadyExistsf("%s row", table)
		}
		return failuref(err, "insert into %s", table)
	}
	return nil
}

func (s *SQLiteStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if !fieldName.MatchString(table) {
		return nil, errors.NotValidf("table name %q", table)
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	where, args := buildWhere(q.Filters)

	query := "SELECT doc FROM " + table + where
	if q.Order != nil {
		direction := "ASC"
		if q.Order.Desc {
			direction = "DESC"
		}
		query += " ORDER BY " + extract(q.Order.Field) + " " + direction + ", seq ASC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []Row
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row, err := decodeDoc([]byte(stmt.ColumnText(0)))
			if err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		},
	})
	if err != nil {
		if IsFailure(err) {
			return nil, err
		}
		return nil, failuref(err, "select from %s", table)
	}
	return rows, nil
}

// Update applies patch with json_patch, so patch values must be scalars:
// a nested object would be merged rather than replaced.
func (s *SQLiteStore) Update(ctx context.Context, table string, filters []Filter, patch Row) (int, error) {
	if !fieldName.MatchString(table) {
		return 0, errors.NotValidf("table name %q", table)
	}
	if err := validateFilters(filters); err != nil {
		return 0, err
	}
	if err := validatePatch(patch); err != nil {
		return 0, err
	}
	doc, err := json.Marshal(patch)
	if err != nil {
		return 0, failuref(err, "encode patch")
	}
	where, args := buildWhere(filters)

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE "+table+" SET doc = json_patch(doc, ?)"+where, &sqlitex.ExecOptions{
		Args: append([]any{string(doc)}, args...),
	})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return 0, errors.AlreadyExistsf("%s row", table)
		}
		return 0, failuref(err, "update %s", table)
	}
	return conn.Changes(), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, table string, filters []Filter) (int, error) {
	if !fieldName.MatchString(table) {
		return 0, errors.NotValidf("table name %q", table)
	}
	if err := validateFilters(filters); err != nil {
		return 0, err
	}
	where, args := buildWhere(filters)

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM "+table+where, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, failuref(err, "delete from %s", table)
	}
	return conn.Changes(), nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close", "path", s.path, "error", err)
		return failuref(err, "close %s", s.path)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}

// foldLower lowercases with Go's Unicode rules. SQLite's lower() folds
// ASCII only, which would make ILike disagree with MemoryStore.
var foldLower = &sqlite.FunctionImpl{
	NArgs:         1,
	Deterministic: true,
	Scalar: func(_ sqlite.Context, args []sqlite.Value) (sqlite.Value, error) {
		if args[0].Type() == sqlite.TypeNull {
			return sqlite.Value{}, nil
		}
		return sqlite.TextValue(strings.ToLower(args[0].Text())), nil
	},
}

func extract(field string) string {
	return "json_extract(doc, '$." + field + "')"
}

// buildWhere renders filters as a WHERE clause. Field names are already
// validated against fieldName, so interpolating them is safe.
func buildWhere(filters []Filter) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	conditions := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		column := extract(f.Field)
		switch f.Op {
		case OpEq:
			conditions = append(conditions, column+" = ?")
		case OpGt:
			conditions = append(conditions, column+" > ?")
		case OpGte:
			conditions = append(conditions, column+" >= ?")
		case OpLt:
			conditions = append(conditions, column+" < ?")
		case OpLte:
			conditions = append(conditions, column+" <= ?")
		case OpILike:
			conditions = append(conditions,
				"(json_type(doc, '$."+f.Field+"') = 'text' AND instr(fold_lower("+column+"), fold_lower(?)) > 0)")
		}
		args = append(args, sqliteArg(f.Value))
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// sqliteArg maps JSON-ish values onto types the driver binds natively.
func sqliteArg(v any) any {
	switch n := v.(type) {
	case bool:
		if n {
			return 1
		}
		return 0
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return v
}
