package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"

	// drivers and dialects
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlserver"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

// Config is the configuration for the source
type Config struct {
	Logger log.Logger
	// Driver is the database/sql driver name
	Driver string
	// Dialect is the goqu dialect used to build queries
	Dialect string
	DSN     string
	Table   string
	// TimestampColumn is the ordering column rows are extracted by
	TimestampColumn string
	// KeyColumn is an optional tiebreaker for rows sharing a timestamp
	KeyColumn string
}

// Source extracts batches of rows from a table ordered by its timestamp column
type Source struct {
	logger  log.Logger
	db      *sql.DB
	dialect goqu.DialectWrapper
	config  Config

	mu      sync.Mutex
	keyType string // database type of the key column, resolved on first use
}

var _ sdk.Source = (*Source)(nil)

func sourceError(format string, args ...interface{}) error {
	return &sdk.SourceError{Err: fmt.Errorf(format, args...)}
}

// sqliteTimestamp is the text form strftime('%Y-%m-%d %H:%M:%f') produces, in UTC
const sqliteTimestamp = "2006-01-02 15:04:05.000"

type orderedColumn interface {
	exp.Comparable
	exp.Orderable
}

func (s *Source) isSQLite() bool {
	return s.config.Dialect == "sqlite3"
}

// timestamp is the expression rows are compared and ordered by. sqlite keeps timestamps as text
// in whatever form they were written, so the column is normalized to UTC with millisecond precision.
func (s *Source) timestamp() orderedColumn {
	col := goqu.C(s.config.TimestampColumn)
	if s.isSQLite() {
		return goqu.L("strftime('%Y-%m-%d %H:%M:%f', ?)", col)
	}
	return col
}

// bindTimestamp returns the cursor timestamp in the form timestamp() compares against
func (s *Source) bindTimestamp(tv time.Time) interface{} {
	tv = tv.UTC()
	if s.isSQLite() {
		return tv.Round(time.Millisecond).Format(sqliteTimestamp)
	}
	return tv
}

// bindKey converts the persisted key text back into the type of the key column
func bindKey(key string, dbType string) interface{} {
	t := strings.ToUpper(dbType)
	switch {
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"), strings.Contains(t, "UNIQUEIDENTIFIER"):
		return key
	case strings.Contains(t, "INT"), t == "":
		if i, err := strconv.ParseInt(key, 10, 64); err == nil {
			return i
		}
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"), strings.Contains(t, "DECIMAL"), strings.Contains(t, "NUMERIC"):
		if f, err := strconv.ParseFloat(key, 64); err == nil {
			return f
		}
	}
	return key
}

// resolveKeyType looks up the declared type of the key column without reading any rows
func (s *Source) resolveKeyType(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyType != "" {
		return s.keyType, nil
	}
	query, args, err := s.dialect.From(s.config.Table).Prepared(true).
		Select(goqu.C(s.config.KeyColumn)).
		Where(goqu.L("1 = 0")).
		ToSQL()
	if err != nil {
		return "", sourceError("error building query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", sourceError("error reading key column %s of %s: %w", s.config.KeyColumn, s.config.Table, err)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return "", sourceError("error reading columns: %w", err)
	}
	if len(types) == 1 {
		s.keyType = types[0].DatabaseTypeName()
	}
	return s.keyType, nil
}

func (s *Source) query(ctx context.Context, cursor sdk.Watermark, limit int) (string, []interface{}, error) {
	ts := s.timestamp()
	q := s.dialect.From(s.config.Table).Prepared(true).Where(goqu.C(s.config.TimestampColumn).IsNotNull())
	if cursor.IsSet() {
		at := s.bindTimestamp(cursor.Timestamp)
		if s.config.KeyColumn != "" && cursor.HasKey() {
			keyType, err := s.resolveKeyType(ctx)
			if err != nil {
				return "", nil, err
			}
			key := goqu.C(s.config.KeyColumn)
			q = q.Where(goqu.Or(
				ts.Gt(at),
				goqu.And(ts.Eq(at), key.Gt(bindKey(cursor.Key, keyType))),
			))
		} else {
			q = q.Where(ts.Gt(at))
		}
	}
	order := []exp.OrderedExpression{ts.Asc()}
	if s.config.KeyColumn != "" {
		order = append(order, goqu.C(s.config.KeyColumn).Asc())
	}
	return q.Order(order...).Limit(uint(limit)).ToSQL()
}

func indexOf(columns []sdk.Column, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func cursorTimestamp(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		wm, err := sdk.ParseWatermark(v, "")
		return wm.Timestamp, err
	case []byte:
		wm, err := sdk.ParseWatermark(string(v), "")
		return wm.Timestamp, err
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp value %T", raw)
}

// Extract returns up to limit rows after cursor in ascending timestamp order. An unset cursor
// starts from the earliest row. Rows with a null timestamp are never returned.
func (s *Source) Extract(ctx context.Context, cursor sdk.Watermark, limit int) (*sdk.Batch, error) {
	if limit <= 0 {
		return nil, sdk.NewConfigError("SYNC.batch_size", "must be a positive integer, was %d", limit)
	}
	query, args, err := s.query(ctx, cursor, limit)
	if err != nil {
		if sdk.IsSourceError(err) {
			return nil, err
		}
		return nil, sourceError("error building query: %w", err)
	}
	log.Debug(s.logger, "extracting", "cursor", cursor.String(), "key", cursor.Key, "limit", limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sourceError("error querying %s: %w", s.config.Table, err)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, sourceError("error reading columns: %w", err)
	}
	columns := make([]sdk.Column, len(types))
	for i, ct := range types {
		columns[i] = sdk.Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}
	tsidx := indexOf(columns, s.config.TimestampColumn)
	if tsidx < 0 {
		return nil, sourceError("timestamp column %s not found in %s", s.config.TimestampColumn, s.config.Table)
	}
	keyidx := -1
	if s.config.KeyColumn != "" {
		if keyidx = indexOf(columns, s.config.KeyColumn); keyidx < 0 {
			return nil, sourceError("key column %s not found in %s", s.config.KeyColumn, s.config.Table)
		}
	}
	batch := &sdk.Batch{Records: make([]sdk.Record, 0, limit)}
	var lastTS interface{}
	var lastKey interface{}
	for rows.Next() {
		row := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, sourceError("error scanning row: %w", err)
		}
		rec, err := sdk.NewRecord(columns, row)
		if err != nil {
			return nil, err
		}
		batch.Records = append(batch.Records, rec)
		lastTS = row[tsidx]
		if keyidx >= 0 {
			lastKey = row[keyidx]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, sourceError("error reading rows: %w", err)
	}
	if batch.Empty() {
		return batch, nil
	}
	tv, err := cursorTimestamp(lastTS)
	if err != nil {
		return nil, sourceError("invalid cursor in column %s: %w", s.config.TimestampColumn, err)
	}
	batch.Cursor = sdk.Watermark{Timestamp: tv.UTC()}
	if keyidx >= 0 {
		key, err := sdk.Normalize(s.config.KeyColumn, lastKey, columns[keyidx].DatabaseType)
		if err != nil {
			return nil, err
		}
		batch.Cursor.Key = key.Text()
	}
	log.Debug(s.logger, "extracted", "records", batch.Len(), "cursor", batch.Cursor.String())
	return batch, nil
}

// Close the database
func (s *Source) Close() error {
	return s.db.Close()
}

// New opens the database and checks that it is reachable
func New(ctx context.Context, config Config) (*Source, error) {
	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, sourceError("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sourceError("error connecting to database: %w", err)
	}
	return &Source{
		logger:  log.With(config.Logger, "pkg", "source"),
		db:      db,
		dialect: goqu.Dialect(config.Dialect),
		config:  config,
	}, nil
}
