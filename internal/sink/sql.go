package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLWarehouse inserts one row per record into a table whose columns are
// named after the record fields
type SQLWarehouse struct {
	db        *sql.DB
	tableName string
	insert    string
	latest    string
}

// OpenSQLWarehouse opens and pings the configured database
func OpenSQLWarehouse(ctx context.Context, cfg config.SQLConfig) (*SQLWarehouse, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	w, err := NewSQLWarehouse(db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// NewSQLWarehouse wraps an open database handle
func NewSQLWarehouse(db *sql.DB, table string) (*SQLWarehouse, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	columns := make([]string, len(types.Schema))
	placeholders := make([]string, len(types.Schema))
	for i, field := range types.Schema {
		columns[i] = quoteIdent(field)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	insert := "INSERT INTO " + table +
		" (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ",") + ")"

	latest := "SELECT " + strings.Join(columns, ", ") + " FROM " + table +
		" WHERE " + quoteIdent(types.FieldLocationName) + " = $1 AND " + quoteIdent(types.FieldMachine) + " = $2" +
		" ORDER BY " + quoteIdent(types.FieldTimestamp) + " DESC LIMIT 1"

	return &SQLWarehouse{
		db:        db,
		tableName: table,
		insert:    insert,
		latest:    latest,
	}, nil
}

func (w *SQLWarehouse) Append(ctx context.Context, rec types.Record) error {
	args := make([]any, len(types.Schema))
	for i, field := range types.Schema {
		args[i] = rec[field]
	}

	if _, err := w.db.ExecContext(ctx, w.insert, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", w.tableName, err)
	}
	return nil
}

// LatestRecord returns the newest stored row of the machine, or nil
func (w *SQLWarehouse) LatestRecord(ctx context.Context, id types.Identity) (types.Record, error) {
	values := make([]sql.NullString, len(types.Schema))
	dest := make([]any, len(values))
	for i := range values {
		dest[i] = &values[i]
	}

	err := w.db.QueryRowContext(ctx, w.latest, id.LocationName, id.Machine).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest row from %s: %w", w.tableName, err)
	}

	rec := make(types.Record, len(types.Schema))
	for i, field := range types.Schema {
		rec[field] = values[i].String
	}
	return rec, nil
}

func (w *SQLWarehouse) Name() string { return "sql" }

func (w *SQLWarehouse) Close() error {
	return w.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
