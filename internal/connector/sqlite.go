// Package connector adapts database drivers to the connection interface the
// pool manages. The sqlite connector rides on the pure-Go modernc driver, so
// binaries build without cgo.
package connector

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	sqlite "modernc.org/sqlite"

	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/types"
)

// SQLite driver result codes that matter for retry classification.
const (
	sqliteBusy       = 5  // SQLITE_BUSY
	sqliteLocked     = 6  // SQLITE_LOCKED
	sqliteConstraint = 19 // SQLITE_CONSTRAINT
)

// SQLiteConnector opens sqlite connections. Each opened connection is an
// independent handle; pooling happens a layer above.
type SQLiteConnector struct{}

// NewSQLite creates a sqlite connector.
func NewSQLite() *SQLiteConnector {
	return &SQLiteConnector{}
}

// Open creates one connection to the database at dsn.
func (c *SQLiteConnector) Open(ctx context.Context, dsn string) (types.Conn, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionCreation, "failed to open database", err).
			WithComponent("connector")
	}

	// One handle per Conn; the pool above owns concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.ErrCodeConnectionCreation, "database unreachable", err).
			WithComponent("connector")
	}

	return &sqliteConn{db: db}, nil
}

type sqliteConn struct {
	db *sql.DB
}

// Execute runs one statement. Row-returning statements are materialized in
// full; everything else reports its affected row count.
func (c *sqliteConn) Execute(ctx context.Context, stmt string, params []interface{}) (*types.Rows, error) {
	if returnsRows(stmt) {
		return c.query(ctx, stmt, params)
	}
	return c.exec(ctx, stmt, params)
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqliteConn) Close() error {
	return c.db.Close()
}

func (c *sqliteConn) query(ctx context.Context, stmt string, params []interface{}) (*types.Rows, error) {
	rows, err := c.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Classify(err)
	}

	result := &types.Rows{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, Classify(err)
		}
		result.Values = append(result.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}

	result.RowsAffected = int64(len(result.Values))
	return result, nil
}

func (c *sqliteConn) exec(ctx context.Context, stmt string, params []interface{}) (*types.Rows, error) {
	result, err := c.db.ExecContext(ctx, stmt, params...)
	if err != nil {
		return nil, Classify(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &types.Rows{RowsAffected: affected}, nil
}

// returnsRows reports whether a statement produces a result set.
func returnsRows(stmt string) bool {
	head := strings.ToLower(strings.TrimSpace(stmt))
	for _, prefix := range []string{"select", "with", "pragma", "explain", "values"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// Classify maps a driver error onto the transient/permanent taxonomy. Busy
// and locked databases clear up on their own and are worth retrying;
// constraint violations never will.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.AsDataPathError(err) != nil {
		return err
	}

	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteBusy, sqliteLocked:
			return errors.Wrap(errors.ErrCodeStorageTransient, "database busy", err).
				WithComponent("connector")
		case sqliteConstraint:
			return errors.Wrap(errors.ErrCodeStoragePermanent, "constraint violation", err).
				WithComponent("connector").WithRetryable(false)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return errors.Wrap(errors.ErrCodeStorageTransient, "database busy", err).
			WithComponent("connector")
	case strings.Contains(msg, "constraint"):
		return errors.Wrap(errors.ErrCodeStoragePermanent, "constraint violation", err).
			WithComponent("connector").WithRetryable(false)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeOperationCanceled, "statement canceled", err).
			WithComponent("connector")
	}

	return errors.Wrap(errors.ErrCodeStoragePermanent, "statement failed", err).
		WithComponent("connector").WithRetryable(false)
}
