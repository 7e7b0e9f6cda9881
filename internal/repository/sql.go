package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// exec rebinds a '?' query for the connected driver and reports the number of
// rows it touched. Status-guarded updates read a zero count as "another
// invocation got there first".
func exec(ctx context.Context, db *sqlx.DB, query string, args ...interface{}) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// inQuery expands slice arguments with sqlx.In and rebinds the result.
func inQuery(db *sqlx.DB, query string, args ...interface{}) (string, []interface{}, error) {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return db.Rebind(q), expanded, nil
}

func prefixed(alias string, columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func utc(t time.Time) time.Time { return t.UTC() }

func isNoRows(err error) bool { return err == sql.ErrNoRows }
