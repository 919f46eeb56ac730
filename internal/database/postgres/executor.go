package postgres

import (
	"context"
	"reflect"

	"github.com/bardlex/gomp-settlement/pkg/errors"
)

// Statement is one labeled query of a transaction. Statements with a Dest
// are run as queries and their rows are scanned into Dest, which must be a
// pointer to a slice; all others are run as commands.
type Statement struct {
	Name  string
	Query string
	Args  []any
	Dest  any
}

// Result reports the outcome of one statement, in statement order
type Result struct {
	Name         string
	RowsAffected int64
}

// Execute runs stmts in a single transaction. Either every statement is
// applied or none is; on error the transaction is rolled back and the
// failing statement name is attached to the error context.
func (c *Client) Execute(ctx context.Context, stmts ...Statement) ([]Result, error) {
	if len(stmts) == 0 {
		return nil, nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "begin",
			"failed to begin transaction")
	}

	results := make([]Result, 0, len(stmts))
	for _, stmt := range stmts {
		var affected int64

		if stmt.Dest != nil {
			// Dest may be shared by the chunks of one insert; count only this statement's rows
			before := rowCount(stmt.Dest)
			if err := tx.SelectContext(ctx, stmt.Dest, stmt.Query, stmt.Args...); err != nil {
				_ = tx.Rollback()
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "execute",
					"statement failed").
					WithContext("statement", stmt.Name)
			}
			affected = rowCount(stmt.Dest) - before
		} else {
			res, err := tx.ExecContext(ctx, stmt.Query, stmt.Args...)
			if err != nil {
				_ = tx.Rollback()
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "execute",
					"statement failed").
					WithContext("statement", stmt.Name)
			}
			if affected, err = res.RowsAffected(); err != nil {
				affected = -1
			}
		}

		results = append(results, Result{Name: stmt.Name, RowsAffected: affected})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "commit",
			"failed to commit transaction").
			WithContext("statements", len(stmts))
	}

	return results, nil
}

// rowCount returns the length of the slice Dest points to
func rowCount(dest any) int64 {
	v := reflect.ValueOf(dest)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Slice {
		return 0
	}
	return int64(v.Len())
}
