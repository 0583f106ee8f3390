package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// sqlite caps bound parameters per statement
const maxParams = 32000

// batchInsert inserts rows in chunks of multi-row INSERT statements
func batchInsert(q queryer, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	perStmt := maxParams / len(columns)
	if perStmt < 1 {
		perStmt = 1
	}
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		var sb strings.Builder
		sb.WriteString(head)
		args := make([]any, 0, (end-start)*len(columns))
		for i, row := range rows[start:end] {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(rowPlaceholder)
			args = append(args, row...)
		}
		if _, err := q.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
