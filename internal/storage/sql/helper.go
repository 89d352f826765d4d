package sql

import (
	"fmt"
	"strings"

	"github.com/eval-hub/bench-runner/internal/storage/sql/schemas"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// timestampLayout is fixed width so that the TEXT columns sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

const runColumns = `id, benchmark, model, status, created_at, started_at, finished_at, exit_code, error, artifact_dir, command, config, primary_metric, primary_metric_name`

const INSERT_RUN_STATEMENT = `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

const SELECT_RUN_STATEMENT = `SELECT ` + runColumns + ` FROM runs WHERE id = ?;`

// the compare-and-set: the update only matches while the status is unchanged
const UPDATE_RUN_STATEMENT = `UPDATE runs SET status = ?, started_at = ?, finished_at = ?, exit_code = ?, error = ?, primary_metric = ?, primary_metric_name = ? WHERE id = ? AND status = ?;`

func getUnsupportedDriverError(driver string) error {
	return fmt.Errorf("unsupported driver: %s", driver)
}

func schemasForDriver(driver string) (string, error) {
	schema := schemas.SchemaForDriver(driver)
	if schema == "" {
		return "", getUnsupportedDriverError(driver)
	}
	return schema, nil
}

// rebind rewrites ? placeholders into the syntax of the driver.
func rebind(driver string, query string) (string, error) {
	switch driver {
	case SQLITE_DRIVER:
		return query, nil
	case POSTGRES_DRIVER:
		var b strings.Builder
		n := 0
		for _, r := range query {
			if r == '?' {
				n++
				fmt.Fprintf(&b, "$%d", n)
				continue
			}
			b.WriteRune(r)
		}
		return b.String(), nil
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// createSelectRunForUpdateStatement locks the row on drivers that support it.
// sqlite serializes writers so the plain select is enough there.
func createSelectRunForUpdateStatement(driver string) (string, error) {
	switch driver {
	case SQLITE_DRIVER:
		return SELECT_RUN_STATEMENT, nil
	case POSTGRES_DRIVER:
		return rebind(driver, strings.TrimSuffix(SELECT_RUN_STATEMENT, ";")+" FOR UPDATE;")
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// createRunFilterClause returns the WHERE clause and args for a run filter.
func createRunFilterClause(filter api.RunFilter) (string, []any) {
	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Benchmark != "" {
		conditions = append(conditions, "benchmark = ?")
		args = append(args, filter.Benchmark)
	}
	if filter.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, filter.Model)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// createCountRunsStatement returns a driver-specific COUNT statement for the filter
func createCountRunsStatement(driver string, filter api.RunFilter) (string, []any, error) {
	where, args := createRunFilterClause(filter)
	query, err := rebind(driver, `SELECT COUNT(*) FROM runs`+where+`;`)
	return query, args, err
}

// createListRunsStatement returns a driver-specific SELECT statement for one
// page of runs, newest first
func createListRunsStatement(driver string, filter api.RunFilter) (string, []any, error) {
	where, args := createRunFilterClause(filter)
	args = append(args, filter.Limit, filter.Offset)
	query, err := rebind(driver, `SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`)
	return query, args, err
}
