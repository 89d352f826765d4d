package sql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/pkg/api"
)

//#######################################################################
// Run record operations
//#######################################################################

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}

func optionalFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func scanRun(row rowScanner) (*api.RunRecord, error) {
	var (
		record        api.RunRecord
		status        string
		createdAt     string
		startedAt     sql.NullString
		finishedAt    sql.NullString
		exitCode      sql.NullInt64
		configJSON    string
		primaryMetric sql.NullFloat64
	)
	err := row.Scan(&record.RunID, &record.Benchmark, &record.Model, &status, &createdAt, &startedAt, &finishedAt,
		&exitCode, &record.Error, &record.ArtifactDir, &record.Command, &configJSON, &primaryMetric, &record.PrimaryMetricName)
	if err != nil {
		return nil, err
	}
	record.Status = api.RunStatus(status)
	if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if record.StartedAt, err = parseOptionalTime(startedAt); err != nil {
		return nil, err
	}
	if record.FinishedAt, err = parseOptionalTime(finishedAt); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		record.ExitCode = &code
	}
	if primaryMetric.Valid {
		metric := primaryMetric.Float64
		record.PrimaryMetric = &metric
	}
	if err := json.Unmarshal([]byte(configJSON), &record.Config); err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateRun inserts a new run record. The record must be in the queued state.
func (s *SQLStorage) CreateRun(run *api.RunRecord) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	insertStatement, err := rebind(s.sqlConfig.Driver, INSERT_RUN_STATEMENT)
	if err != nil {
		return serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	s.logger.Info("Creating run", "id", run.RunID, "status", run.Status)
	_, err = s.exec(insertStatement,
		run.RunID, run.Benchmark, run.Model, string(run.Status), formatTime(run.CreatedAt),
		formatOptionalTime(run.StartedAt), formatOptionalTime(run.FinishedAt), optionalInt(run.ExitCode),
		run.Error, run.ArtifactDir, run.Command, string(configJSON), optionalFloat(run.PrimaryMetric), run.PrimaryMetricName)
	if err != nil {
		s.logger.Error("Failed to create run", "error", err, "id", run.RunID)
		return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "run", "ResourceId", run.RunID, "Error", err.Error())
	}
	return nil
}

func (s *SQLStorage) GetRun(id string) (*api.RunRecord, error) {
	selectQuery, err := rebind(s.sqlConfig.Driver, SELECT_RUN_STATEMENT)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	record, err := scanRun(s.pool.QueryRowContext(s.ctx, selectQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, serviceerrors.NewServiceError(messages.RunNotFound, "RunId", id)
		}
		s.logger.Error("Failed to get run", "error", err, "id", id)
		return nil, serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "run", "ResourceId", id, "Error", err.Error())
	}
	return record, nil
}

// ListRuns returns one page of runs, newest first, and the number of runs
// matching the filter.
func (s *SQLStorage) ListRuns(filter api.RunFilter) (*abstractions.QueryResults[api.RunRecord], error) {
	countQuery, countArgs, err := createCountRunsStatement(s.sqlConfig.Driver, filter)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	var totalCount int
	if err := s.pool.QueryRowContext(s.ctx, countQuery, countArgs...).Scan(&totalCount); err != nil {
		s.logger.Error("Failed to count runs", "error", err)
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "runs", "Error", err.Error())
	}

	listQuery, listArgs, err := createListRunsStatement(s.sqlConfig.Driver, filter)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	rows, err := s.pool.QueryContext(s.ctx, listQuery, listArgs...)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "runs", "Error", err.Error())
	}
	defer rows.Close()

	items := make([]api.RunRecord, 0, filter.Limit)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			s.logger.Error("Failed to scan run row", "error", err)
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "runs", "Error", err.Error())
		}
		items = append(items, *record)
	}
	if err = rows.Err(); err != nil {
		s.logger.Error("Error iterating run rows", "error", err)
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "runs", "Error", err.Error())
	}

	return &abstractions.QueryResults[api.RunRecord]{
		Items:       items,
		TotalStored: totalCount,
	}, nil
}

// TransitionRun applies a guarded status change inside one transaction.
// started_at is only set when entering running and finished_at only when
// entering a terminal status, and neither is ever overwritten.
func (s *SQLStorage) TransitionRun(id string, transition *api.RunTransition) (*api.RunRecord, bool, error) {
	var result *api.RunRecord
	applied := false

	err := s.withTransaction("transition run", id, func(txn *sql.Tx) error {
		selectQuery, err := createSelectRunForUpdateStatement(s.sqlConfig.Driver)
		if err != nil {
			return serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error()).WithRollback()
		}
		current, err := scanRun(txn.QueryRowContext(s.ctx, selectQuery, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return serviceerrors.NewServiceError(messages.RunNotFound, "RunId", id).WithRollback()
			}
			s.logger.Error("Failed to read run for transition", "error", err, "id", id)
			return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "run", "ResourceId", id, "Error", err.Error()).WithRollback()
		}
		if !slices.Contains(transition.From, current.Status) {
			result = current
			return nil
		}

		next := *current
		next.Status = transition.To
		at := transition.At.UTC()
		if transition.To == api.RunStatusRunning && next.StartedAt == nil {
			next.StartedAt = &at
		}
		if transition.To.IsTerminal() && next.FinishedAt == nil {
			next.FinishedAt = &at
		}
		if transition.ExitCode != nil {
			next.ExitCode = transition.ExitCode
		}
		if transition.Error != "" {
			next.Error = transition.Error
		}
		if transition.PrimaryMetric != nil {
			next.PrimaryMetric = transition.PrimaryMetric
			next.PrimaryMetricName = transition.PrimaryMetricName
		}

		updateQuery, err := rebind(s.sqlConfig.Driver, UPDATE_RUN_STATEMENT)
		if err != nil {
			return serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error()).WithRollback()
		}
		res, err := txn.ExecContext(s.ctx, updateQuery,
			string(next.Status), formatOptionalTime(next.StartedAt), formatOptionalTime(next.FinishedAt),
			optionalInt(next.ExitCode), next.Error, optionalFloat(next.PrimaryMetric), next.PrimaryMetricName,
			id, string(current.Status))
		if err != nil {
			s.logger.Error("Failed to transition run", "error", err, "id", id, "from", current.Status, "to", next.Status)
			return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "run", "ResourceId", id, "Error", err.Error()).WithRollback()
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "run", "ResourceId", id, "Error", err.Error()).WithRollback()
		}
		if rowsAffected == 0 {
			// lost a race with another writer, report what is stored now
			latest, err := scanRun(txn.QueryRowContext(s.ctx, selectQuery, id))
			if err != nil {
				return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "run", "ResourceId", id, "Error", err.Error()).WithRollback()
			}
			result = latest
			return nil
		}
		s.logger.Info("Transitioned run", "id", id, "from", current.Status, "to", next.Status)
		result = &next
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}
