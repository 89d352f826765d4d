package sql

import (
	"database/sql"
	"errors"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
)

type TransactionFunction func(*sql.Tx) error

// txOptions returns the isolation used for run transitions. SQLite serializes
// writers already; postgres needs the row lock taken by SELECT ... FOR UPDATE.
func (s *SQLStorage) txOptions() *sql.TxOptions {
	if s.sqlConfig.Driver == POSTGRES_DRIVER {
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return nil
}

// withTransaction runs fn in one transaction. Service errors without a
// rollback flag still commit.
func (s *SQLStorage) withTransaction(operation string, runID string, fn TransactionFunction) error {
	txn, err := s.pool.BeginTx(s.ctx, s.txOptions())
	if err != nil {
		return s.transactionFailed("begin", operation, runID, err)
	}

	fnErr := fn(txn)
	if shouldCommit(fnErr) {
		if err := txn.Commit(); err != nil {
			return s.transactionFailed("commit", operation, runID, err)
		}
		return fnErr
	}
	if err := txn.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return s.transactionFailed("rollback", operation, runID, err)
	}
	return fnErr
}

func shouldCommit(err error) bool {
	if err == nil {
		return true
	}
	var se abstractions.ServiceError
	if errors.As(err, &se) {
		return !se.ShouldRollback()
	}
	return false
}

func (s *SQLStorage) transactionFailed(step string, operation string, runID string, err error) error {
	s.logger.Error("Run transaction failed", "step", step, "operation", operation, "run_id", runID, "error", err.Error())
	return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", step+" "+operation, "ResourceId", runID, "Error", err.Error())
}
