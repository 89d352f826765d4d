package schemas

const SQLITE_SCHEMA = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    benchmark TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    exit_code INTEGER,
    error TEXT NOT NULL DEFAULT '',
    artifact_dir TEXT NOT NULL,
    command TEXT NOT NULL,
    config TEXT NOT NULL,
    primary_metric REAL,
    primary_metric_name TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_status
ON runs (status);

CREATE INDEX IF NOT EXISTS idx_runs_created_at
ON runs (created_at);
`

const POSTGRES_SCHEMA = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    benchmark TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    exit_code INTEGER,
    error TEXT NOT NULL DEFAULT '',
    artifact_dir TEXT NOT NULL,
    command TEXT NOT NULL,
    config JSONB NOT NULL,
    primary_metric DOUBLE PRECISION,
    primary_metric_name TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_status
ON runs (status);

CREATE INDEX IF NOT EXISTS idx_runs_created_at
ON runs (created_at);
`

func SchemaForDriver(driver string) string {
	switch driver {
	case "sqlite":
		return SQLITE_SCHEMA
	case "pgx":
		return POSTGRES_SCHEMA
	default:
		return ""
	}
}
