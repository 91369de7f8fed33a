package store

// schema is applied on open; both statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    scope_slug  TEXT NOT NULL,
    status      TEXT NOT NULL,
    signal      TEXT NOT NULL DEFAULT '',
    exit_status TEXT NOT NULL DEFAULT '',
    iterations  INTEGER NOT NULL DEFAULT 0,
    residual    INTEGER NOT NULL DEFAULT 0,
    started_at  TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_scope ON runs(scope_slug, updated_at);

CREATE TABLE IF NOT EXISTS iterations (
    run_id            TEXT NOT NULL,
    iteration         INTEGER NOT NULL,
    reported_findings INTEGER NOT NULL DEFAULT 0,
    new_findings      INTEGER NOT NULL DEFAULT 0,
    fixed             INTEGER NOT NULL DEFAULT 0,
    deferred          INTEGER NOT NULL DEFAULT 0,
    dropped           INTEGER NOT NULL DEFAULT 0,
    validation_result TEXT NOT NULL DEFAULT '',
    commit_hash       TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, iteration)
);
`
