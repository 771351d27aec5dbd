package sqlite

// schemaDDL is applied on every Open; all statements are idempotent.
//
// Uniqueness invariants: one file per (run, path); one POI per
// (run, file, name, kind, start line) and per (run, semantic id) once the
// id is assigned; one relationship row per (run, fingerprint); one summary
// per (run, directory). Deleting a run cascades through everything except
// outbox, which ClearRun removes explicitly.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT PRIMARY KEY,
    target_dir TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    path       TEXT NOT NULL,
    hash       TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending'
               CHECK (status IN ('pending','processed','failed')),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (run_id, path)
);
CREATE INDEX IF NOT EXISTS idx_files_run    ON files(run_id);
CREATE INDEX IF NOT EXISTS idx_files_lookup ON files(path, status, id);

CREATE TABLE IF NOT EXISTS pois (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    file_id     INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    file_path   TEXT NOT NULL,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    start_line  INTEGER NOT NULL DEFAULT 0,
    end_line    INTEGER NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    exported    INTEGER NOT NULL DEFAULT 0,
    semantic_id TEXT NOT NULL DEFAULT '',
    validated   INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL,
    UNIQUE (run_id, file_id, name, kind, start_line)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pois_semantic
    ON pois(run_id, semantic_id) WHERE semantic_id <> '';
CREATE INDEX IF NOT EXISTS idx_pois_file ON pois(file_id);
CREATE INDEX IF NOT EXISTS idx_pois_name ON pois(run_id, file_path, name);

CREATE TABLE IF NOT EXISTS relationships (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    fingerprint TEXT NOT NULL,
    from_poi_id INTEGER NOT NULL REFERENCES pois(id) ON DELETE CASCADE,
    to_poi_id   INTEGER NOT NULL REFERENCES pois(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    confidence  REAL NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'PENDING'
                CHECK (status IN ('PENDING','VALIDATED','DISCARDED')),
    level       TEXT NOT NULL DEFAULT 'file'
                CHECK (level IN ('file','directory','global')),
    conflict    INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL,
    UNIQUE (run_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_relationships_status ON relationships(run_id, status);

CREATE TABLE IF NOT EXISTS relationship_evidence (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    fingerprint TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_fingerprint
    ON relationship_evidence(run_id, fingerprint, id);

CREATE TABLE IF NOT EXISTS outbox (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         TEXT NOT NULL,
    kind           TEXT NOT NULL,
    payload        TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'PENDING'
                   CHECK (status IN ('PENDING','IN_PROGRESS','PROCESSED','FAILED')),
    reason         TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL,
    claimed_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox(status, id);

CREATE TABLE IF NOT EXISTS directory_summaries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    dir_path   TEXT NOT NULL,
    summary    TEXT NOT NULL,
    file_count INTEGER NOT NULL DEFAULT 0,
    poi_count  INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (run_id, dir_path)
);

CREATE TABLE IF NOT EXISTS run_stats (
    run_id         TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
    jobs_created   INTEGER NOT NULL DEFAULT 0,
    jobs_completed INTEGER NOT NULL DEFAULT 0,
    jobs_failed    INTEGER NOT NULL DEFAULT 0,
    last_activity  TIMESTAMP NOT NULL,
    deadlocked     INTEGER NOT NULL DEFAULT 0
);
`
