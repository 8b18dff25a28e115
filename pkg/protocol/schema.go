package protocol

// SchemaDDL defines the SQLite schema for the broker's local datastore.
// Tables: results, empty_results, errors, services, heuristics, safelist,
// badlist.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Full results keyed by result key
CREATE TABLE IF NOT EXISTS results (
    key TEXT PRIMARY KEY,
    sha256 TEXT NOT NULL,
    service TEXT NOT NULL,
    score INTEGER NOT NULL DEFAULT 0,
    body TEXT NOT NULL,
    expiry_ts TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Markers for results that had nothing to report (key ends in ".e")
CREATE TABLE IF NOT EXISTS empty_results (
    key TEXT PRIMARY KEY,
    expiry_ts TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Terminal service errors keyed by error key
CREATE TABLE IF NOT EXISTS errors (
    key TEXT PRIMARY KEY,
    sid TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    service TEXT NOT NULL,
    status TEXT NOT NULL,
    type TEXT NOT NULL,
    body TEXT NOT NULL,
    expiry_ts TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Registered services; one row per name+version
CREATE TABLE IF NOT EXISTS services (
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    body TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (name, version)
);

-- Which version of each service is current
CREATE TABLE IF NOT EXISTS service_delta (
    name TEXT PRIMARY KEY,
    version TEXT NOT NULL
);

-- Heuristic definitions used to score result sections
CREATE TABLE IF NOT EXISTS heuristics (
    heur_id TEXT PRIMARY KEY,
    score INTEGER NOT NULL DEFAULT 0,
    attack_id TEXT,
    body TEXT NOT NULL
);

-- Known-good files and tags; id is ListItem.ID()
CREATE TABLE IF NOT EXISTS safelist (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    sha256 TEXT,
    sha1 TEXT,
    md5 TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    body TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Known-bad files and tags; id is ListItem.ID()
CREATE TABLE IF NOT EXISTS badlist (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    sha256 TEXT,
    sha1 TEXT,
    md5 TEXT,
    ssdeep TEXT,
    tlsh TEXT,
    tag_type TEXT,
    tag_value TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    body TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_results_sha256 ON results(sha256);
CREATE INDEX IF NOT EXISTS idx_badlist_tag ON badlist(tag_type, tag_value);
CREATE INDEX IF NOT EXISTS idx_errors_sid ON errors(sid);
`
