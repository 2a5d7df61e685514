package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

type Store struct {
	DB *sql.DB

	// serializes mutations; SQLite allows a single writer anyway and this
	// keeps concurrent handlers from surfacing SQLITE_BUSY.
	writeMu sync.Mutex
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode (important for concurrency)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func runMigrations(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  src TEXT NOT NULL,
  procs INTEGER NOT NULL DEFAULT 1,
  mem INTEGER NOT NULL DEFAULT 0,
  cwd TEXT NOT NULL,
  env TEXT NOT NULL DEFAULT '{}',
  stdout_path TEXT NOT NULL,
  stderr_path TEXT NOT NULL,
  uid INTEGER NOT NULL DEFAULT -1,
  gid INTEGER NOT NULL DEFAULT -1,
  state TEXT NOT NULL CHECK (state IN ('queued','held','running','succeeded','failed','killed')),
  retcode INTEGER,
  pid INTEGER,
  error TEXT,
  submitted_at TEXT NOT NULL,
  started_at TEXT,
  ended_at TEXT,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_state ON jobs(state, id);

CREATE TABLE IF NOT EXISTS job_deps (
  job_id INTEGER NOT NULL,
  dep_id INTEGER NOT NULL,
  PRIMARY KEY (job_id, dep_id)
);

CREATE INDEX IF NOT EXISTS job_deps_dep ON job_deps(dep_id);

CREATE TABLE IF NOT EXISTS archive (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  src TEXT NOT NULL,
  procs INTEGER NOT NULL,
  mem INTEGER NOT NULL,
  cwd TEXT NOT NULL,
  env TEXT NOT NULL,
  stdout_path TEXT NOT NULL,
  stderr_path TEXT NOT NULL,
  uid INTEGER NOT NULL,
  gid INTEGER NOT NULL,
  state TEXT NOT NULL,
  retcode INTEGER,
  pid INTEGER,
  error TEXT,
  submitted_at TEXT NOT NULL,
  started_at TEXT,
  ended_at TEXT,
  updated_at TEXT NOT NULL,
  dependencies TEXT NOT NULL DEFAULT '[]',
  archived_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}
