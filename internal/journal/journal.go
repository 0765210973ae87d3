// Package journal persists an append-only history of build runs to SQLite.
// The journal is write-only from the scheduler's point of view: it records
// what happened, it is never consulted to decide what to compile.
package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/dispatch"
)

// Journal appends run history to a SQLite database in WAL mode.
type Journal struct {
	db *sql.DB
}

// UnitRecord is one persisted unit outcome.
type UnitRecord struct {
	Unit      build.Unit
	Status    string
	Reason    string
	Artifacts []build.Artifact
}

// Open opens (or creates) the journal database and initializes the schema.
func Open(path string) (*Journal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(2)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		status      TEXT NOT NULL,
		jobs        INTEGER NOT NULL,
		units       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS unit_outcomes (
		run_id    INTEGER NOT NULL REFERENCES runs(id),
		unit      TEXT NOT NULL,
		status    TEXT NOT NULL,
		reason    TEXT,
		artifacts TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_unit_outcomes_run ON unit_outcomes(run_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordRun appends one finished run with all its unit outcomes in a single
// transaction and returns the run's row ID.
func (j *Journal) RecordRun(startedAt, finishedAt time.Time, jobs int, res *dispatch.Result) (int64, error) {
	status := "success"
	if res.Failed {
		status = "failure"
	}

	tx, err := j.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	row, err := tx.Exec(
		`INSERT INTO runs (started_at, finished_at, status, jobs, units) VALUES (?, ?, ?, ?, ?)`,
		startedAt.UTC().Format(time.RFC3339Nano),
		finishedAt.UTC().Format(time.RFC3339Nano),
		status, jobs, len(res.Outcomes),
	)
	if err != nil {
		return 0, err
	}
	runID, err := row.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, o := range res.Outcomes {
		unitStatus, reason := "success", ""
		if o.Failure != nil {
			unitStatus, reason = "failure", o.Failure.Reason
		}
		var artifacts []string
		for _, a := range o.Artifacts {
			artifacts = append(artifacts, string(a))
		}
		if _, err := tx.Exec(
			`INSERT INTO unit_outcomes (run_id, unit, status, reason, artifacts) VALUES (?, ?, ?, ?, ?)`,
			runID, string(o.Unit), unitStatus, reason, strings.Join(artifacts, ","),
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return runID, nil
}

// RunCount returns how many runs have been recorded.
func (j *Journal) RunCount() (int64, error) {
	var n int64
	err := j.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, err
}

// UnitOutcomes returns the persisted outcomes of one run in insertion order.
func (j *Journal) UnitOutcomes(runID int64) ([]UnitRecord, error) {
	rows, err := j.db.Query(
		`SELECT unit, status, reason, artifacts FROM unit_outcomes WHERE run_id = ? ORDER BY rowid`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UnitRecord
	for rows.Next() {
		var rec UnitRecord
		var unit, artifacts string
		if err := rows.Scan(&unit, &rec.Status, &rec.Reason, &artifacts); err != nil {
			return nil, err
		}
		rec.Unit = build.Unit(unit)
		if artifacts != "" {
			for _, a := range strings.Split(artifacts, ",") {
				rec.Artifacts = append(rec.Artifacts, build.Artifact(a))
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
