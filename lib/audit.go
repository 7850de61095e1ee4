package tardis

import (
	"database/sql"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const auditFileName = "tardis_audit.db"

// AuditJournal is a best-effort local record of completed operations:
// never required to make a decision, only to let an operator inspect
// history after the fact. A journal write failure is
// logged and swallowed, never surfaced to the caller.
type AuditJournal struct {
	db *sql.DB
}

// OpenAuditJournal opens (creating if absent) "<base>/tardis_audit.db" and
// ensures its schema exists.
func OpenAuditJournal(base string) (*AuditJournal, error) {
	path := filepath.Join(base, auditFileName)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, metaIOErrorf(err, "open audit journal %q", path)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		tree_id TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		bytes_reclaimed INTEGER NOT NULL DEFAULT 0,
		snapshots_reclaimed INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, metaIOErrorf(err, "create audit schema in %q", path)
	}

	return &AuditJournal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *AuditJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends one row describing a completed operation. Any failure is
// logged at warn level and otherwise ignored: the journal is a convenience,
// not part of the admit/rotate/stamp contract.
func (j *AuditJournal) Record(operation, treeID string, occurredAt int64, outcome string, bytesReclaimed int64, snapshotsReclaimed int, detail string) {
	if j == nil || j.db == nil {
		return
	}

	_, err := j.db.Exec(
		`INSERT INTO operations (operation, tree_id, occurred_at, outcome, bytes_reclaimed, snapshots_reclaimed, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		operation, treeID, occurredAt, outcome, bytesReclaimed, snapshotsReclaimed, detail,
	)
	if err != nil {
		zlog.Warn("audit journal write failed, continuing",
			zap.String("operation", operation),
			zap.String("tree_id", treeID),
			zap.Error(err),
		)
	}
}

// AuditEntry is one row of operation history, returned by History.
type AuditEntry struct {
	Operation          string
	TreeID             string
	OccurredAt         int64
	Outcome            string
	BytesReclaimed     int64
	SnapshotsReclaimed int
	Detail             string
}

// History returns the most recent entries for treeID, newest first, for
// the "tardis history <id>" operator command.
func (j *AuditJournal) History(treeID string, limit int) ([]AuditEntry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}

	rows, err := j.db.Query(
		`SELECT operation, tree_id, occurred_at, outcome, bytes_reclaimed, snapshots_reclaimed, detail
		 FROM operations WHERE tree_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		treeID, limit,
	)
	if err != nil {
		return nil, metaIOErrorf(err, "query audit history for %q", treeID)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Operation, &e.TreeID, &e.OccurredAt, &e.Outcome, &e.BytesReclaimed, &e.SnapshotsReclaimed, &e.Detail); err != nil {
			return nil, metaIOErrorf(err, "scan audit row")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, metaIOErrorf(err, "read audit history for %q", treeID)
	}
	return entries, nil
}
