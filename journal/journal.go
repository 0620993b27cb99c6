package journal

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal is an optional append-only SQLite log of session and commit
// events, kept for post-performance review. It is write-only at
// runtime and never read back at startup, so no shared state survives
// a server restart through it. A nil *Journal is valid and records
// nothing.
type Journal struct {
	conn *sql.DB
}

// Event kinds recorded by the server.
const (
	EventLogin      = "login"
	EventRequest    = "request"
	EventPush       = "push"
	EventRelease    = "release"
	EventDisconnect = "disconnect"
	EventShutdown   = "shutdown"
)

func New(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	j := &Journal{conn: conn}
	if err := j.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return j, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.conn.Close()
}

func (j *Journal) init() error {
	_, err := j.conn.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		kind TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		codelet_id INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`)
	return err
}

// Record appends one event. Safe on a nil journal.
func (j *Journal) Record(kind string, userID, codeletID int, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.conn.Exec(
		`INSERT INTO events (at, kind, user_id, codelet_id, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), kind, userID, codeletID, detail,
	)
	return err
}

// Count returns the number of recorded events, for the stats surface.
func (j *Journal) Count() (int, error) {
	if j == nil {
		return 0, nil
	}
	var n int
	err := j.conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
