package sink

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/sensor"
)

const schema = `
CREATE TABLE IF NOT EXISTS measurements (
	address   TEXT NOT NULL,
	type      TEXT NOT NULL,
	value     REAL NOT NULL,
	unit      TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	source    TEXT NOT NULL,
	record_id INTEGER NOT NULL DEFAULT 0,
	salt      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (address, type, ts, record_id, salt)
);`

// SQLite persists measurements with an idempotent insert: replaying a batch
// after a crash between read and ack inserts no duplicate rows.
type SQLite struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLite opens (and if needed initialises) the database at path.
func NewSQLite(path string, logger *logrus.Logger) (*SQLite, error) {
	if logger == nil {
		logger = logrus.New()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Deliver(batch []sensor.Measurement) bool {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.WithField("error", err).Error("SQLite sink begin failed, batch not accepted")
		return false
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO measurements
		(address, type, value, unit, ts, source, record_id, salt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		s.logger.WithField("error", err).Error("SQLite sink prepare failed, batch not accepted")
		return false
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.Exec(
			m.Address, string(m.Type), m.Value, m.Unit,
			m.TimestampUTC.Unix(), string(m.Source), m.ID, m.Salt,
		); err != nil {
			_ = tx.Rollback()
			s.logger.WithField("error", err).Error("SQLite sink insert failed, batch not accepted")
			return false
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.WithField("error", err).Error("SQLite sink commit failed, batch not accepted")
		return false
	}
	return true
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Count reports the number of stored measurements; used by diagnostics.
func (s *SQLite) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM measurements`).Scan(&n)
	return n, err
}
