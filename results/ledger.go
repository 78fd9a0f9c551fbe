package results

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Ledger appends every finished run to a SQLite table so sweeps over seeds,
// noise levels and strategies can be compared later.
type Ledger struct {
	db *sql.DB
}

// Entry is one ledger row.
type Entry struct {
	ID              int64
	Timestamp       time.Time
	ExperimentID    string
	RunUUID         string
	Dataset         string
	CorruptionType  string
	CorruptionLevel float64
	GoldFraction    float64
	Strategy        string
	Accuracy        float64
}

// OpenLedger opens or creates the ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			experiment_id TEXT NOT NULL,
			run_uuid TEXT NOT NULL,
			dataset TEXT NOT NULL,
			corruption_type TEXT NOT NULL,
			corruption_level REAL NOT NULL,
			gold_fraction REAL NOT NULL,
			strategy TEXT NOT NULL,
			accuracy REAL NOT NULL,
			results TEXT NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create ledger table")
	}
	return &Ledger{db: db}, nil
}

// Append records r. The method accuracy is stored in its own column; all
// results are kept as JSON.
func (l *Ledger) Append(r *Record) error {
	raw, err := json.Marshal(r.Results)
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}
	_, err = l.db.Exec(`INSERT INTO runs(ts, experiment_id, run_uuid, dataset, corruption_type,
		corruption_level, gold_fraction, strategy, accuracy, results) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		float64(r.CreatedAt.UnixMilli())/1000.0, r.ExperimentID, r.RunUUID, r.Config.Dataset, r.Config.CorruptionType,
		r.Config.CorruptionLevel, r.Config.GoldFraction, r.Config.JVPMethod, r.Results[MethodKey], string(raw))
	return errors.Wrap(err, "failed to append run")
}

// List returns the runs of experimentID in insertion order, or every run
// when experimentID is empty.
func (l *Ledger) List(experimentID string) ([]Entry, error) {
	query := `SELECT id, ts, experiment_id, run_uuid, dataset, corruption_type, corruption_level,
		gold_fraction, strategy, accuracy FROM runs`
	var args []interface{}
	if experimentID != "" {
		query += " WHERE experiment_id = ?"
		args = append(args, experimentID)
	}
	query += " ORDER BY id ASC"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ledger")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts float64
		if err := rows.Scan(&e.ID, &ts, &e.ExperimentID, &e.RunUUID, &e.Dataset, &e.CorruptionType,
			&e.CorruptionLevel, &e.GoldFraction, &e.Strategy, &e.Accuracy); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger row")
		}
		e.Timestamp = time.UnixMilli(int64(ts * 1000)).UTC()
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read ledger")
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
