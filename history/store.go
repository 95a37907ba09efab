// Package history keeps a SQLite ledger of training runs and their
// per-epoch metrics.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/matripixel/anemia-detector/training"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	data_dir      TEXT NOT NULL,
	epochs        INTEGER NOT NULL,
	batch_size    INTEGER NOT NULL,
	learning_rate REAL NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	best_epoch    INTEGER,
	best_auc      REAL,
	stopped_early INTEGER
);

CREATE TABLE IF NOT EXISTS epochs (
	run_id         TEXT NOT NULL,
	epoch          INTEGER NOT NULL,
	phase          INTEGER NOT NULL,
	learning_rate  REAL NOT NULL,
	loss           REAL NOT NULL,
	accuracy       REAL NOT NULL,
	precision      REAL NOT NULL,
	recall         REAL NOT NULL,
	auc            REAL NOT NULL,
	val_loss       REAL NOT NULL,
	val_accuracy   REAL NOT NULL,
	val_precision  REAL NOT NULL,
	val_recall     REAL NOT NULL,
	val_auc        REAL NOT NULL,
	improved       INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// RunParams describes a run when it starts.
type RunParams struct {
	DataDir      string
	Epochs       int
	BatchSize    int
	LearningRate float64
}

// RunSummary is a finished or in-progress run as stored in the ledger.
type RunSummary struct {
	RunID        string
	RunParams
	StartedAt    time.Time
	FinishedAt   *time.Time
	BestEpoch    int
	BestAUC      float64
	StoppedEarly bool
}

// EpochRow is one stored epoch.
type EpochRow struct {
	Epoch        int
	Phase        int
	LearningRate float64
	ValAUC       float64
	ValLoss      float64
	Improved     bool
}

// Store manages the run ledger in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// StartRun inserts a run row and returns a recorder bound to it.
func (s *Store) StartRun(runID string, p RunParams) (*RunRecorder, error) {
	if runID == "" {
		runID = NewRunID()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, data_dir, epochs, batch_size, learning_rate, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, p.DataDir, p.Epochs, p.BatchSize, p.LearningRate, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &RunRecorder{store: s, runID: runID}, nil
}

// Run loads a run summary.
func (s *Store) Run(runID string) (RunSummary, error) {
	var (
		rs         RunSummary
		started    string
		finished   sql.NullString
		bestEpoch  sql.NullInt64
		bestAUC    sql.NullFloat64
		stoppedInt sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT run_id, data_dir, epochs, batch_size, learning_rate, started_at, finished_at, best_epoch, best_auc, stopped_early
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&rs.RunID, &rs.DataDir, &rs.Epochs, &rs.BatchSize, &rs.LearningRate, &started, &finished, &bestEpoch, &bestAUC, &stoppedInt)
	if err != nil {
		return RunSummary{}, fmt.Errorf("query run %s: %w", runID, err)
	}

	if rs.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return RunSummary{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return RunSummary{}, fmt.Errorf("parse finished_at: %w", err)
		}
		rs.FinishedAt = &t
	}
	rs.BestEpoch = -1
	if bestEpoch.Valid {
		rs.BestEpoch = int(bestEpoch.Int64)
	}
	rs.BestAUC = bestAUC.Float64
	rs.StoppedEarly = stoppedInt.Int64 != 0
	return rs, nil
}

// Epochs returns the stored epochs of a run in order.
func (s *Store) Epochs(runID string) ([]EpochRow, error) {
	rows, err := s.db.Query(
		`SELECT epoch, phase, learning_rate, val_auc, val_loss, improved
		 FROM epochs WHERE run_id = ? ORDER BY epoch`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochRow
	for rows.Next() {
		var r EpochRow
		var improved int
		if err := rows.Scan(&r.Epoch, &r.Phase, &r.LearningRate, &r.ValAUC, &r.ValLoss, &improved); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		r.Improved = improved != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunRecorder appends epochs to a single run. It satisfies
// training.EpochRecorder.
type RunRecorder struct {
	store *Store
	runID string
}

// RunID returns the run the recorder writes to.
func (r *RunRecorder) RunID() string {
	return r.runID
}

// RecordEpoch stores one epoch's metrics.
func (r *RunRecorder) RecordEpoch(m training.EpochMetrics, improved bool) error {
	_, err := r.store.db.Exec(
		`INSERT INTO epochs (run_id, epoch, phase, learning_rate,
		   loss, accuracy, precision, recall, auc,
		   val_loss, val_accuracy, val_precision, val_recall, val_auc,
		   improved, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, m.Epoch, m.Phase, m.LearningRate,
		m.Train.Loss, m.Train.Accuracy, m.Train.Precision, m.Train.Recall, m.Train.AUC,
		m.Val.Loss, m.Val.Accuracy, m.Val.Precision, m.Val.Recall, m.Val.AUC,
		boolToInt(improved), m.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert epoch %d: %w", m.Epoch, err)
	}
	return nil
}

// Finish stamps the run's outcome.
func (r *RunRecorder) Finish(state *training.RunState, stoppedEarly bool) error {
	_, err := r.store.db.Exec(
		`UPDATE runs SET finished_at = ?, best_epoch = ?, best_auc = ?, stopped_early = ? WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), state.BestEpoch, state.BestAUC, boolToInt(stoppedEarly), r.runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
