package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matripixel/anemia-detector/training"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func epochMetrics(epoch, phase int, valAUC float64) training.EpochMetrics {
	return training.EpochMetrics{
		Epoch:        epoch,
		Phase:        phase,
		LearningRate: 0.001,
		Train:        training.MetricsRecord{Loss: 0.6, Accuracy: 0.7, Precision: 0.7, Recall: 0.6, AUC: 0.75},
		Val:          training.MetricsRecord{Loss: 0.5, Accuracy: 0.8, Precision: 0.8, Recall: 0.7, AUC: valAUC},
		Duration:     1500 * time.Millisecond,
	}
}

func TestStartRunAndRecordEpochs(t *testing.T) {
	s := setupStore(t)

	rec, err := s.StartRun("run-1", RunParams{DataDir: "data", Epochs: 3, BatchSize: 32, LearningRate: 0.001})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RunID() != "run-1" {
		t.Errorf("expected run id run-1, got %q", rec.RunID())
	}

	for i, auc := range []float64{0.7, 0.8, 0.75} {
		if err := rec.RecordEpoch(epochMetrics(i, 1, auc), i < 2); err != nil {
			t.Fatalf("record epoch %d: %v", i, err)
		}
	}

	rows, err := s.Epochs("run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 epochs, got %d", len(rows))
	}
	if rows[1].ValAUC != 0.8 || !rows[1].Improved || rows[2].Improved {
		t.Errorf("unexpected rows: %+v", rows)
	}

	summary, err := s.Run("run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FinishedAt != nil || summary.BestEpoch != -1 {
		t.Errorf("unfinished run should have no outcome: %+v", summary)
	}
	if summary.Epochs != 3 || summary.BatchSize != 32 || summary.DataDir != "data" {
		t.Errorf("unexpected params: %+v", summary.RunParams)
	}
}

func TestFinishRun(t *testing.T) {
	s := setupStore(t)
	rec, err := s.StartRun("", RunParams{DataDir: "d", Epochs: 2, BatchSize: 8, LearningRate: 0.01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RunID() == "" {
		t.Fatal("expected generated run id")
	}

	state := &training.RunState{BestEpoch: 1, BestAUC: 0.9}
	if err := rec.Finish(state, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := s.Run(rec.RunID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FinishedAt == nil || summary.BestEpoch != 1 || summary.BestAUC != 0.9 || !summary.StoppedEarly {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestDuplicateEpochRejected(t *testing.T) {
	s := setupStore(t)
	rec, err := s.StartRun("run-dup", RunParams{DataDir: "d", Epochs: 1, BatchSize: 1, LearningRate: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.RecordEpoch(epochMetrics(0, 1, 0.5), true); err != nil {
		t.Fatal(err)
	}
	if err := rec.RecordEpoch(epochMetrics(0, 1, 0.6), true); err == nil {
		t.Error("expected primary key violation")
	}
}

func TestRunNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Run("missing"); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartRun("persisted", RunParams{DataDir: "d", Epochs: 1, BatchSize: 1, LearningRate: 0.1}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Run("persisted"); err != nil {
		t.Errorf("run lost after reopen: %v", err)
	}
}
