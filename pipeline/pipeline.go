// Package pipeline runs the end-to-end training job: dataset partitioning,
// model assembly, two-phase training, final evaluation and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/matripixel/anemia-detector/config"
	"github.com/matripixel/anemia-detector/export"
	"github.com/matripixel/anemia-detector/history"
	"github.com/matripixel/anemia-detector/model"
	"github.com/matripixel/anemia-detector/training"
	"github.com/matripixel/anemia-detector/vision/augment"
	"github.com/matripixel/anemia-detector/vision/dataloader"
	"github.com/matripixel/anemia-detector/vision/dataset"
)

// Classes are the class directories in label order.
var Classes = []string{"normal", "anemic"}

// ExpectedLayout is printed when the data directory is malformed.
const ExpectedLayout = `data/
├── anemic/
│   ├── image1.jpg
│   └── ...
└── normal/
    ├── image1.jpg
    └── ...`

// Report summarizes a finished run.
type Report struct {
	RunID           string
	Training        *training.Result
	Final           training.MetricsRecord
	FinalCheckpoint string
	Artifacts       *export.Artifacts
	Verification    export.VerifyResult
}

// Run executes the whole pipeline for cfg. Progress bars and the model
// summary go to out; everything else is logged.
func Run(ctx context.Context, cfg config.Config, out io.Writer) (*Report, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	banner := strings.Repeat("=", 60)
	klog.Info(banner)
	klog.Info("MatriPixel AI - Anemia Detection Model Training")
	klog.Info(banner)
	klog.Infof("Data directory: %s", cfg.DataDir)
	klog.Infof("Epochs: %d", cfg.Epochs)
	klog.Infof("Batch size: %d", cfg.BatchSize)
	klog.Infof("Learning rate: %g", cfg.LearningRate)
	klog.Infof("Output directory: %s", cfg.OutputDir)

	ds, err := dataset.NewBinaryImageFolder(cfg.DataDir, Classes)
	if err != nil {
		var layoutErr *dataset.LayoutError
		if errors.As(err, &layoutErr) {
			klog.Errorf("Data directory is not usable: %v", layoutErr)
			klog.Errorf("Expected 'anemic' and 'normal' subdirectories in %s, laid out as:\n%s", cfg.DataDir, ExpectedLayout)
		}
		return nil, err
	}

	trainSet, valSet, err := ds.SplitValidation(cfg.ValidationSplit)
	if err != nil {
		return nil, err
	}
	if trainSet.Len() == 0 || valSet.Len() == 0 {
		return nil, fmt.Errorf("validation split %g of %d images leaves an empty subset (train %d, validation %d)",
			cfg.ValidationSplit, ds.Len(), trainSet.Len(), valSet.Len())
	}
	klog.Info("Dataset Summary:")
	klog.Infof("  Training samples: %d", trainSet.Len())
	klog.Infof("  Validation samples: %d", valSet.Len())
	klog.Infof("  Classes: %v", ds.ClassIndices())

	loaderCfg := dataloader.Config{
		BatchSize:    cfg.BatchSize,
		ImageSize:    cfg.ImageSize,
		NumWorkers:   cfg.Workers,
		Seed:         cfg.Seed,
		MaxCacheSize: cfg.CacheSize,
	}
	trainLoader, valLoader, err := dataloader.CreateSharedDataLoaders(trainSet, valSet, loaderCfg, augment.New(augment.DefaultConfig()))
	if err != nil {
		return nil, fmt.Errorf("failed to create data loaders: %w", err)
	}

	modelCfg := model.DefaultConfig()
	modelCfg.ImageSize = cfg.ImageSize
	modelCfg.Seed = cfg.Seed
	modelCfg.Workers = cfg.Workers
	modelCfg.BackboneWeights = cfg.BackboneWeights
	m, features, err := model.Build(modelCfg)
	if err != nil {
		return nil, err
	}
	net := m.Network()
	training.PrintArchitecture(out, m.Spec(), net)

	report := &Report{RunID: history.NewRunID()}
	klog.Infof("Run ID: %s", report.RunID)

	var recorder *history.RunRecorder
	if cfg.HistoryEnabled() {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		recorder, err = store.StartRun(report.RunID, history.RunParams{
			DataDir:      cfg.DataDir,
			Epochs:       cfg.Epochs,
			BatchSize:    cfg.BatchSize,
			LearningRate: cfg.LearningRate,
		})
		if err != nil {
			return nil, err
		}
	}

	cm := training.NewCheckpointManager(cfg.CheckpointDir, report.RunID)
	controller := training.NewController(training.Config{
		Epochs:         cfg.Epochs,
		LearningRate:   cfg.LearningRate,
		FineTuneLayers: cfg.FineTuneLayers,
		Policy:         training.DefaultPolicyConfig(),
		Progress:       out,
	}, net, features, trainLoader, valLoader, cm)
	if recorder != nil {
		controller.SetRecorder(recorder)
	}

	report.Training, err = controller.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}
	if recorder != nil {
		if err := recorder.Finish(report.Training.State, report.Training.StoppedEarly); err != nil {
			klog.Warningf("Failed to finish run record: %v", err)
		}
	}

	klog.Info("Evaluating model...")
	report.Final, err = training.Evaluate(m, valLoader)
	if err != nil {
		return nil, fmt.Errorf("final evaluation failed: %w", err)
	}
	logFinalMetrics(report.Final)

	report.FinalCheckpoint = filepath.Join(cfg.OutputDir, training.FinalCheckpointName)
	if err := cm.Save(report.FinalCheckpoint, m.Spec(), net.Weights(), report.Training.State, nil, "Final model"); err != nil {
		return nil, err
	}
	klog.Infof("Final model saved: %s", report.FinalCheckpoint)

	klog.Info(banner)
	klog.Info("Converting to ONNX format...")
	klog.Info(banner)
	report.Artifacts, err = export.NewExporter(nil, export.Options{
		OutputDir:     cfg.OutputDir,
		EmbedMetadata: cfg.EmbedMetadata,
	}).Package(m.Spec(), net.Weights())
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}

	report.Verification, err = verify(cfg, m, report.Artifacts.ModelPath)
	if err != nil {
		return nil, err
	}

	klog.Info(banner)
	klog.Info("Training Complete!")
	klog.Info(banner)
	klog.Infof("Output files in: %s", cfg.OutputDir)
	for _, f := range append([]string{report.FinalCheckpoint}, report.Artifacts.Files()...) {
		klog.Infof("  - %s", filepath.Base(f))
	}
	return report, nil
}

func logFinalMetrics(m training.MetricsRecord) {
	klog.Info("Final Metrics:")
	klog.Infof("  Loss:      %.4f", m.Loss)
	klog.Infof("  Accuracy:  %.4f", m.Accuracy)
	klog.Infof("  Precision: %.4f", m.Precision)
	klog.Infof("  Recall:    %.4f", m.Recall)
	klog.Infof("  AUC:       %.4f", m.AUC)
	if m.F1 != nil {
		klog.Infof("  F1 Score:  %.4f", *m.F1)
	}
}

// verify runs a mid-gray image through the exported artifact under ONNX
// Runtime and compares it with the in-process network.
func verify(cfg config.Config, m *model.Model, path string) (export.VerifyResult, error) {
	input := make([]float32, cfg.ImageSize*cfg.ImageSize*3)
	for i := range input {
		input[i] = 0.5
	}

	res, err := export.NewRuntimeVerifier(cfg.OnnxRuntimeLib).Verify(path, cfg.ImageSize, input)
	if err != nil {
		return res, fmt.Errorf("runtime verification failed: %w", err)
	}
	if res.Outcome != export.Verified {
		klog.V(1).Infof("Skipping runtime verification: %s", res.Reason)
		return res, nil
	}

	want, err := m.Predict(input, 1)
	if err != nil {
		return res, err
	}
	klog.Infof("Runtime verification: onnxruntime %.5f, engine %.5f (diff %.2g)",
		res.Probability, want[0], float64(res.Probability-want[0]))
	return res, nil
}
