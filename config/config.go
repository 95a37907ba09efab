// Package config holds the training pipeline settings and their command
// line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of pipeline settings.
type Config struct {
	DataDir         string
	Epochs          int
	BatchSize       int
	LearningRate    float64
	OutputDir       string
	FineTuneLayers  int
	ValidationSplit float64
	ImageSize       int
	Seed            int64
	BackboneWeights string
	CheckpointDir   string // defaults to <OutputDir>/checkpoints
	HistoryDB       string // defaults to <CheckpointDir>/history.db; "none" disables
	EmbedMetadata   bool
	OnnxRuntimeLib  string
	Workers         int
	CacheSize       int // decoded images kept in memory; 0 keeps the whole dataset, negative disables
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DataDir:         "./data",
		Epochs:          50,
		BatchSize:       32,
		LearningRate:    0.001,
		OutputDir:       "./models",
		FineTuneLayers:  20,
		ValidationSplit: 0.2,
		ImageSize:       224,
		Seed:            42,
		EmbedMetadata:   true,
		Workers:         4,
	}
}

// RegisterFlags binds c's fields to fs using c's current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data_dir", c.DataDir, "Path to data directory containing anemic/ and normal/ subdirectories")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "Number of training epochs")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Training batch size")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "Initial learning rate")
	fs.StringVar(&c.OutputDir, "output_dir", c.OutputDir, "Output directory for trained models")
	fs.IntVar(&c.FineTuneLayers, "fine_tune_layers", c.FineTuneLayers, "Number of feature extractor layers to unfreeze for fine-tuning")
	fs.Float64Var(&c.ValidationSplit, "validation_split", c.ValidationSplit, "Fraction of each class held out for validation")
	fs.IntVar(&c.ImageSize, "image_size", c.ImageSize, "Input image edge length")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed for shuffling, augmentation and initialization")
	fs.StringVar(&c.BackboneWeights, "backbone_weights", c.BackboneWeights, "JSON checkpoint with pretrained feature extractor weights")
	fs.StringVar(&c.CheckpointDir, "checkpoint_dir", c.CheckpointDir, "Directory for the best checkpoint (default <output_dir>/checkpoints)")
	fs.StringVar(&c.HistoryDB, "history_db", c.HistoryDB, `SQLite run ledger (default <checkpoint_dir>/history.db, "none" disables)`)
	fs.BoolVar(&c.EmbedMetadata, "embed_metadata", c.EmbedMetadata, "Write a copy of the ONNX model with embedded metadata")
	fs.StringVar(&c.OnnxRuntimeLib, "onnxruntime_lib", c.OnnxRuntimeLib, "onnxruntime shared library used to verify the exported model")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Parallel image decoders and convolution workers")
	fs.IntVar(&c.CacheSize, "cache_size", c.CacheSize, "Decoded images kept in memory (0 caches the whole dataset, -1 disables)")
}

// Resolve fills derived paths.
func (c *Config) Resolve() {
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.OutputDir, "checkpoints")
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.CheckpointDir, "history.db")
	}
}

// HistoryEnabled reports whether the run ledger should be written.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDB != "none"
}

// Validate checks value ranges. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir must be set", ErrInvalid)
	case c.OutputDir == "":
		return fmt.Errorf("%w: output_dir must be set", ErrInvalid)
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs must be at least 1, got %d", ErrInvalid, c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be at least 1, got %d", ErrInvalid, c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalid, c.LearningRate)
	case c.ValidationSplit <= 0 || c.ValidationSplit >= 1:
		return fmt.Errorf("%w: validation_split must be in (0, 1), got %g", ErrInvalid, c.ValidationSplit)
	case c.ImageSize < 8:
		return fmt.Errorf("%w: image_size must be at least 8, got %d", ErrInvalid, c.ImageSize)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	}
	return nil
}
