package config

import (
	"errors"
	"flag"
	"io"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if c.Epochs != 50 || c.BatchSize != 32 || c.LearningRate != 0.001 || c.FineTuneLayers != 20 {
		t.Errorf("Unexpected defaults: %+v", c)
	}
}

func TestRegisterFlags(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c.RegisterFlags(fs)

	args := []string{
		"-data_dir", "/tmp/eyes",
		"-epochs", "4",
		"-batch_size", "8",
		"-learning_rate", "0.01",
		"-fine_tune_layers", "3",
		"-embed_metadata=false",
		"-seed", "7",
		"-cache_size", "64",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}

	if c.DataDir != "/tmp/eyes" || c.Epochs != 4 || c.BatchSize != 8 || c.LearningRate != 0.01 ||
		c.FineTuneLayers != 3 || c.EmbedMetadata || c.Seed != 7 || c.CacheSize != 64 {
		t.Errorf("Flags not applied: %+v", c)
	}
	if c.OutputDir != "./models" || Default().CacheSize != 0 {
		t.Errorf("Unset flag changed default: %s", c.OutputDir)
	}
}

func TestResolve(t *testing.T) {
	c := Default()
	c.OutputDir = "out"
	c.Resolve()
	if c.CheckpointDir != filepath.Join("out", "checkpoints") {
		t.Errorf("CheckpointDir = %s", c.CheckpointDir)
	}
	if c.HistoryDB != filepath.Join("out", "checkpoints", "history.db") {
		t.Errorf("HistoryDB = %s", c.HistoryDB)
	}
	if !c.HistoryEnabled() {
		t.Error("History should be enabled by default")
	}

	c = Default()
	c.CheckpointDir = "ckpt"
	c.HistoryDB = "none"
	c.Resolve()
	if c.CheckpointDir != "ckpt" || c.HistoryEnabled() {
		t.Errorf("Explicit values overridden: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative learning rate", func(c *Config) { c.LearningRate = -1 }},
		{"split zero", func(c *Config) { c.ValidationSplit = 0 }},
		{"split one", func(c *Config) { c.ValidationSplit = 1 }},
		{"tiny image", func(c *Config) { c.ImageSize = 4 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidateAcceptsSingleEpoch(t *testing.T) {
	c := Default()
	c.Epochs = 1
	c.FineTuneLayers = 0
	if err := c.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}
