package dataloader

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/matripixel/anemia-detector/internal/fixtures"
	"github.com/matripixel/anemia-detector/vision/augment"
)

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	paths  []string
	labels []int
}

func (md *MockDataset) Len() int {
	return len(md.paths)
}

func (md *MockDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(md.paths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(md.paths))
	}
	return md.paths[index], md.labels[index], nil
}

// newImageDataset writes n solid PNG images whose red channel encodes the
// index, so every sample can be identified after loading.
func newImageDataset(t *testing.T, n int) *MockDataset {
	t.Helper()
	dir := t.TempDir()
	md := &MockDataset{}
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
		c := color.RGBA{R: uint8(i * 10), G: 128, B: 255, A: 255}
		if err := fixtures.WritePNG(path, fixtures.SolidImage(8, c)); err != nil {
			t.Fatal(err)
		}
		md.paths = append(md.paths, path)
		md.labels = append(md.labels, i%2)
	}
	return md
}

// sampleID recovers the index encoded by newImageDataset.
func sampleID(images []float32, i, pixels int) int {
	return int(math.Round(float64(images[i*pixels]) * 255 / 10))
}

func collectEpoch(t *testing.T, dl *DataLoader) (ids []int, labels []float32) {
	t.Helper()
	pixels := 3 * dl.ImageSize() * dl.ImageSize()
	for {
		images, batchLabels, n, err := dl.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		if n == 0 {
			return ids, labels
		}
		if len(images) != n*pixels || len(batchLabels) != n {
			t.Fatalf("Batch sizes inconsistent: %d images, %d labels, n=%d", len(images), len(batchLabels), n)
		}
		for i := 0; i < n; i++ {
			ids = append(ids, sampleID(images, i, pixels))
		}
		labels = append(labels, batchLabels...)
	}
}

func TestNewDataLoaderValidation(t *testing.T) {
	ds := &MockDataset{}
	if _, err := NewDataLoader(ds, Config{BatchSize: 0, ImageSize: 8}); err == nil {
		t.Error("Expected error for zero batch size")
	}
	if _, err := NewDataLoader(ds, Config{BatchSize: 2, ImageSize: 0}); err == nil {
		t.Error("Expected error for zero image size")
	}
}

func TestDataLoaderSequential(t *testing.T) {
	ds := newImageDataset(t, 5)
	dl, err := NewDataLoader(ds, Config{BatchSize: 2, ImageSize: 4, NumWorkers: 3})
	if err != nil {
		t.Fatal(err)
	}

	if dl.Len() != 5 || dl.NumBatches() != 3 {
		t.Errorf("Expected 5 samples in 3 batches, got %d in %d", dl.Len(), dl.NumBatches())
	}

	ids, labels := collectEpoch(t, dl)
	for i, id := range ids {
		if id != i {
			t.Errorf("Position %d: expected sample %d, got %d", i, i, id)
		}
		if labels[i] != float32(i%2) {
			t.Errorf("Position %d: expected label %d, got %v", i, i%2, labels[i])
		}
	}

	current, total := dl.Progress()
	if current != 5 || total != 5 {
		t.Errorf("Expected progress 5/5, got %d/%d", current, total)
	}
}

func TestDataLoaderRescalesToUnitRange(t *testing.T) {
	ds := newImageDataset(t, 1)
	dl, err := NewDataLoader(ds, Config{BatchSize: 1, ImageSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	images, _, n, err := dl.NextBatch()
	if err != nil || n != 1 {
		t.Fatalf("NextBatch: n=%d err=%v", n, err)
	}
	want := []float32{0, 128.0 / 255, 1}
	for c := 0; c < 3; c++ {
		if math.Abs(float64(images[c]-want[c])) > 1e-6 {
			t.Errorf("Channel %d: expected %v, got %v", c, want[c], images[c])
		}
	}
}

func TestDataLoaderShuffleDeterministic(t *testing.T) {
	ds := newImageDataset(t, 12)
	cfg := Config{BatchSize: 5, ImageSize: 4, Shuffle: true, Seed: 7, NumWorkers: 4}

	dl1, _ := NewDataLoader(ds, cfg)
	dl2, _ := NewDataLoader(ds, cfg)

	var epochs [][]int
	for epoch := 0; epoch < 2; epoch++ {
		dl1.Reset()
		dl2.Reset()
		a, _ := collectEpoch(t, dl1)
		b, _ := collectEpoch(t, dl2)
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("Epoch %d: loaders with the same seed diverged at %d", epoch, i)
			}
		}

		seen := make(map[int]bool)
		for _, id := range a {
			seen[id] = true
		}
		if len(seen) != 12 {
			t.Errorf("Epoch %d: expected 12 distinct samples, got %d", epoch, len(seen))
		}
		epochs = append(epochs, a)
	}

	same := true
	for i := range epochs[0] {
		if epochs[0][i] != epochs[1][i] {
			same = false
		}
	}
	if same {
		t.Error("Expected a new order after Reset")
	}
}

func TestDataLoaderAugmentationIndependentOfWorkers(t *testing.T) {
	dir := t.TempDir()
	if err := fixtures.GenerateDataset(dir, 3, 12, 1); err != nil {
		t.Fatal(err)
	}
	ds := &MockDataset{}
	for _, class := range []string{fixtures.NormalClass, fixtures.AnemicClass} {
		for i := 0; i < 3; i++ {
			ds.paths = append(ds.paths, filepath.Join(dir, class, fmt.Sprintf("dummy_%d.jpg", i)))
			ds.labels = append(ds.labels, 0)
		}
	}

	load := func(workers int) []float32 {
		dl, err := NewDataLoader(ds, Config{
			BatchSize:  6,
			ImageSize:  8,
			Shuffle:    true,
			Seed:       3,
			NumWorkers: workers,
			Augmenter:  augment.New(augment.DefaultConfig()),
		})
		if err != nil {
			t.Fatal(err)
		}
		images, _, _, err := dl.NextBatch()
		if err != nil {
			t.Fatal(err)
		}
		return images
	}

	a, b := load(1), load(4)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Index %d differs between worker counts: %v vs %v", i, a[i], b[i])
		}
		if a[i] < 0 || a[i] > 1 {
			t.Fatalf("Value out of [0,1]: %v", a[i])
		}
	}
}

func TestDataLoaderCorruptImageIsFatal(t *testing.T) {
	ds := newImageDataset(t, 2)
	bad := filepath.Join(t.TempDir(), "bad.jpg")
	if err := os.WriteFile(bad, []byte("not a jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	ds.paths = append(ds.paths, bad)
	ds.labels = append(ds.labels, 1)

	dl, _ := NewDataLoader(ds, Config{BatchSize: 3, ImageSize: 4})
	if _, _, _, err := dl.NextBatch(); err == nil {
		t.Error("Expected error for corrupt image")
	}
}

func TestDataLoaderUsesCache(t *testing.T) {
	ds := newImageDataset(t, 4)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 4, ImageSize: 4, MaxCacheSize: 10})

	collectEpoch(t, dl)
	dl.Reset()
	collectEpoch(t, dl)

	stats := dl.GetCacheManager().Stats()
	if stats.Misses != 4 || stats.Hits != 4 {
		t.Errorf("Expected 4 misses then 4 hits, got %+v", stats)
	}

	dl.ClearCache()
	if dl.GetCacheManager().Len() != 0 {
		t.Error("Owned cache should be cleared")
	}
}

func TestCreateSharedDataLoaders(t *testing.T) {
	train := newImageDataset(t, 6)
	val := newImageDataset(t, 3)

	trainLoader, valLoader, err := CreateSharedDataLoaders(train, val, Config{BatchSize: 2, ImageSize: 4, Seed: 1}, augment.New(augment.DefaultConfig()))
	if err != nil {
		t.Fatal(err)
	}

	if trainLoader.GetCacheManager() != valLoader.GetCacheManager() {
		t.Error("Loaders should share one cache")
	}
	if !trainLoader.shuffle || trainLoader.augmenter == nil {
		t.Error("Training loader should shuffle and augment")
	}
	if valLoader.shuffle || valLoader.augmenter != nil {
		t.Error("Validation loader should neither shuffle nor augment")
	}

	// Validation order is fixed across epochs.
	for epoch := 0; epoch < 2; epoch++ {
		valLoader.Reset()
		ids, _ := collectEpoch(t, valLoader)
		for i, id := range ids {
			if id != i {
				t.Errorf("Epoch %d position %d: expected %d, got %d", epoch, i, i, id)
			}
		}
	}

	// Clearing a shared cache from one loader is a no-op.
	valLoader.ClearCache()
	if valLoader.GetCacheManager().Len() == 0 {
		t.Error("Shared cache should not be cleared by a loader")
	}
}

func TestCreateSharedDataLoadersCacheLimit(t *testing.T) {
	train := newImageDataset(t, 6)
	val := newImageDataset(t, 3)

	trainLoader, valLoader, err := CreateSharedDataLoaders(train, val, Config{BatchSize: 2, ImageSize: 4, MaxCacheSize: 2, NumWorkers: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	collectEpoch(t, trainLoader)
	collectEpoch(t, valLoader)
	if n := trainLoader.GetCacheManager().Len(); n != 2 {
		t.Errorf("Cache holds %d images, want 2", n)
	}

	_, valLoader, err = CreateSharedDataLoaders(train, val, Config{BatchSize: 2, ImageSize: 4, MaxCacheSize: -1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	collectEpoch(t, valLoader)
	if n := valLoader.GetCacheManager().Len(); n != 0 {
		t.Errorf("Disabled cache holds %d images", n)
	}
}
