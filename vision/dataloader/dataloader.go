package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/matripixel/anemia-detector/vision/augment"
	"github.com/matripixel/anemia-detector/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// DataLoader yields batches of NHWC images rescaled to [0, 1].
//
// Shuffling and augmentation draw from a single seeded RNG owned by the
// loader. Per-sample augmentation seeds are drawn in batch order before any
// work is handed to the decode workers, so batches do not depend on
// goroutine scheduling.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex

	augmenter *augment.Augmenter
	workers   int

	// Cache manager - can be shared between DataLoaders
	cacheManager *CacheManager
	ownedCache   bool

	imageSize int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	MaxCacheSize int // Maximum number of images to cache; negative disables caching
	ImageSize    int
	NumWorkers   int // Number of parallel workers for decoding and augmentation
	Seed         int64
	Augmenter    *augment.Augmenter // nil disables augmentation
	CacheManager *CacheManager      // Optional shared cache manager
}

// ImageElements returns the number of float32 values in one image.
func (c Config) ImageElements() int {
	return preprocessing.Channels * c.ImageSize * c.ImageSize
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, config.ImageElements())
		ownedCache = true
	}

	dl := &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		indices:      make([]int, dataset.Len()),
		rng:          rand.New(rand.NewSource(config.Seed)),
		augmenter:    config.Augmenter,
		workers:      config.NumWorkers,
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
		imageSize:    config.ImageSize,
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	return dl, nil
}

// Reset rewinds to the first batch and, for shuffled loaders, draws a new
// sample order.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// NextBatch loads the next batch. It returns n == 0 once the epoch is
// exhausted. Any unreadable image fails the whole batch.
func (dl *DataLoader) NextBatch() (imageData []float32, labelData []float32, n int, err error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil, 0, nil
	}

	n = dl.batchSize
	if remaining < n {
		n = remaining
	}

	paths := make([]string, n)
	labelData = make([]float32, n)
	for i := 0; i < n; i++ {
		path, label, err := dl.dataset.GetItem(dl.indices[dl.position+i])
		if err != nil {
			return nil, nil, 0, err
		}
		paths[i] = path
		labelData[i] = float32(label)
	}

	var seeds []int64
	if dl.augmenter != nil {
		seeds = make([]int64, n)
		for i := range seeds {
			seeds[i] = dl.rng.Int63()
		}
	}

	raw, err := dl.loadImagesWithCache(paths)
	if err != nil {
		return nil, nil, 0, err
	}

	size := dl.imageSize
	pixelsPerImage := preprocessing.Channels * size * size
	imageData = make([]float32, n*pixelsPerImage)

	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for w := 0; w < dl.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				img := raw[i]
				if seeds != nil {
					rng := rand.New(rand.NewSource(seeds[i]))
					img = dl.augmenter.Apply(img, size, size, preprocessing.Channels, rng)
				}
				dst := imageData[i*pixelsPerImage : (i+1)*pixelsPerImage]
				for j, v := range img {
					dst[j] = v / 255
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	dl.position += n
	return imageData, labelData, n, nil
}

// loadImagesWithCache returns decoded images for paths, decoding cache
// misses concurrently.
func (dl *DataLoader) loadImagesWithCache(paths []string) ([][]float32, error) {
	images := make([][]float32, len(paths))

	var missing []string
	var missingIdx []int
	for i, path := range paths {
		if data, ok := dl.cacheManager.Get(path); ok {
			images[i] = data
			continue
		}
		missing = append(missing, path)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return images, nil
	}

	decoded, err := preprocessing.PreprocessBatch(missing, dl.imageSize, dl.workers)
	if err != nil {
		return nil, err
	}
	for j, img := range decoded {
		images[missingIdx[j]] = img.Data
		if err := dl.cacheManager.Put(missing[j], img.Data); err != nil {
			return nil, err
		}
	}
	return images, nil
}

// Len returns the number of samples per epoch.
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// ImageSize returns the edge length of yielded images.
func (dl *DataLoader) ImageSize() int {
	return dl.imageSize
}

// NumBatches returns the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache clears the image cache unless it is shared with another loader.
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
