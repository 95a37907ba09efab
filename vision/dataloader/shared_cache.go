package dataloader

import "github.com/matripixel/anemia-detector/vision/augment"

// CreateSharedDataLoaders creates the training and validation loaders over
// one image cache. The training loader shuffles and applies aug; the
// validation loader keeps dataset order and only rescales.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config, aug *augment.Augmenter) (*DataLoader, *DataLoader, error) {
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	sharedCache := NewCacheManager(cacheSize, config.ImageElements())

	trainConfig := config
	trainConfig.CacheManager = sharedCache
	trainConfig.Shuffle = true
	trainConfig.Augmenter = aug
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, err
	}

	valConfig := config
	valConfig.CacheManager = sharedCache
	valConfig.Shuffle = false
	valConfig.Augmenter = nil
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, err
	}

	return trainLoader, valLoader, nil
}
