package dataset

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions lists the image suffixes picked up from class directories.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// LayoutErrorKind classifies a problem with the on-disk dataset layout.
type LayoutErrorKind int

const (
	MissingRoot LayoutErrorKind = iota
	MissingClassDir
	EmptyClassDir
)

func (k LayoutErrorKind) String() string {
	switch k {
	case MissingRoot:
		return "missing data directory"
	case MissingClassDir:
		return "missing class directory"
	case EmptyClassDir:
		return "empty class directory"
	default:
		return fmt.Sprintf("layout error %d", int(k))
	}
}

// LayoutError reports a data directory that does not follow the
// <root>/<class>/<image> structure.
type LayoutError struct {
	Kind  LayoutErrorKind
	Path  string
	Class string
}

func (e *LayoutError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s: %s (class %q)", e.Kind, e.Path, e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewBinaryImageFolder loads root/<classes[i]>/* with label i. Every class
// directory must exist and hold at least one image; files are listed in
// lexical order.
func NewBinaryImageFolder(root string, classes []string) (*ImageFolderDataset, error) {
	return NewImageFolderDataset(root, classes, nil)
}

// NewImageFolderDataset creates a dataset from the named class directories
// under root. Extensions are matched case-insensitively.
func NewImageFolderDataset(root string, classes []string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no classes given for %s", root)
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, &LayoutError{Kind: MissingRoot, Path: root}
	}

	dataset := &ImageFolderDataset{
		classNames: append([]string(nil), classes...),
		classToIdx: make(map[string]int, len(classes)),
	}

	for classIdx, className := range classes {
		dataset.classToIdx[className] = classIdx
		classPath := filepath.Join(root, className)

		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			return nil, &LayoutError{Kind: MissingClassDir, Path: classPath, Class: className}
		}

		files, err := listImages(classPath, extensions)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", classPath, err)
		}
		if len(files) == 0 {
			return nil, &LayoutError{Kind: EmptyClassDir, Path: classPath, Class: className}
		}

		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	return dataset, nil
}

func listImages(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range extensions {
			if ext == strings.ToLower(want) {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndices maps class names to labels.
func (d *ImageFolderDataset) ClassIndices() map[string]int {
	out := make(map[string]int, len(d.classToIdx))
	for k, v := range d.classToIdx {
		out[k] = v
	}
	return out
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		className := d.classNames[label]
		dist[className]++
	}
	return dist
}

// SplitValidation partitions the dataset per class: the first
// floor(fraction*n) files of each class (in lexical order) form the
// validation set, the rest the training set. Both results keep class order.
func (d *ImageFolderDataset) SplitValidation(fraction float64) (*ImageFolderDataset, *ImageFolderDataset, error) {
	if !(fraction > 0 && fraction < 1) {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %v", fraction)
	}

	byClass := make([][]int, len(d.classNames))
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], i)
	}

	var trainIdx, valIdx []int
	for _, indices := range byClass {
		cut := int(math.Floor(fraction * float64(len(indices))))
		valIdx = append(valIdx, indices[:cut]...)
		trainIdx = append(trainIdx, indices[cut:]...)
	}

	return d.Subset(trainIdx), d.Subset(valIdx), nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		count := dist[className]
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, count))
	}

	return sb.String()
}
