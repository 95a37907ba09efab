// gen-dummy-data writes a synthetic anemic/normal image folder for smoke
// testing the training pipeline. Anemic images are pale, normal images
// reddish.
package main

import (
	"flag"
	"math/rand"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/matripixel/anemia-detector/internal/fixtures"
)

var (
	flagDataDir  = flag.String("data_dir", "./data", "Directory to write anemic/ and normal/ into")
	flagPerClass = flag.Int("per_class", 50, "Images per class")
	flagSize     = flag.Int("size", 224, "Image edge length")
	flagSeed     = flag.Int64("seed", 42, "Random seed")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	rng := rand.New(rand.NewSource(*flagSeed))
	for _, class := range []string{fixtures.AnemicClass, fixtures.NormalClass} {
		must.M(fixtures.GenerateClass(*flagDataDir, class, *flagPerClass, *flagSize, rng))
		klog.Infof("Generated %d %s images in %s", *flagPerClass, class, *flagDataDir)
	}
}
