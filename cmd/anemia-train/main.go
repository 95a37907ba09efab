// anemia-train trains the conjunctiva anemia classifier and exports it as a
// float16 ONNX model.
//
//	anemia-train -data_dir ./data -epochs 50 -output_dir ./models
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"

	"k8s.io/klog/v2"

	"github.com/matripixel/anemia-detector/config"
	"github.com/matripixel/anemia-detector/pipeline"
)

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := pipeline.Run(ctx, cfg, os.Stdout); err != nil {
		if errors.Is(err, config.ErrInvalid) {
			klog.Errorf("Configuration error: %v", err)
			flag.Usage()
		} else {
			klog.Errorf("Error: %v", err)
		}
		klog.Flush()
		os.Exit(1)
	}
}
