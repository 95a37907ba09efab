package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/matripixel/anemia-detector/layers"
)

// ProgressBar renders a single-line, carriage-return updated progress bar.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish(metrics map[string]float64) {
	pb.Update(pb.total, metrics)
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1 {
		percentage = 1
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s: %3.0f%% [%s] %d/%d [%s",
		pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))

	if pb.current > 0 && percentage < 1 {
		eta := time.Duration(float64(elapsed)/percentage) - elapsed
		line += "<" + formatDuration(eta)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// TrainableCounter reports how many parameters an optimizer step may change.
type TrainableCounter interface {
	TrainableParameterCount() int64
}

// PrintArchitecture writes a per-layer table of the model followed by
// total, trainable and non-trainable parameter counts.
func PrintArchitecture(out io.Writer, spec *layers.ModelSpec, counter TrainableCounter) {
	fmt.Fprintf(out, "Model: %q\n", spec.Name)
	fmt.Fprintf(out, "%-24s %-14s %-12s %-18s %10s\n", "Layer", "Type", "Group", "Output Shape", "Params")
	fmt.Fprintln(out, strings.Repeat("-", 82))
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "%-24s %-14s %-12s %-18s %10d\n",
			layer.Name, layer.Type, layer.Group, fmt.Sprint(layer.OutputShape), layer.ParameterCount)
	}
	fmt.Fprintln(out, strings.Repeat("-", 82))

	trainable := counter.TrainableParameterCount()
	fmt.Fprintf(out, "Total params: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Trainable params: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(out, "Non-trainable params: %s\n", formatParameterCount(spec.TotalParameters-trainable))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
