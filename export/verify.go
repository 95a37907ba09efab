package export

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/matripixel/anemia-detector/checkpoints"
)

// VerifyResult is the outcome of running an artifact under ONNX Runtime.
type VerifyResult struct {
	Outcome     Outcome
	Probability float32 // set when Outcome is Verified
	Reason      string  // set when Outcome is Unavailable
}

// RuntimeVerifier loads an exported model in ONNX Runtime and runs a single
// inference. It needs the onnxruntime shared library.
type RuntimeVerifier struct {
	LibraryPath string
}

// NewRuntimeVerifier creates a verifier for the shared library at libPath.
// An empty path disables verification.
func NewRuntimeVerifier(libPath string) *RuntimeVerifier {
	return &RuntimeVerifier{LibraryPath: libPath}
}

// Verify runs input (NHWC, [0, 1]) through the model at path. Without a
// library path it reports Unavailable and no error.
func (v *RuntimeVerifier) Verify(path string, imageSize int, input []float32) (VerifyResult, error) {
	if v == nil || v.LibraryPath == "" {
		return VerifyResult{Outcome: Unavailable, Reason: "no onnxruntime library configured"}, nil
	}
	if want := imageSize * imageSize * 3; len(input) != want {
		return VerifyResult{}, fmt.Errorf("input has %d values, expected %d", len(input), want)
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(v.LibraryPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return VerifyResult{}, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		defer ort.DestroyEnvironment()
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(imageSize), int64(imageSize), 3), input)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(path,
		[]string{checkpoints.ONNXInputName}, []string{checkpoints.ONNXOutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return VerifyResult{}, fmt.Errorf("inference failed: %w", err)
	}

	p := outputTensor.GetData()[0]
	if math.IsNaN(float64(p)) || p < 0 || p > 1 {
		return VerifyResult{}, fmt.Errorf("runtime produced invalid probability %v", p)
	}
	return VerifyResult{Outcome: Verified, Probability: p}, nil
}
