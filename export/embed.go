package export

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matripixel/anemia-detector/checkpoints"
)

// Outcome reports whether an optional export step happened.
type Outcome int

const (
	Unavailable Outcome = iota
	Embedded
	Verified
)

func (o Outcome) String() string {
	switch o {
	case Unavailable:
		return "unavailable"
	case Embedded:
		return "embedded"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ErrEmbeddingUnavailable means the converter cannot embed metadata.
var ErrEmbeddingUnavailable = errors.New("metadata embedding unavailable")

// EmbedResult is the outcome of the best-effort metadata embedding.
type EmbedResult struct {
	Outcome Outcome
	Path    string // set when Outcome is Embedded
	Reason  string // set when Outcome is Unavailable
}

// MetadataEmbedder is implemented by converters that can attach key/value
// metadata to a serialized model.
type MetadataEmbedder interface {
	EmbedMetadata(model []byte, props []checkpoints.MetadataProp) ([]byte, error)
}

// MetadataProps flattens md and the label file into ONNX metadata_props.
func MetadataProps(md ModelMetadata) ([]checkpoints.MetadataProp, error) {
	doc, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return []checkpoints.MetadataProp{
		{Key: "model_metadata", Value: string(doc)},
		{Key: "labels", Value: LabelsText()},
		{Key: "name", Value: md.Name},
		{Key: "author", Value: md.Author},
		{Key: "version", Value: md.Version},
		{Key: "license", Value: ModelLicense},
	}, nil
}

// Embed attaches md to model using converter. It returns
// ErrEmbeddingUnavailable when converter has no embedding capability.
func Embed(converter any, model []byte, md ModelMetadata) ([]byte, error) {
	embedder, ok := converter.(MetadataEmbedder)
	if !ok {
		return nil, ErrEmbeddingUnavailable
	}
	props, err := MetadataProps(md)
	if err != nil {
		return nil, err
	}
	return embedder.EmbedMetadata(model, props)
}
