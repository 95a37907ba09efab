package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/matripixel/anemia-detector/layers"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// Names of the exported graph's input and output tensors
const (
	ONNXInputName  = "input_image"
	ONNXOutputName = "anemia_probability"
)

const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 13

	// TensorProto.DataType
	onnxFloat   = 1
	onnxFloat16 = 10

	// AttributeProto.AttributeType
	attrFloat = 1
	attrInt   = 2
	attrInts  = 7

	fp16Suffix = "_fp16"
)

// ONNX protobuf field numbers used by the encoder and decoder
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDomain          protowire.Number = 4
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphDocString   protowire.Number = 10
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attributeName  protowire.Number = 1
	attributeF     protowire.Number = 2
	attributeI     protowire.Number = 3
	attributeIntsF protowire.Number = 8
	attributeType  protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorInt32Data protowire.Number = 5
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueInfoName   protowire.Number = 1
	valueInfoType   protowire.Number = 2
	typeTensorType  protowire.Number = 1
	tensorTypeElem  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimensionValue  protowire.Number = 1
)

// MetadataProp is one entry of the ONNX model's metadata_props map
type MetadataProp struct {
	Key   string
	Value string
}

// ONNXExporter handles conversion of trained models to ONNX format
type ONNXExporter struct {
	// Float16 stores every initializer as FLOAT16 followed by a Cast back to FLOAT
	Float16 bool

	ProducerName    string
	ProducerVersion string
	GraphName       string
	DocString       string
}

// NewONNXExporter creates an exporter producing float16-quantized models
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{
		Float16:         true,
		ProducerName:    FrameworkName,
		ProducerVersion: FrameworkVersion,
		GraphName:       "anemia_detector",
	}
}

// ExportToONNX converts a checkpoint to ONNX and writes it to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Export(checkpoint)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}

	return nil
}

// Export serializes a checkpoint as an ONNX ModelProto
func (oe *ONNXExporter) Export(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	if !checkpoint.ModelSpec.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, onnxOpsetVersion)

	var model []byte
	model = appendVarintField(model, modelIRVersion, onnxIRVersion)
	model = appendStringField(model, modelProducerName, oe.ProducerName)
	model = appendStringField(model, modelProducerVersion, oe.ProducerVersion)
	model = appendStringField(model, modelDomain, "ai.matripixel")
	model = appendVarintField(model, modelVersion, 1)
	if oe.DocString != "" {
		model = appendStringField(model, modelDocString, oe.DocString)
	}
	model = appendBytesField(model, modelGraph, graph)
	model = appendBytesField(model, modelOpsetImport, opset)

	return model, nil
}

// EmbedMetadata returns a copy of model with the given entries appended to metadata_props.
// Repeated protobuf fields concatenate, so appending to the serialized bytes is a valid edit.
func (oe *ONNXExporter) EmbedMetadata(model []byte, props []MetadataProp) ([]byte, error) {
	fields, err := parseMessage(model)
	if err != nil {
		return nil, fmt.Errorf("not an ONNX model: %w", err)
	}
	hasGraph := false
	for _, f := range fields {
		if f.num == modelGraph {
			hasGraph = true
		}
	}
	if !hasGraph {
		return nil, fmt.Errorf("not an ONNX model: no graph")
	}

	out := make([]byte, len(model), len(model)+256)
	copy(out, model)
	for _, p := range props {
		var entry []byte
		entry = appendStringField(entry, entryKey, p.Key)
		entry = appendStringField(entry, entryValue, p.Value)
		out = appendBytesField(out, modelMetadataProps, entry)
	}
	return out, nil
}

// onnxNode is a graph node kept unencoded until the final output is renamed
type onnxNode struct {
	opType  string
	name    string
	inputs  []string
	outputs []string
	attrs   [][]byte
}

type onnxGraphBuilder struct {
	float16      bool
	nodes        []onnxNode
	initializers [][]byte
	current      string
}

func (g *onnxGraphBuilder) add(opType, name string, inputs []string, attrs ...[]byte) string {
	out := name + "_output"
	g.nodes = append(g.nodes, onnxNode{
		opType:  opType,
		name:    name,
		inputs:  inputs,
		outputs: []string{out},
		attrs:   attrs,
	})
	g.current = out
	return out
}

// initializer registers a constant. In float16 mode the constant is stored as
// FLOAT16 under name+"_fp16" and a Cast node produces the float32 tensor name.
func (g *onnxGraphBuilder) initializer(name string, shape []int, data []float32) {
	if !g.float16 {
		raw := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		g.initializers = append(g.initializers, encodeTensor(name, shape, onnxFloat, raw))
		return
	}

	raw := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	g.initializers = append(g.initializers, encodeTensor(name+fp16Suffix, shape, onnxFloat16, raw))
	g.nodes = append(g.nodes, onnxNode{
		opType:  "Cast",
		name:    name + "_cast",
		inputs:  []string{name + fp16Suffix},
		outputs: []string{name},
		attrs:   [][]byte{attributeInt("to", onnxFloat)},
	})
}

// buildONNXGraph creates the ONNX computation graph from the model spec
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	weightMap := WeightMap(checkpoint.Weights)

	if len(spec.InputShape) != 4 {
		return nil, fmt.Errorf("expected NHWC image input, got shape %v", spec.InputShape)
	}

	g := &onnxGraphBuilder{float16: oe.Float16}

	// NHWC input, NCHW compute
	g.add("Transpose", "input_to_nchw", []string{ONNXInputName}, attributeInts("perm", []int64{0, 3, 1, 2}))

	for _, layer := range spec.Layers {
		var err error
		switch layer.Type {
		case layers.Rescale:
			oe.createRescaleNodes(g, layer)
		case layers.Conv2D:
			err = oe.createConv2DNode(g, layer, weightMap)
		case layers.BatchNorm:
			err = oe.createBatchNormNode(g, layer, weightMap)
		case layers.Dense:
			err = oe.createDenseNode(g, layer, weightMap)
		case layers.ReLU:
			g.add("Relu", layer.Name, []string{g.current})
		case layers.Sigmoid:
			g.add("Sigmoid", layer.Name, []string{g.current})
		case layers.GlobalAvgPool:
			g.add("GlobalAveragePool", layer.Name, []string{g.current})
			g.add("Flatten", layer.Name+"_flatten", []string{g.current}, attributeInt("axis", 1))
		case layers.Dropout:
			// identity at inference
			continue
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", layer.Name, err)
		}
	}

	// The last compute node writes the graph output directly
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if g.nodes[i].outputs[0] == g.current {
			g.nodes[i].outputs[0] = ONNXOutputName
			break
		}
	}

	var graph []byte
	for _, n := range g.nodes {
		graph = appendBytesField(graph, graphNode, encodeNode(n))
	}
	graph = appendStringField(graph, graphName, oe.GraphName)
	for _, init := range g.initializers {
		graph = appendBytesField(graph, graphInitializer, init)
	}
	if oe.Float16 {
		graph = appendStringField(graph, graphDocString, "float16 weights, dequantized by Cast")
	}

	in := spec.InputShape
	graph = appendBytesField(graph, graphInput, encodeValueInfo(ONNXInputName, []int{1, in[1], in[2], in[3]}))
	graph = appendBytesField(graph, graphOutput, encodeValueInfo(ONNXOutputName, []int{1, spec.OutputShape[len(spec.OutputShape)-1]}))

	return graph, nil
}

func (oe *ONNXExporter) createRescaleNodes(g *onnxGraphBuilder, layer layers.LayerSpec) {
	scale := layers.GetFloatParam(layer.Parameters, "scale", 1)
	offset := layers.GetFloatParam(layer.Parameters, "offset", 0)

	g.initializer(layer.Name+".scale", nil, []float32{scale})
	g.initializer(layer.Name+".offset", nil, []float32{offset})
	g.add("Mul", layer.Name+"_mul", []string{g.current, layer.Name + ".scale"})
	g.add("Add", layer.Name+"_add", []string{g.current, layer.Name + ".offset"})
}

// createConv2DNode creates an ONNX Conv node, converting OHWI weights to OIHW
func (oe *ONNXExporter) createConv2DNode(g *onnxGraphBuilder, layer layers.LayerSpec, weightMap map[string]WeightTensor) error {
	kernelSize := layers.GetIntParam(layer.Parameters, "kernel_size", 0)
	stride := layers.GetIntParam(layer.Parameters, "stride", 1)
	padding := layers.GetIntParam(layer.Parameters, "padding", 0)
	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)

	weight, ok := weightMap[layer.Name+".weight"]
	if !ok || len(weight.Shape) != 4 {
		return fmt.Errorf("missing conv weight %s.weight", layer.Name)
	}
	oc, k, ic := weight.Shape[0], weight.Shape[1], weight.Shape[3]
	g.initializer(layer.Name+".weight", []int{oc, ic, k, k}, OHWIToOIHW(weight.Data, oc, k, ic))

	inputs := []string{g.current, layer.Name + ".weight"}
	if useBias {
		bias, ok := weightMap[layer.Name+".bias"]
		if !ok {
			return fmt.Errorf("missing conv bias %s.bias", layer.Name)
		}
		g.initializer(layer.Name+".bias", bias.Shape, bias.Data)
		inputs = append(inputs, layer.Name+".bias")
	}

	g.add("Conv", layer.Name, inputs,
		attributeInts("kernel_shape", []int64{int64(kernelSize), int64(kernelSize)}),
		attributeInts("strides", []int64{int64(stride), int64(stride)}),
		attributeInts("pads", []int64{int64(padding), int64(padding), int64(padding), int64(padding)}),
	)
	return nil
}

// createBatchNormNode creates an ONNX BatchNormalization node from the learned
// affine parameters and the running statistics
func (oe *ONNXExporter) createBatchNormNode(g *onnxGraphBuilder, layer layers.LayerSpec, weightMap map[string]WeightTensor) error {
	eps := layers.GetFloatParam(layer.Parameters, "eps", 1e-3)
	momentum := layers.GetFloatParam(layer.Parameters, "momentum", 0.99)

	inputs := []string{g.current}
	for _, suffix := range []string{".gamma", ".beta", ".running_mean", ".running_var"} {
		t, ok := weightMap[layer.Name+suffix]
		if !ok {
			return fmt.Errorf("missing batch norm tensor %s%s", layer.Name, suffix)
		}
		g.initializer(t.Name, t.Shape, t.Data)
		inputs = append(inputs, t.Name)
	}

	g.add("BatchNormalization", layer.Name, inputs,
		attributeFloat("epsilon", eps),
		attributeFloat("momentum", momentum),
	)
	return nil
}

// createDenseNode creates ONNX MatMul + Add nodes. Weights are already [in, out].
func (oe *ONNXExporter) createDenseNode(g *onnxGraphBuilder, layer layers.LayerSpec, weightMap map[string]WeightTensor) error {
	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)

	weight, ok := weightMap[layer.Name+".weight"]
	if !ok {
		return fmt.Errorf("missing dense weight %s.weight", layer.Name)
	}
	g.initializer(weight.Name, weight.Shape, weight.Data)
	g.add("MatMul", layer.Name+"_matmul", []string{g.current, weight.Name})

	if useBias {
		bias, ok := weightMap[layer.Name+".bias"]
		if !ok {
			return fmt.Errorf("missing dense bias %s.bias", layer.Name)
		}
		g.initializer(bias.Name, bias.Shape, bias.Data)
		g.add("Add", layer.Name+"_add_bias", []string{g.current, bias.Name})
	}
	return nil
}

// OHWIToOIHW reorders a conv kernel from [OC, K, K, IC] to [OC, IC, K, K]
func OHWIToOIHW(data []float32, oc, k, ic int) []float32 {
	out := make([]float32, len(data))
	for o := 0; o < oc; o++ {
		for y := 0; y < k; y++ {
			for x := 0; x < k; x++ {
				for c := 0; c < ic; c++ {
					out[((o*ic+c)*k+y)*k+x] = data[((o*k+y)*k+x)*ic+c]
				}
			}
		}
	}
	return out
}

// OIHWToOHWI reorders a conv kernel from [OC, IC, K, K] to [OC, K, K, IC]
func OIHWToOHWI(data []float32, oc, k, ic int) []float32 {
	out := make([]float32, len(data))
	for o := 0; o < oc; o++ {
		for c := 0; c < ic; c++ {
			for y := 0; y < k; y++ {
				for x := 0; x < k; x++ {
					out[((o*k+y)*k+x)*ic+c] = data[((o*ic+c)*k+y)*k+x]
				}
			}
		}
	}
	return out
}

// Encoding helpers

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFloatField(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func encodeNode(n onnxNode) []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendStringField(b, nodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendStringField(b, nodeOutput, out)
	}
	b = appendStringField(b, nodeName, n.name)
	b = appendStringField(b, nodeOpType, n.opType)
	for _, a := range n.attrs {
		b = appendBytesField(b, nodeAttribute, a)
	}
	return b
}

func attributeInt(name string, v int64) []byte {
	var b []byte
	b = appendStringField(b, attributeName, name)
	b = appendVarintField(b, attributeI, uint64(v))
	return appendVarintField(b, attributeType, attrInt)
}

func attributeInts(name string, v []int64) []byte {
	var b []byte
	b = appendStringField(b, attributeName, name)
	for _, x := range v {
		b = appendVarintField(b, attributeIntsF, uint64(x))
	}
	return appendVarintField(b, attributeType, attrInts)
}

func attributeFloat(name string, v float32) []byte {
	var b []byte
	b = appendStringField(b, attributeName, name)
	b = appendFloatField(b, attributeF, v)
	return appendVarintField(b, attributeType, attrFloat)
}

func encodeTensor(name string, shape []int, dataType uint64, raw []byte) []byte {
	var b []byte
	for _, d := range shape {
		b = appendVarintField(b, tensorDims, uint64(d))
	}
	b = appendVarintField(b, tensorDataType, dataType)
	b = appendStringField(b, tensorName, name)
	return appendBytesField(b, tensorRawData, raw)
}

func encodeValueInfo(name string, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		dims = appendBytesField(dims, shapeDim, appendVarintField(nil, dimensionValue, uint64(d)))
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, tensorTypeElem, onnxFloat)
	tensorType = appendBytesField(tensorType, tensorTypeShape, dims)

	var b []byte
	b = appendStringField(b, valueInfoName, name)
	return appendBytesField(b, valueInfoType, appendBytesField(nil, typeTensorType, tensorType))
}

// Decoding

type pbField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// parseMessage splits one serialized protobuf message into its top-level fields
func parseMessage(b []byte) ([]pbField, error) {
	var fields []pbField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := pbField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// ONNXTensor is a decoded initializer, dequantized to float32
type ONNXTensor struct {
	Name     string
	Dims     []int
	DataType int
	Data     []float32
}

func decodeTensor(b []byte) (ONNXTensor, error) {
	fields, err := parseMessage(b)
	if err != nil {
		return ONNXTensor{}, err
	}

	var t ONNXTensor
	var raw []byte
	var floatData []float32
	var int32Data []uint32
	for _, f := range fields {
		switch f.num {
		case tensorDims:
			if f.typ == protowire.BytesType {
				packed := f.bytes
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return t, protowire.ParseError(n)
					}
					t.Dims = append(t.Dims, int(v))
					packed = packed[n:]
				}
			} else {
				t.Dims = append(t.Dims, int(f.varint))
			}
		case tensorDataType:
			t.DataType = int(f.varint)
		case tensorName:
			t.Name = string(f.bytes)
		case tensorRawData:
			raw = f.bytes
		case tensorFloatData:
			if f.typ == protowire.BytesType {
				for i := 0; i+4 <= len(f.bytes); i += 4 {
					floatData = append(floatData, math.Float32frombits(binary.LittleEndian.Uint32(f.bytes[i:])))
				}
			} else {
				floatData = append(floatData, math.Float32frombits(f.fixed32))
			}
		case tensorInt32Data:
			if f.typ == protowire.BytesType {
				packed := f.bytes
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return t, protowire.ParseError(n)
					}
					int32Data = append(int32Data, uint32(v))
					packed = packed[n:]
				}
			} else {
				int32Data = append(int32Data, uint32(f.varint))
			}
		}
	}

	switch t.DataType {
	case onnxFloat:
		if raw != nil {
			t.Data = make([]float32, len(raw)/4)
			for i := range t.Data {
				t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		} else {
			t.Data = floatData
		}
	case onnxFloat16:
		if raw != nil {
			t.Data = make([]float32, len(raw)/2)
			for i := range t.Data {
				t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
			}
		} else {
			t.Data = make([]float32, len(int32Data))
			for i, v := range int32Data {
				t.Data[i] = float16.Frombits(uint16(v)).Float32()
			}
		}
	default:
		return t, fmt.Errorf("initializer %s: unsupported data type %d", t.Name, t.DataType)
	}

	if want := numElements(t.Dims); want != len(t.Data) {
		return t, fmt.Errorf("initializer %s: dims %v hold %d elements, data has %d", t.Name, t.Dims, want, len(t.Data))
	}
	return t, nil
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func graphFields(model []byte) ([]pbField, []pbField, error) {
	fields, err := parseMessage(model)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	for _, f := range fields {
		if f.num == modelGraph {
			graph, err := parseMessage(f.bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse ONNX graph: %w", err)
			}
			return fields, graph, nil
		}
	}
	return nil, nil, fmt.Errorf("ONNX model has no graph")
}

// DecodeONNXInitializers returns every initializer of the model keyed by the
// float32 tensor name the graph consumes (the "_fp16" suffix is dropped).
func DecodeONNXInitializers(model []byte) (map[string]ONNXTensor, error) {
	_, graph, err := graphFields(model)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ONNXTensor)
	for _, f := range graph {
		if f.num != graphInitializer {
			continue
		}
		t, err := decodeTensor(f.bytes)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(t.Name, fp16Suffix)] = t
	}
	return out, nil
}

// ONNXOpTypes lists the graph's node op types in order
func ONNXOpTypes(model []byte) ([]string, error) {
	_, graph, err := graphFields(model)
	if err != nil {
		return nil, err
	}

	var ops []string
	for _, f := range graph {
		if f.num != graphNode {
			continue
		}
		node, err := parseMessage(f.bytes)
		if err != nil {
			return nil, err
		}
		for _, nf := range node {
			if nf.num == nodeOpType {
				ops = append(ops, string(nf.bytes))
			}
		}
	}
	return ops, nil
}

// ReadMetadataProps returns the model's metadata_props entries
func ReadMetadataProps(model []byte) (map[string]string, error) {
	fields, _, err := graphFields(model)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string)
	for _, f := range fields {
		if f.num != modelMetadataProps {
			continue
		}
		entry, err := parseMessage(f.bytes)
		if err != nil {
			return nil, fmt.Errorf("bad metadata entry: %w", err)
		}
		var key, value string
		for _, ef := range entry {
			switch ef.num {
			case entryKey:
				key = string(ef.bytes)
			case entryValue:
				value = string(ef.bytes)
			}
		}
		props[key] = value
	}
	return props, nil
}

// ImportONNXWeights reads the initializers of an exported model back into
// weight tensors laid out for spec, dequantizing float16 values.
func ImportONNXWeights(model []byte, spec *layers.ModelSpec) ([]WeightTensor, error) {
	inits, err := DecodeONNXInitializers(model)
	if err != nil {
		return nil, err
	}

	var weights []WeightTensor
	take := func(layer, kind string, shape []int) error {
		name := layer + "." + kind
		t, ok := inits[name]
		if !ok {
			return fmt.Errorf("initializer %s not found", name)
		}
		data := t.Data
		if numElements(shape) != len(data) {
			return fmt.Errorf("initializer %s has %d elements, expected shape %v", name, len(data), shape)
		}
		if kind == "weight" && len(shape) == 4 {
			data = OIHWToOHWI(data, shape[0], shape[1], shape[3])
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
		return nil
	}

	for _, layer := range spec.Layers {
		switch layer.Type {
		case layers.Conv2D, layers.Dense:
			if err := take(layer.Name, "weight", layer.ParameterShapes[0]); err != nil {
				return nil, err
			}
			if len(layer.ParameterShapes) > 1 {
				if err := take(layer.Name, "bias", layer.ParameterShapes[1]); err != nil {
					return nil, err
				}
			}
		case layers.BatchNorm:
			shape := layer.ParameterShapes[0]
			for _, kind := range []string{"gamma", "beta", "running_mean", "running_var"} {
				if err := take(layer.Name, kind, shape); err != nil {
					return nil, err
				}
			}
		}
	}
	return weights, nil
}
