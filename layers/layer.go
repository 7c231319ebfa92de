package layers

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	default:
		return "Unknown"
	}
}

// LayerSpec is pure layer configuration; Build turns a compiled spec into a
// runnable Network.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled sequence of layers. The leading dimension of every
// shape is the batch dimension as given to NewModelBuilder; a built Network
// accepts any batch size.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
	}
}

func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a fully connected layer. Its input size is inferred at
// compile time by flattening every non-batch dimension.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// Compile computes every layer's shapes and parameter shapes.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, errors.Errorf("input shape %v needs a batch dimension and at least one feature dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	seen := make(map[string]bool, len(mb.layers))

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i, src := range mb.layers {
		if src.Name == "" {
			return nil, errors.Errorf("layer %d has no name", i)
		}
		if seen[src.Name] {
			return nil, errors.Errorf("duplicate layer name %q", src.Name)
		}
		seen[src.Name] = true

		layer := src
		layer.Parameters = make(map[string]interface{}, len(src.Parameters))
		for k, v := range src.Parameters {
			layer.Parameters[k] = v
		}
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		model.Layers[i] = layer

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case ReLU:
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, 0, errors.New("missing or non-positive output_size parameter")
	}
	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	// [batch, channels, height, width] flattens to channels*height*width
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// Summary renders one row per layer, e.g.
//
//	fc2 (Dense)  [4 5] -> [4 2]  12
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "uncompiled model"
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, layer := range ms.Layers {
		fmt.Fprintf(tw, "%s (%s)\t%v -> %v\t%d\n",
			layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}
	tw.Flush()
	fmt.Fprintf(&b, "%d parameters, %v -> %v\n", ms.TotalParameters, ms.InputShape, ms.OutputShape)
	return b.String()
}
