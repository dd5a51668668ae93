package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of network layer
type LayerType int

const (
	Conv2DLayer LayerType = iota
	LeakyReLULayer
	MaxPool2DLayer
	UpsampleLayer
	ConcatLayer
	SpatialTransformerLayer
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2DLayer:
		return "Conv2D"
	case LeakyReLULayer:
		return "LeakyReLU"
	case MaxPool2DLayer:
		return "MaxPool2D"
	case UpsampleLayer:
		return "Upsample"
	case ConcatLayer:
		return "Concat"
	case SpatialTransformerLayer:
		return "SpatialTransformer"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one layer of a built network. It carries no
// execution logic.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is the layer-by-layer description of a network for a given
// input shape.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64 `json:"total_parameters"`
	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
}

// Spec walks the network with shape arithmetic only. batch sets the
// leading dimension of the reported shapes.
func (n *RegistrationNetwork) Spec(batch int) *ModelSpec {
	h, w := n.cfg.InShape[0], n.cfg.InShape[1]
	ms := &ModelSpec{InputShape: []int{batch, 2, h, w}}
	shape := []int{batch, 2, h, w}

	add := func(spec LayerSpec) {
		spec.InputShape = append([]int(nil), shape...)
		ms.Layers = append(ms.Layers, spec)
		ms.TotalParameters += spec.ParameterCount
	}
	conv := func(name string, c *Conv2D) {
		add(LayerSpec{
			Type: Conv2DLayer,
			Name: name,
			Parameters: map[string]interface{}{
				"input_channels":  c.InChannels(),
				"output_channels": c.OutChannels(),
				"kernel_size":     c.KernelSize(),
				"padding":         1,
			},
			OutputShape:     []int{batch, c.OutChannels(), shape[2], shape[3]},
			ParameterShapes: [][]int{c.Weight().Shape, c.Bias().Shape},
			ParameterCount:  int64(c.Weight().NumElems + c.Bias().NumElems),
		})
		shape = []int{batch, c.OutChannels(), shape[2], shape[3]}
	}
	block := func(name string, b *ConvBlock) {
		conv(name, b.Conv())
		add(LayerSpec{
			Type:        LeakyReLULayer,
			Name:        name + ".act",
			Parameters:  map[string]interface{}{"negative_slope": b.activation.Slope},
			OutputShape: append([]int(nil), shape...),
		})
	}

	var skips [][]int
	for i, b := range n.unet.encoder {
		block(fmt.Sprintf("unet.enc%d", i), b)
		skips = append(skips, shape)
		out := []int{batch, shape[1], shape[2] / 2, shape[3] / 2}
		add(LayerSpec{Type: MaxPool2DLayer, Name: fmt.Sprintf("unet.pool%d", i),
			Parameters: map[string]interface{}{"pool_size": 2}, OutputShape: out})
		shape = out
	}
	for i, b := range n.unet.decoder {
		block(fmt.Sprintf("unet.dec%d", i), b)
		out := []int{batch, shape[1], shape[2] * 2, shape[3] * 2}
		add(LayerSpec{Type: UpsampleLayer, Name: fmt.Sprintf("unet.up%d", i),
			Parameters: map[string]interface{}{"scale_factor": 2}, OutputShape: out})
		shape = out
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		out = []int{batch, shape[1] + skip[1], shape[2], shape[3]}
		add(LayerSpec{Type: ConcatLayer, Name: fmt.Sprintf("unet.cat%d", i),
			Parameters: map[string]interface{}{"skip_channels": skip[1]}, OutputShape: out})
		shape = out
	}
	for i, b := range n.unet.final {
		block(fmt.Sprintf("unet.final%d", i), b)
	}
	conv("flow", n.flow)
	flowShape := shape
	shape = []int{batch, 1, h, w}
	add(LayerSpec{Type: SpatialTransformerLayer, Name: "transformer",
		Parameters:  map[string]interface{}{"mode": "bilinear", "flow_shape": flowShape},
		OutputShape: append([]int(nil), shape...)})

	ms.OutputShape = shape
	return ms
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n", layer.ParameterCount))
		if len(layer.Parameters) > 0 {
			sb.WriteString(fmt.Sprintf("  Config: %v\n", layer.Parameters))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParameterShapes lists the shapes of every trainable tensor in network order.
func (ms *ModelSpec) ParameterShapes() [][]int {
	var shapes [][]int
	for _, l := range ms.Layers {
		shapes = append(shapes, l.ParameterShapes...)
	}
	return shapes
}
