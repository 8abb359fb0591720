package faceloss

import (
	"math/rand"
	"strconv"
)

type LayerType int

const (
	LayerConv       LayerType = iota + 1 // conv
	LayerBatchNorm                       // batchnorm
	LayerRelu                            // relu
	LayerPool                            // pool
	LayerAvgPool                         // avgpool
	LayerFC                              // fc
	LayerSoftmax                         // softmax
	LayerBottleneck                      // bottleneck
)

func (t LayerType) String() string {
	switch t {
	case LayerConv:
		return "conv"
	case LayerBatchNorm:
		return "batchnorm"
	case LayerRelu:
		return "relu"
	case LayerPool:
		return "pool"
	case LayerAvgPool:
		return "avgpool"
	case LayerFC:
		return "fc"
	case LayerSoftmax:
		return "softmax"
	case LayerBottleneck:
		return "bottleneck"
	}
	return "LayerType(" + strconv.Itoa(int(t)) + ")"
}

type LayerDef struct {
	Type       LayerType
	InDepth    int
	Sx         int
	Sy         int // defaults to Sx
	Stride     int // defaults to 1
	Pad        int
	CeilMode   bool
	Filters    int
	NumNeurons int
	Bias       bool
	Eps        float64 // defaults to 1e-5
	L1DecayMul float64
	L2DecayMul float64 // defaults to 1
}

// Layer is one stage of the forward computation. A layer remembers the
// activations of its last Forward call; Backward reads the gradient in the
// output's Dw and replaces the input's Dw with a freshly allocated slice,
// so callers may keep a reference to an earlier Dw of the same Vol.
type Layer interface {
	OutDepth() int
	// OutShape returns the spatial output size for an input of sx x sy.
	// A non-positive result means the input is too small.
	OutShape(sx, sy int) (int, int)

	Forward(v *Vol) *Vol
	Backward()
	ParamsAndGrads() []ParamsAndGrads

	freeze()
	// share returns a layer using the same parameters but its own
	// activations, for use on another goroutine.
	share() Layer
	bind(prefix string, visit func(*Param))
}

type ParamsAndGrads struct {
	Params     []float64
	Grads      []float64
	L1DecayMul float64
	L2DecayMul float64
}

func newLayer(def LayerDef, r *rand.Rand) Layer {
	if def.Sy == 0 {
		def.Sy = def.Sx
	}
	if def.Stride == 0 {
		def.Stride = 1
	}
	if def.Eps == 0 {
		def.Eps = 1e-5
	}
	if def.L2DecayMul == 0 {
		def.L2DecayMul = 1.0
	}

	switch def.Type {
	case LayerConv:
		return newConvLayer(def, r)
	case LayerBatchNorm:
		return newBatchNormLayer(def)
	case LayerRelu:
		return &ReluLayer{outDepth: def.InDepth}
	case LayerPool:
		return newPoolLayer(def)
	case LayerAvgPool:
		return &GlobalAvgPoolLayer{outDepth: def.InDepth}
	case LayerFC:
		return newFullyConnLayer(def, r)
	case LayerSoftmax:
		return &SoftmaxLayer{outDepth: def.InDepth}
	}
	panic("faceloss: unrecognized layer type: " + def.Type.String())
}

// Net manages a set of layers applied in order.
// Names, when set, give the state dict name of each layer; unnamed
// layers are named by their index.
type Net struct {
	Layers []Layer
	Names  []string
}

// MakeLayers creates the network layer objects from a list of layer
// definitions. Each definition's input depth is taken from the layer
// before it; the first definition must set InDepth.
func (n *Net) MakeLayers(defs []LayerDef, r *rand.Rand) {
	if len(defs) == 0 {
		panic("faceloss: at least one layer is required")
	}
	if defs[0].InDepth <= 0 {
		panic("faceloss: first layer must declare its input depth")
	}

	n.Layers = make([]Layer, len(defs))
	for i, def := range defs {
		if i > 0 {
			def.InDepth = n.Layers[i-1].OutDepth()
		}

		n.Layers[i] = newLayer(def, r)
	}
}

func (n *Net) OutDepth() int {
	return n.Layers[len(n.Layers)-1].OutDepth()
}

func (n *Net) OutShape(sx, sy int) (int, int) {
	for _, l := range n.Layers {
		if sx <= 0 || sy <= 0 {
			break
		}
		sx, sy = l.OutShape(sx, sy)
	}
	return sx, sy
}

// forward prop the network.
func (n *Net) Forward(v *Vol) *Vol {
	act := v
	for _, l := range n.Layers {
		act = l.Forward(act)
	}
	return act
}

// backprop: compute gradients wrt the input of the first layer, and wrt
// all parameters of layers that are not frozen.
func (n *Net) Backward() {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		n.Layers[i].Backward()
	}
}

// accumulate parameters and gradients for the entire network
func (n *Net) ParamsAndGrads() []ParamsAndGrads {
	var response []ParamsAndGrads

	for _, l := range n.Layers {
		response = append(response, l.ParamsAndGrads()...)
	}

	return response
}

func (n *Net) freeze() {
	for _, l := range n.Layers {
		l.freeze()
	}
}

func (n *Net) share() Layer {
	n2 := &Net{
		Layers: make([]Layer, len(n.Layers)),
		Names:  n.Names,
	}
	for i, l := range n.Layers {
		n2.Layers[i] = l.share()
	}
	return n2
}

func (n *Net) bind(prefix string, visit func(*Param)) {
	for i, l := range n.Layers {
		name := strconv.Itoa(i)
		if i < len(n.Names) && n.Names[i] != "" {
			name = n.Names[i]
		}
		l.bind(prefix+name+".", visit)
	}
}
