package faceloss

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// NumTaps is the number of feature maps Features returns: the stem
// convolution and the four residual stages.
const NumTaps = 5

var ErrInputTooSmall = errors.New("faceloss: input too small for the network")

// ResNetDef describes a bottleneck ResNet.
type ResNetDef struct {
	Layers     [4]int  // bottleneck blocks per stage
	Planes     int     // inner width of the first stage, doubled per stage
	InDepth    int     // input channels
	NumClasses int     // size of the fc head, 0 for none
	Eps        float64 // batch norm epsilon
}

// ResNet50Def is the face network: ResNet-50 on RGB input without a
// classifier head.
var ResNet50Def = ResNetDef{
	Layers:  [4]int{3, 4, 6, 3},
	Planes:  64,
	InDepth: 3,
	Eps:     1e-5,
}

// Channels returns the depth of each tap.
func (d ResNetDef) Channels() [NumTaps]int {
	c := [NumTaps]int{d.Planes}
	for i := 0; i < 4; i++ {
		c[i+1] = d.Planes << uint(i) * BottleneckExpansion
	}
	return c
}

func (d ResNetDef) validate() error {
	if d.Planes <= 0 || d.InDepth <= 0 {
		return errors.Errorf("faceloss: invalid resnet width %d or input depth %d", d.Planes, d.InDepth)
	}
	for i, n := range d.Layers {
		if n <= 0 {
			return errors.Errorf("faceloss: stage %d has %d blocks", i+1, n)
		}
	}
	if d.NumClasses < 0 {
		return errors.Errorf("faceloss: invalid class count %d", d.NumClasses)
	}
	return nil
}

// ResNet is the shared backbone.
//
//	conv1 7x7/2 -> bn1 -> relu -> maxpool 3x3/2 (ceil) -> layer1..layer4
//
// and, when the definition has classes, avgpool -> fc -> softmax.
type ResNet struct {
	def     ResNetDef
	frozen  bool
	conv1   *ConvLayer
	bn1     *BatchNormLayer
	relu    *ReluLayer
	maxpool *PoolLayer
	stages  [4]*Net
	avgpool *GlobalAvgPoolLayer
	fc      *FullyConnLayer
	softmax *SoftmaxLayer

	input *Vol
	taps  [NumTaps]*Vol
}

func NewResNet(def ResNetDef, r *rand.Rand) (*ResNet, error) {
	if def.Eps == 0 {
		def.Eps = 1e-5
	}
	if err := def.validate(); err != nil {
		return nil, err
	}

	n := &ResNet{def: def}
	n.conv1 = newConvLayer(LayerDef{Sx: 7, Sy: 7, Stride: 2, Pad: 3, InDepth: def.InDepth, Filters: def.Planes}, r)
	n.bn1 = newBatchNormLayer(LayerDef{InDepth: def.Planes, Eps: def.Eps})
	n.relu = &ReluLayer{outDepth: def.Planes}
	n.maxpool = newPoolLayer(LayerDef{Sx: 3, Sy: 3, Stride: 2, CeilMode: true, InDepth: def.Planes})

	inplanes := def.Planes
	for i, blocks := range def.Layers {
		planes := def.Planes << uint(i)
		stride := 2
		if i == 0 {
			stride = 1
		}

		stage := &Net{Layers: make([]Layer, blocks)}
		for j := range stage.Layers {
			stage.Layers[j] = NewBottleneck(inplanes, planes, stride, def.Eps, r)
			inplanes = planes * BottleneckExpansion
			stride = 1
		}
		n.stages[i] = stage
	}

	n.avgpool = &GlobalAvgPoolLayer{outDepth: inplanes}
	if def.NumClasses > 0 {
		n.fc = newFullyConnLayer(LayerDef{InDepth: inplanes, NumNeurons: def.NumClasses, L2DecayMul: 1.0}, r)
		n.softmax = &SoftmaxLayer{outDepth: def.NumClasses}
	}

	return n, nil
}

func (n *ResNet) Def() ResNetDef         { return n.def }
func (n *ResNet) Channels() [NumTaps]int { return n.def.Channels() }
func (n *ResNet) Frozen() bool           { return n.frozen }
func (n *ResNet) HasClassifier() bool    { return n.fc != nil }
func (n *ResNet) EmbeddingDepth() int    { return n.avgpool.outDepth }

// Freeze stops all parameters from accumulating gradient. Gradients
// still flow to the input. A frozen network may be shared by replicas on
// several goroutines.
func (n *ResNet) Freeze() {
	n.frozen = true
	for _, l := range n.layers() {
		l.freeze()
	}
}

func (n *ResNet) layers() []Layer {
	ls := []Layer{n.conv1, n.bn1, n.relu, n.maxpool}
	for _, s := range n.stages {
		ls = append(ls, s)
	}
	if n.fc != nil {
		ls = append(ls, n.fc, n.softmax)
	}
	return ls
}

// FeatureShapes returns the (sx, sy, depth) of each tap for an input of
// sx x sy, or ErrInputTooSmall.
func (n *ResNet) FeatureShapes(sx, sy int) ([NumTaps][3]int, error) {
	var shapes [NumTaps][3]int

	sx, sy = n.conv1.OutShape(sx, sy)
	shapes[0] = [3]int{sx, sy, n.conv1.OutDepth()}
	sx, sy = n.maxpool.OutShape(sx, sy)

	for i, s := range n.stages {
		if sx <= 0 || sy <= 0 {
			break
		}
		sx, sy = s.OutShape(sx, sy)
		shapes[i+1] = [3]int{sx, sy, s.OutDepth()}
	}

	for i, s := range shapes {
		if s[0] <= 0 || s[1] <= 0 {
			return shapes, errors.Wrapf(ErrInputTooSmall, "tap %d", i)
		}
	}

	return shapes, nil
}

func (n *ResNet) check(v *Vol) error {
	if v.Depth != n.def.InDepth {
		return errors.Wrapf(ErrShapeMismatch, "input depth %d, network expects %d", v.Depth, n.def.InDepth)
	}
	_, err := n.FeatureShapes(v.Sx, v.Sy)
	return err
}

// Features runs the backbone and returns the five tapped activations:
// the conv1 output before batch norm, then the output of each stage.
func (n *ResNet) Features(v *Vol) ([]*Vol, error) {
	if err := n.check(v); err != nil {
		return nil, err
	}

	n.input = v
	x := n.conv1.Forward(v) // 112x112 for a 224x224 input
	n.taps[0] = x
	x = n.bn1.Forward(x)
	x = n.relu.Forward(x)
	x = n.maxpool.Forward(x) // 56x56

	for i, s := range n.stages {
		x = s.Forward(x) // 56, 28, 14, 7
		n.taps[i+1] = x
	}

	return append([]*Vol(nil), n.taps[:]...), nil
}

// BackwardFeatures back-propagates gradients injected at the taps of the
// last Features call down to the input, leaving the result in the input's
// Dw. A nil entry means no gradient at that tap.
func (n *ResNet) BackwardFeatures(grads [][]float64) error {
	if n.input == nil {
		return errors.New("faceloss: backward before forward")
	}
	if len(grads) != NumTaps {
		return errors.Errorf("faceloss: %d tap gradients, want %d", len(grads), NumTaps)
	}
	for i, g := range grads {
		if g != nil && len(g) != len(n.taps[i].W) {
			return errors.Wrapf(ErrShapeMismatch, "tap %d gradient has %d values, feature has %d", i, len(g), len(n.taps[i].W))
		}
	}

	last := n.taps[NumTaps-1]
	last.Dw = make([]float64, len(last.W))
	if g := grads[NumTaps-1]; g != nil {
		copy(last.Dw, g)
	}

	for i := len(n.stages) - 1; i >= 0; i-- {
		n.stages[i].Backward()
		if i > 0 && grads[i] != nil {
			floats.Add(n.taps[i].Dw, grads[i])
		}
	}

	n.maxpool.Backward()
	n.relu.Backward()
	n.bn1.Backward()
	if grads[0] != nil {
		floats.Add(n.taps[0].Dw, grads[0])
	}
	n.conv1.Backward()

	return nil
}

// Embed returns the globally pooled layer4 features.
func (n *ResNet) Embed(v *Vol) (*Vol, error) {
	features, err := n.Features(v)
	if err != nil {
		return nil, err
	}
	return n.avgpool.Forward(features[NumTaps-1]), nil
}

// Classify returns class probabilities from the fc head.
func (n *ResNet) Classify(v *Vol) (*Vol, error) {
	if n.fc == nil {
		return nil, errors.New("faceloss: network has no classifier head")
	}

	e, err := n.Embed(v)
	if err != nil {
		return nil, err
	}
	return n.softmax.Forward(n.fc.Forward(e)), nil
}

// ParamsAndGrads returns nothing once the network is frozen.
func (n *ResNet) ParamsAndGrads() []ParamsAndGrads {
	var response []ParamsAndGrads
	for _, l := range n.layers() {
		response = append(response, l.ParamsAndGrads()...)
	}
	return response
}

// replica returns a network sharing this one's parameters with its own
// activation storage.
func (n *ResNet) replica() *ResNet {
	n2 := &ResNet{
		def:     n.def,
		frozen:  n.frozen,
		conv1:   n.conv1.share().(*ConvLayer),
		bn1:     n.bn1.share().(*BatchNormLayer),
		relu:    n.relu.share().(*ReluLayer),
		maxpool: n.maxpool.share().(*PoolLayer),
		avgpool: n.avgpool.share().(*GlobalAvgPoolLayer),
	}
	for i, s := range n.stages {
		n2.stages[i] = s.share().(*Net)
	}
	if n.fc != nil {
		n2.fc = n.fc.share().(*FullyConnLayer)
		n2.softmax = n.softmax.share().(*SoftmaxLayer)
	}
	return n2
}

func (n *ResNet) bind(visit func(*Param)) {
	n.conv1.bind("conv1.", visit)
	n.bn1.bind("bn1.", visit)
	for i, s := range n.stages {
		s.bind(fmt.Sprintf("layer%d.", i+1), visit)
	}
	if n.fc != nil {
		n.fc.bind("fc.", visit)
	}
}
