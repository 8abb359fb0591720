package faceloss

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// BottleneckExpansion is the ratio of a bottleneck block's output
// channels to its inner width.
const BottleneckExpansion = 4

// Bottleneck is the ResNet-50 residual unit: 1x1 -> 3x3 -> 1x1
// convolutions, each followed by batch normalization, with the stride on
// the first 1x1 convolution. The block input is added back (through a
// 1x1 projection when the shape changes) before the final ReLU.
type Bottleneck struct {
	main       *Net
	downsample *Net
	relu       *ReluLayer
	inAct      *Vol
	mainAct    *Vol
	resAct     *Vol
	sum        *Vol
	outAct     *Vol
}

func NewBottleneck(inplanes, planes, stride int, eps float64, r *rand.Rand) *Bottleneck {
	b := &Bottleneck{
		main: &Net{Names: []string{"conv1", "bn1", "", "conv2", "bn2", "", "conv3", "bn3"}},
		relu: &ReluLayer{outDepth: planes * BottleneckExpansion},
	}

	b.main.MakeLayers([]LayerDef{
		{Type: LayerConv, InDepth: inplanes, Sx: 1, Stride: stride, Filters: planes},
		{Type: LayerBatchNorm, Eps: eps},
		{Type: LayerRelu},
		{Type: LayerConv, Sx: 3, Pad: 1, Filters: planes},
		{Type: LayerBatchNorm, Eps: eps},
		{Type: LayerRelu},
		{Type: LayerConv, Sx: 1, Filters: planes * BottleneckExpansion},
		{Type: LayerBatchNorm, Eps: eps},
	}, r)

	if stride != 1 || inplanes != planes*BottleneckExpansion {
		b.downsample = &Net{}
		b.downsample.MakeLayers([]LayerDef{
			{Type: LayerConv, InDepth: inplanes, Sx: 1, Stride: stride, Filters: planes * BottleneckExpansion},
			{Type: LayerBatchNorm, Eps: eps},
		}, r)
	}

	return b
}

func (b *Bottleneck) OutDepth() int                  { return b.relu.outDepth }
func (b *Bottleneck) OutShape(sx, sy int) (int, int) { return b.main.OutShape(sx, sy) }

func (b *Bottleneck) Forward(v *Vol) *Vol {
	b.inAct = v
	b.mainAct = b.main.Forward(v)

	b.resAct = v
	if b.downsample != nil {
		b.resAct = b.downsample.Forward(v)
	}

	b.sum = b.mainAct.Clone()
	b.sum.AddFrom(b.resAct)
	b.outAct = b.relu.Forward(b.sum)

	return b.outAct
}

func (b *Bottleneck) Backward() {
	b.relu.Backward()

	// the sum passes its gradient unchanged to both branches
	b.mainAct.Dw = b.sum.Dw
	b.main.Backward()
	dx := b.inAct.Dw

	if b.downsample != nil {
		b.resAct.Dw = b.sum.Dw
		b.downsample.Backward()
		floats.Add(b.inAct.Dw, dx)
	} else {
		b.inAct.Dw = dx
		floats.Add(b.inAct.Dw, b.sum.Dw)
	}
}

func (b *Bottleneck) ParamsAndGrads() []ParamsAndGrads {
	response := b.main.ParamsAndGrads()
	if b.downsample != nil {
		response = append(response, b.downsample.ParamsAndGrads()...)
	}
	return response
}

func (b *Bottleneck) freeze() {
	b.main.freeze()
	if b.downsample != nil {
		b.downsample.freeze()
	}
}

func (b *Bottleneck) share() Layer {
	b2 := &Bottleneck{
		main: b.main.share().(*Net),
		relu: b.relu.share().(*ReluLayer),
	}
	if b.downsample != nil {
		b2.downsample = b.downsample.share().(*Net)
	}
	return b2
}

func (b *Bottleneck) bind(prefix string, visit func(*Param)) {
	b.main.bind(prefix, visit)
	if b.downsample != nil {
		b.downsample.bind(prefix+"downsample.", visit)
	}
}
