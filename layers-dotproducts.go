package faceloss

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// This file contains all layers that do dot products with input,
// but usually in a different connectivity pattern and weight sharing
// schemes:
// - FullyConn is fully connected dot products
// - ConvLayer does convolutions (so weight sharing spatially)
// putting them together in one file because they are very similar.
// Both keep their filters in one contiguous row-major block so the
// products can be handed to gonum as a single matrix.

type ConvLayer struct {
	sx         int
	sy         int
	inDepth    int
	outDepth   int
	stride     int
	pad        int
	frozen     bool
	l1DecayMul float64
	l2DecayMul float64
	weights    *Vol   // outDepth x (sy*sx*inDepth), one filter per row
	filters    []*Vol // views into weights
	biases     *Vol   // nil for convolutions without bias
	inAct      *Vol
	outAct     *Vol
	cols       []float64 // im2col of inAct
}

func newConvLayer(def LayerDef, r *rand.Rand) *ConvLayer {
	l := &ConvLayer{
		sx:         def.Sx,
		sy:         def.Sy,
		inDepth:    def.InDepth,
		outDepth:   def.Filters,
		stride:     def.Stride,
		pad:        def.Pad,
		l1DecayMul: def.L1DecayMul,
		l2DecayMul: def.L2DecayMul,
	}

	// kaiming normal, fan out
	std := math.Sqrt(2.0 / float64(l.outDepth*l.sx*l.sy))
	l.weights = NewVolRandStd(1, l.outDepth, l.sx*l.sy*l.inDepth, std, r)
	l.makeFilters()

	if def.Bias {
		l.biases = NewVol(1, 1, l.outDepth, 0.0)
	}

	return l
}

func (l *ConvLayer) makeFilters() {
	k := l.sx * l.sy * l.inDepth
	l.filters = make([]*Vol, l.outDepth)

	for i := range l.filters {
		l.filters[i] = &Vol{Sx: l.sx, Sy: l.sy, Depth: l.inDepth, W: l.weights.W[i*k : (i+1)*k]}
	}
}

func (l *ConvLayer) OutDepth() int { return l.outDepth }

// note we are doing floor, so if the strided convolution of the filter doesnt fit into the input
// volume exactly, the output volume will be trimmed and not contain the (incomplete) computed
// final application.
func (l *ConvLayer) OutShape(sx, sy int) (int, int) {
	return convOutSize(sx, l.sx, l.stride, l.pad), convOutSize(sy, l.sy, l.stride, l.pad)
}

func convOutSize(in, k, stride, pad int) int {
	num := in + 2*pad - k
	if num < 0 {
		return 0
	}
	return num/stride + 1
}

// pointwise reports whether the input itself is the im2col matrix.
func (l *ConvLayer) pointwise() bool {
	return l.sx == 1 && l.sy == 1 && l.stride == 1 && l.pad == 0
}

func (l *ConvLayer) Forward(v *Vol) *Vol {
	l.inAct = v

	outSx, outSy := l.OutShape(v.Sx, v.Sy)
	k := l.sx * l.sy * l.inDepth
	a := NewVol(outSx, outSy, l.outDepth, 0.0)

	if l.pointwise() {
		l.cols = v.W
	} else {
		l.cols = l.im2col(v, outSx, outSy)
	}

	// one row per output position times one column per filter is exactly
	// the HWC layout of the output volume
	cols := mat.NewDense(outSx*outSy, k, l.cols)
	f := mat.NewDense(l.outDepth, k, l.weights.W)
	out := mat.NewDense(outSx*outSy, l.outDepth, a.W)
	out.Mul(cols, f.T())

	if l.biases != nil {
		for p := 0; p < outSx*outSy; p++ {
			floats.Add(a.W[p*l.outDepth:(p+1)*l.outDepth], l.biases.W)
		}
	}

	l.outAct = a

	return l.outAct
}

// im2col lays out every receptive field as one row, zero padded.
func (l *ConvLayer) im2col(v *Vol, outSx, outSy int) []float64 {
	k := l.sx * l.sy * l.inDepth
	cols := make([]float64, outSx*outSy*k)

	y := -l.pad
	for ay := 0; ay < outSy; y, ay = y+l.stride, ay+1 {
		x := -l.pad

		for ax := 0; ax < outSx; x, ax = x+l.stride, ax+1 {
			row := cols[(ay*outSx+ax)*k:]

			for fy := 0; fy < l.sy; fy++ {
				oy := y + fy // coordinates in the original input array coordinates
				if oy < 0 || oy >= v.Sy {
					continue
				}

				for fx := 0; fx < l.sx; fx++ {
					ox := x + fx
					if ox < 0 || ox >= v.Sx {
						continue
					}

					i := v.index(ox, oy, 0)
					copy(row[(fy*l.sx+fx)*l.inDepth:], v.W[i:i+l.inDepth])
				}
			}
		}
	}

	return cols
}

// col2im scatters row gradients back onto the input positions they were
// gathered from.
func (l *ConvLayer) col2im(dcols []float64, v *Vol) {
	k := l.sx * l.sy * l.inDepth
	outSx, outSy := l.outAct.Sx, l.outAct.Sy

	y := -l.pad
	for ay := 0; ay < outSy; y, ay = y+l.stride, ay+1 {
		x := -l.pad

		for ax := 0; ax < outSx; x, ax = x+l.stride, ax+1 {
			row := dcols[(ay*outSx+ax)*k:]

			for fy := 0; fy < l.sy; fy++ {
				oy := y + fy
				if oy < 0 || oy >= v.Sy {
					continue
				}

				for fx := 0; fx < l.sx; fx++ {
					ox := x + fx
					if ox < 0 || ox >= v.Sx {
						continue
					}

					i := v.index(ox, oy, 0)
					j := (fy*l.sx + fx) * l.inDepth
					floats.Add(v.Dw[i:i+l.inDepth], row[j:j+l.inDepth])
				}
			}
		}
	}
}

func (l *ConvLayer) Backward() {
	V := l.inAct
	k := l.sx * l.sy * l.inDepth
	positions := l.outAct.Sx * l.outAct.Sy

	dout := mat.NewDense(positions, l.outDepth, l.outAct.grad())
	f := mat.NewDense(l.outDepth, k, l.weights.W)

	// gradient wrt bottom data
	dcols := make([]float64, positions*k)
	mat.NewDense(positions, k, dcols).Mul(dout, f)

	if l.pointwise() {
		V.Dw = dcols
	} else {
		V.Dw = make([]float64, len(V.W))
		l.col2im(dcols, V)
	}

	if l.frozen {
		return
	}

	// gradient wrt filters
	var df mat.Dense
	df.Mul(dout.T(), mat.NewDense(positions, k, l.cols))
	floats.Add(l.weights.grad(), df.RawMatrix().Data)

	if l.biases != nil {
		bg := l.biases.grad()
		for p := 0; p < positions; p++ {
			floats.Add(bg, l.outAct.Dw[p*l.outDepth:(p+1)*l.outDepth])
		}
	}
}

func (l *ConvLayer) ParamsAndGrads() []ParamsAndGrads {
	if l.frozen {
		return nil
	}

	response := make([]ParamsAndGrads, 0, l.outDepth+1)
	dw := l.weights.grad()
	k := l.sx * l.sy * l.inDepth

	for i := 0; i < l.outDepth; i++ {
		response = append(response, ParamsAndGrads{
			Params:     l.filters[i].W,
			Grads:      dw[i*k : (i+1)*k],
			L2DecayMul: l.l2DecayMul,
			L1DecayMul: l.l1DecayMul,
		})
	}

	if l.biases != nil {
		response = append(response, ParamsAndGrads{
			Params:     l.biases.W,
			Grads:      l.biases.grad(),
			L1DecayMul: 0.0,
			L2DecayMul: 0.0,
		})
	}

	return response
}

func (l *ConvLayer) freeze() {
	l.frozen = true
	l.weights.Dw = nil
	if l.biases != nil {
		l.biases.Dw = nil
	}
}

func (l *ConvLayer) share() Layer {
	l2 := *l
	l2.inAct, l2.outAct, l2.cols = nil, nil, nil
	return &l2
}

func (l *ConvLayer) bind(prefix string, visit func(*Param)) {
	k := l.sx * l.sy * l.inDepth

	// checkpoints store [out, in, kh, kw]; filters are [kh, kw, in]
	torchIndex := func(o, fy, fx, fd int) int {
		return ((o*l.inDepth+fd)*l.sy+fy)*l.sx + fx
	}
	visit(&Param{
		Name:  prefix + "weight",
		Shape: []int{l.outDepth, l.inDepth, l.sy, l.sx},
		get: func() []float64 {
			data := make([]float64, len(l.weights.W))
			for o := 0; o < l.outDepth; o++ {
				for fy := 0; fy < l.sy; fy++ {
					for fx := 0; fx < l.sx; fx++ {
						for fd := 0; fd < l.inDepth; fd++ {
							data[torchIndex(o, fy, fx, fd)] = l.weights.W[o*k+(fy*l.sx+fx)*l.inDepth+fd]
						}
					}
				}
			}
			return data
		},
		set: func(data []float64) {
			for o := 0; o < l.outDepth; o++ {
				for fy := 0; fy < l.sy; fy++ {
					for fx := 0; fx < l.sx; fx++ {
						for fd := 0; fd < l.inDepth; fd++ {
							l.weights.W[o*k+(fy*l.sx+fx)*l.inDepth+fd] = data[torchIndex(o, fy, fx, fd)]
						}
					}
				}
			}
		},
	})

	if l.biases != nil {
		visit(vecParam(prefix+"bias", l.biases))
	}
}

type FullyConnLayer struct {
	outDepth   int
	numInputs  int
	frozen     bool
	l1DecayMul float64
	l2DecayMul float64
	weights    *Vol // outDepth x numInputs
	biases     *Vol
	inAct      *Vol
	outAct     *Vol
}

func newFullyConnLayer(def LayerDef, r *rand.Rand) *FullyConnLayer {
	l := &FullyConnLayer{
		outDepth:   def.NumNeurons,
		numInputs:  def.InDepth,
		l1DecayMul: def.L1DecayMul,
		l2DecayMul: def.L2DecayMul,
	}

	l.weights = NewVolRandStd(1, l.outDepth, l.numInputs, math.Sqrt(1.0/float64(l.numInputs)), r)
	l.biases = NewVol(1, 1, l.outDepth, 0.0)

	return l
}

func (l *FullyConnLayer) OutDepth() int                  { return l.outDepth }
func (l *FullyConnLayer) OutShape(sx, sy int) (int, int) { return 1, 1 }

// Forward expects a 1x1 input (the pooled features).
func (l *FullyConnLayer) Forward(v *Vol) *Vol {
	l.inAct = v
	a := NewVol(1, 1, l.outDepth, 0.0)

	out := mat.NewVecDense(l.outDepth, a.W)
	out.MulVec(mat.NewDense(l.outDepth, l.numInputs, l.weights.W), mat.NewVecDense(l.numInputs, v.W))
	floats.Add(a.W, l.biases.W)

	l.outAct = a

	return l.outAct
}

func (l *FullyConnLayer) Backward() {
	v := l.inAct
	v.Dw = make([]float64, len(v.W)) // zero out the gradient in input Vol

	for i := 0; i < l.outDepth; i++ {
		chainGrad := l.outAct.grad()[i]
		f := l.weights.W[i*l.numInputs : (i+1)*l.numInputs]

		floats.AddScaled(v.Dw, chainGrad, f) // grad wrt input data

		if !l.frozen {
			floats.AddScaled(l.weights.grad()[i*l.numInputs:(i+1)*l.numInputs], chainGrad, v.W) // grad wrt params
			l.biases.grad()[i] += chainGrad
		}
	}
}

func (l *FullyConnLayer) ParamsAndGrads() []ParamsAndGrads {
	if l.frozen {
		return nil
	}

	return []ParamsAndGrads{{
		Params:     l.weights.W,
		Grads:      l.weights.grad(),
		L1DecayMul: l.l1DecayMul,
		L2DecayMul: l.l2DecayMul,
	}, {
		Params:     l.biases.W,
		Grads:      l.biases.grad(),
		L1DecayMul: 0.0,
		L2DecayMul: 0.0,
	}}
}

func (l *FullyConnLayer) freeze() {
	l.frozen = true
	l.weights.Dw = nil
	l.biases.Dw = nil
}

func (l *FullyConnLayer) share() Layer {
	l2 := *l
	l2.inAct, l2.outAct = nil, nil
	return &l2
}

func (l *FullyConnLayer) bind(prefix string, visit func(*Param)) {
	visit(&Param{
		Name:  prefix + "weight",
		Shape: []int{l.outDepth, l.numInputs},
		get:   func() []float64 { return append([]float64(nil), l.weights.W...) },
		set:   func(data []float64) { copy(l.weights.W, data) },
	})
	visit(vecParam(prefix+"bias", l.biases))
}
