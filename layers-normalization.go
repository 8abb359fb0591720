package faceloss

import "math"

// Batch normalization in inference mode: every channel is shifted and
// scaled by its running statistics, then by the learned affine terms.
//
//	y = (x - running_mean) / sqrt(running_var + eps) * weight + bias
type BatchNormLayer struct {
	depth    int
	eps      float64
	frozen   bool
	gamma    *Vol
	beta     *Vol
	mean     *Vol
	variance *Vol
	inAct    *Vol
	outAct   *Vol
	scale    []float64
}

func newBatchNormLayer(def LayerDef) *BatchNormLayer {
	return &BatchNormLayer{
		depth:    def.InDepth,
		eps:      def.Eps,
		gamma:    NewVol(1, 1, def.InDepth, 1.0),
		beta:     NewVol(1, 1, def.InDepth, 0.0),
		mean:     NewVol(1, 1, def.InDepth, 0.0),
		variance: NewVol(1, 1, def.InDepth, 1.0),
	}
}

func (l *BatchNormLayer) OutDepth() int                  { return l.depth }
func (l *BatchNormLayer) OutShape(sx, sy int) (int, int) { return sx, sy }

func (l *BatchNormLayer) Forward(v *Vol) *Vol {
	l.inAct = v

	// fold the statistics into one multiply-add per element
	scale := make([]float64, l.depth)
	shift := make([]float64, l.depth)
	for d := 0; d < l.depth; d++ {
		scale[d] = l.gamma.W[d] / math.Sqrt(l.variance.W[d]+l.eps)
		shift[d] = l.beta.W[d] - l.mean.W[d]*scale[d]
	}

	a := v.CloneAndZero()
	for i, x := range v.W {
		d := i % l.depth
		a.W[i] = x*scale[d] + shift[d]
	}

	l.scale = scale
	l.outAct = a

	return l.outAct
}

func (l *BatchNormLayer) Backward() {
	v := l.inAct
	v.Dw = make([]float64, len(v.W))
	dy := l.outAct.grad()

	for i := range v.Dw {
		v.Dw[i] = dy[i] * l.scale[i%l.depth]
	}

	if l.frozen {
		return
	}

	dg, db := l.gamma.grad(), l.beta.grad()
	for i, x := range v.W {
		d := i % l.depth
		xhat := (x - l.mean.W[d]) / math.Sqrt(l.variance.W[d]+l.eps)
		dg[d] += dy[i] * xhat
		db[d] += dy[i]
	}
}

// ParamsAndGrads only covers the affine terms; running statistics are
// never trained here.
func (l *BatchNormLayer) ParamsAndGrads() []ParamsAndGrads {
	if l.frozen {
		return nil
	}

	return []ParamsAndGrads{{
		Params:     l.gamma.W,
		Grads:      l.gamma.grad(),
		L2DecayMul: 0.0,
	}, {
		Params:     l.beta.W,
		Grads:      l.beta.grad(),
		L2DecayMul: 0.0,
	}}
}

func (l *BatchNormLayer) freeze() {
	l.frozen = true
	l.gamma.Dw = nil
	l.beta.Dw = nil
}

func (l *BatchNormLayer) share() Layer {
	l2 := *l
	l2.inAct, l2.outAct, l2.scale = nil, nil, nil
	return &l2
}

func (l *BatchNormLayer) bind(prefix string, visit func(*Param)) {
	visit(vecParam(prefix+"weight", l.gamma))
	visit(vecParam(prefix+"bias", l.beta))
	visit(vecParam(prefix+"running_mean", l.mean))
	visit(vecParam(prefix+"running_var", l.variance))
}
