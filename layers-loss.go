package faceloss

import (
	"math"

	"github.com/BenLubar/faceloss/cnnutil"
)

// This is a classifier, with N discrete classes from 0 to N-1
// it gets a stream of N incoming numbers and computes the softmax
// function (exponentiate and normalize to sum to 1 as probabilities should)
type SoftmaxLayer struct {
	outDepth int
	inAct    *Vol
	outAct   *Vol
}

func (l *SoftmaxLayer) OutDepth() int                    { return l.outDepth }
func (l *SoftmaxLayer) OutShape(sx, sy int) (int, int)   { return 1, 1 }
func (l *SoftmaxLayer) ParamsAndGrads() []ParamsAndGrads { return nil }
func (l *SoftmaxLayer) freeze()                          {}
func (l *SoftmaxLayer) bind(string, func(*Param))        {}
func (l *SoftmaxLayer) share() Layer                     { return &SoftmaxLayer{outDepth: l.outDepth} }

func (l *SoftmaxLayer) Forward(v *Vol) *Vol {
	l.inAct = v
	a := NewVol(1, 1, l.outDepth, 0.0)

	// compute max activation
	as := v.W
	amax := as[0]
	for i := 1; i < l.outDepth; i++ {
		if as[i] > amax {
			amax = as[i]
		}
	}

	// compute exponentials (carefully to not blow up)
	esum := 0.0
	for i := 0; i < l.outDepth; i++ {
		e := math.Exp(as[i] - amax)
		esum += e
		a.W[i] = e
	}

	// normalize and output to sum to one
	for i := 0; i < l.outDepth; i++ {
		a.W[i] /= esum
	}

	l.outAct = a

	return l.outAct
}

// Backward applies the softmax Jacobian to the output gradient.
func (l *SoftmaxLayer) Backward() {
	x := l.inAct
	x.Dw = make([]float64, len(x.W))
	p, dy := l.outAct.W, l.outAct.grad()

	dot := 0.0
	for i := range p {
		dot += p[i] * dy[i]
	}
	for i := range p {
		x.Dw[i] = p[i] * (dy[i] - dot)
	}
}

// Prediction returns the argmax class of the last forward pass.
func (l *SoftmaxLayer) Prediction() int {
	maxi, _, _, _, _ := cnnutil.MaxMin(l.outAct.W)
	return maxi
}
