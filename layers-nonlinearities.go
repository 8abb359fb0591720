package faceloss

// Implements ReLU nonlinearity elementwise
// x -> max(0, x)
// the output is in [0, inf)
type ReluLayer struct {
	outDepth int
	inAct    *Vol
	outAct   *Vol
}

func (l *ReluLayer) OutDepth() int                    { return l.outDepth }
func (l *ReluLayer) OutShape(sx, sy int) (int, int)   { return sx, sy }
func (l *ReluLayer) ParamsAndGrads() []ParamsAndGrads { return nil }
func (l *ReluLayer) freeze()                          {}
func (l *ReluLayer) bind(string, func(*Param))        {}
func (l *ReluLayer) share() Layer                     { return &ReluLayer{outDepth: l.outDepth} }

func (l *ReluLayer) Forward(v *Vol) *Vol {
	l.inAct = v
	v2 := v.Clone()

	for i := range v2.W {
		if v2.W[i] < 0 {
			v2.W[i] = 0 // threshold at 0
		}
	}

	l.outAct = v2

	return l.outAct
}
func (l *ReluLayer) Backward() {
	v := l.inAct // we need to set dw of this
	v2 := l.outAct
	dy := v2.grad()
	v.Dw = make([]float64, len(v.W)) // zero out gradient wrt data

	for i := range v.Dw {
		if v2.W[i] > 0 {
			v.Dw[i] = dy[i]
		}
	}
}
