package faceloss

import "math"

// PoolLayer does max pooling. With ceil mode the output covers the whole
// input: a trailing partial window is kept as long as it starts inside
// the input or left padding, and takes the max of its in-bounds values.
type PoolLayer struct {
	sx       int
	sy       int
	stride   int
	pad      int
	ceilMode bool
	depth    int
	switches []int // index into inAct.W of the max for each output
	inAct    *Vol
	outAct   *Vol
}

func newPoolLayer(def LayerDef) *PoolLayer {
	return &PoolLayer{
		sx:       def.Sx,
		sy:       def.Sy,
		stride:   def.Stride,
		pad:      def.Pad,
		ceilMode: def.CeilMode,
		depth:    def.InDepth,
	}
}

func (l *PoolLayer) OutDepth() int { return l.depth }
func (l *PoolLayer) OutShape(sx, sy int) (int, int) {
	return poolOutSize(sx, l.sx, l.stride, l.pad, l.ceilMode), poolOutSize(sy, l.sy, l.stride, l.pad, l.ceilMode)
}

func poolOutSize(in, k, stride, pad int, ceilMode bool) int {
	num := in + 2*pad - k
	if num < 0 {
		return 0
	}
	if !ceilMode {
		return num/stride + 1
	}

	out := (num+stride-1)/stride + 1
	// the last window has to start inside the input or the left padding
	if (out-1)*stride >= in+pad {
		out--
	}
	return out
}

func (l *PoolLayer) Forward(v *Vol) *Vol {
	l.inAct = v

	outSx, outSy := l.OutShape(v.Sx, v.Sy)
	a := NewVol(outSx, outSy, l.depth, 0.0)
	l.switches = make([]int, len(a.W))

	y := -l.pad
	for ay := 0; ay < outSy; y, ay = y+l.stride, ay+1 {
		x := -l.pad

		for ax := 0; ax < outSx; x, ax = x+l.stride, ax+1 {
			for d := 0; d < l.depth; d++ {
				bestValue := math.Inf(-1)
				win := -1

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

						// perform max pooling and store pointers to where
						// the max came from. This will speed up backprop
						i := v.index(ox, oy, d)
						if v.W[i] > bestValue {
							bestValue = v.W[i]
							win = i
						}
					}
				}

				n := a.index(ax, ay, d)
				l.switches[n] = win
				if win >= 0 {
					a.W[n] = bestValue
				}
			}
		}
	}

	l.outAct = a

	return l.outAct
}

func (l *PoolLayer) Backward() {
	// pooling layers have no parameters, so simply compute
	// gradient wrt data here
	v := l.inAct
	v.Dw = make([]float64, len(v.W))
	dy := l.outAct.grad()

	for n, win := range l.switches {
		if win >= 0 {
			v.Dw[win] += dy[n]
		}
	}
}

func (l *PoolLayer) ParamsAndGrads() []ParamsAndGrads { return nil }
func (l *PoolLayer) freeze()                          {}
func (l *PoolLayer) bind(string, func(*Param))        {}
func (l *PoolLayer) share() Layer {
	l2 := *l
	l2.inAct, l2.outAct, l2.switches = nil, nil, nil
	return &l2
}

// GlobalAvgPoolLayer averages every channel over all spatial positions.
type GlobalAvgPoolLayer struct {
	outDepth int
	inAct    *Vol
	outAct   *Vol
}

func (l *GlobalAvgPoolLayer) OutDepth() int                    { return l.outDepth }
func (l *GlobalAvgPoolLayer) OutShape(sx, sy int) (int, int)   { return 1, 1 }
func (l *GlobalAvgPoolLayer) ParamsAndGrads() []ParamsAndGrads { return nil }
func (l *GlobalAvgPoolLayer) freeze()                          {}
func (l *GlobalAvgPoolLayer) bind(string, func(*Param))        {}
func (l *GlobalAvgPoolLayer) share() Layer {
	return &GlobalAvgPoolLayer{outDepth: l.outDepth}
}

func (l *GlobalAvgPoolLayer) Forward(v *Vol) *Vol {
	l.inAct = v
	a := NewVol(1, 1, l.outDepth, 0.0)
	n := float64(v.Sx * v.Sy)

	for i, x := range v.W {
		a.W[i%l.outDepth] += x
	}
	for d := range a.W {
		a.W[d] /= n
	}

	l.outAct = a

	return l.outAct
}

func (l *GlobalAvgPoolLayer) Backward() {
	v := l.inAct
	v.Dw = make([]float64, len(v.W))
	dy := l.outAct.grad()
	n := float64(v.Sx * v.Sy)

	for i := range v.Dw {
		v.Dw[i] = dy[i%l.outDepth] / n
	}
}
