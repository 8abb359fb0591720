package faceloss

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

type TrainerMethod int

const (
	MethodSGD        TrainerMethod = iota // sgd
	MethodAdam                            // adam
	MethodADAGrad                         // adagrad
	MethodADADelta                        // adadelta
	MethodWindowGrad                      // windowgrad
	MethodNesterov                        // nesterov
)

var trainerMethodNames = [...]string{"sgd", "adam", "adagrad", "adadelta", "windowgrad", "nesterov"}

func (m TrainerMethod) String() string {
	if m < 0 || int(m) >= len(trainerMethodNames) {
		return "TrainerMethod(?)"
	}
	return trainerMethodNames[m]
}

func ParseTrainerMethod(s string) (TrainerMethod, error) {
	for i, name := range trainerMethodNames {
		if name == s {
			return TrainerMethod(i), nil
		}
	}
	return 0, errors.Errorf("faceloss: unknown trainer method %q", s)
}

type TrainerOptions struct {
	LearningRate float64
	L1Decay      float64
	L2Decay      float64
	BatchSize    int
	Method       TrainerMethod

	Momentum float64
	Ro       float64 // used in adadelta
	Eps      float64 // used in adam or adadelta
	Beta1    float64 // used in adam
	Beta2    float64 // used in adam
}

var DefaultTrainerOptions = TrainerOptions{
	LearningRate: 0.01,
	L1Decay:      0.0,
	L2Decay:      0.0,
	BatchSize:    1,
	Method:       MethodSGD,

	Momentum: 0.9,
	Ro:       0.95,
	Eps:      1e-8,
	Beta1:    0.9,
	Beta2:    0.999,
}

// Objective is something a Trainer can minimize. Evaluate returns the
// current loss and adds its gradient into the Grads of the returned
// parameter sets, which must be the same slices on every call.
type Objective interface {
	Evaluate(ctx context.Context) (float64, []ParamsAndGrads, error)
}

// A projector is an Objective with constraints; Project is called after
// every parameter update.
type projector interface {
	Project()
}

type Trainer struct {
	Objective Objective
	TrainerOptions
	Log *zap.Logger

	k    int         // iteration counter
	gsum [][]float64 // last iteration gradients (used for momentum calculations)
	xsum [][]float64 // used in adam or adadelta
}

type TrainingResult struct {
	Loss        float64
	CostLoss    float64
	L1DecayLoss float64
	L2DecayLoss float64
}

func NewTrainer(obj Objective, opts TrainerOptions) *Trainer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Trainer{
		Objective:      obj,
		TrainerOptions: opts,
		Log:            zap.NewNop(),
	}
}

// Iterations is the number of times Train has been called.
func (t *Trainer) Iterations() int { return t.k }

func (t *Trainer) Train(ctx context.Context) (TrainingResult, error) {
	costLoss, pglist, err := t.Objective.Evaluate(ctx)
	if err != nil {
		return TrainingResult{}, errors.Wrap(err, "evaluating objective")
	}

	l2DecayLoss := 0.0
	l1DecayLoss := 0.0

	t.k++
	if t.k%t.BatchSize == 0 {
		// initialize lists for accumulators. Will only be done once on first iteration
		if len(t.gsum) == 0 && (t.Method != MethodSGD || t.Momentum > 0.0) {
			// only vanilla sgd doesnt need either lists
			// momentum needs gsum
			// adagrad needs gsum
			// adam and adadelta needs gsum and xsum
			for i := 0; i < len(pglist); i++ {
				t.gsum = append(t.gsum, make([]float64, len(pglist[i].Params)))

				if t.Method == MethodAdam || t.Method == MethodADADelta {
					t.xsum = append(t.xsum, make([]float64, len(pglist[i].Params)))
				} else {
					t.xsum = append(t.xsum, nil) // conserve memory
				}
			}
		} else if len(t.gsum) == 0 {
			// so we can grab them from outside the switch statement later
			t.gsum = make([][]float64, len(pglist))
			t.xsum = make([][]float64, len(pglist))
		}
		if len(t.gsum) != len(pglist) {
			return TrainingResult{}, errors.Errorf("faceloss: objective returned %d parameter sets, expected %d", len(pglist), len(t.gsum))
		}

		// adam steps are counted in updates, not iterations
		step := float64(t.k / t.BatchSize)

		// perform an update for all sets of weights
		for i, pg := range pglist {
			p, g := pg.Params, pg.Grads

			// learning rate for some parameters.
			l2Decay := t.L2Decay * pg.L2DecayMul
			l1Decay := t.L1Decay * pg.L1DecayMul

			for j := range p {
				l2DecayLoss += l2Decay * p[j] * p[j] / 2 // accumulate weight decay loss
				l1DecayLoss += l1Decay * math.Abs(p[j])
				l1grad := l1Decay * math.Copysign(1, p[j])
				l2grad := l2Decay * p[j]

				gij := (l2grad + l1grad + g[j]) / float64(t.BatchSize) // raw batch gradient

				gsumi, xsumi := t.gsum[i], t.xsum[i]

				switch t.Method {
				case MethodAdam:
					gsumi[j] = gsumi[j]*t.Beta1 + (1-t.Beta1)*gij         // update biased first moment estimate
					xsumi[j] = xsumi[j]*t.Beta2 + (1-t.Beta2)*gij*gij     // update biased second moment estimate
					biasCorr1 := gsumi[j] / (1 - math.Pow(t.Beta1, step)) // correct bias first moment estimate
					biasCorr2 := xsumi[j] / (1 - math.Pow(t.Beta2, step)) // correct bias second moment estimate
					dx := -t.LearningRate * biasCorr1 / (math.Sqrt(biasCorr2) + t.Eps)
					p[j] += dx
				case MethodADAGrad:
					gsumi[j] = gsumi[j] + gij*gij
					var dx = -t.LearningRate / math.Sqrt(gsumi[j]+t.Eps) * gij
					p[j] += dx
				case MethodWindowGrad:
					// adagrad over a moving window, so the gradient is not
					// accumulated over the entire history of the run
					gsumi[j] = t.Ro*gsumi[j] + (1-t.Ro)*gij*gij
					dx := -t.LearningRate / math.Sqrt(gsumi[j]+t.Eps) * gij // eps added for better conditioning
					p[j] += dx
				case MethodADADelta:
					gsumi[j] = t.Ro*gsumi[j] + (1-t.Ro)*gij*gij
					dx := -math.Sqrt((xsumi[j]+t.Eps)/(gsumi[j]+t.Eps)) * gij
					xsumi[j] = t.Ro*xsumi[j] + (1-t.Ro)*dx*dx // yes, xsum lags behind gsum by 1.
					p[j] += dx
				case MethodNesterov:
					dx := gsumi[j]
					gsumi[j] = gsumi[j]*t.Momentum + t.LearningRate*gij
					dx = t.Momentum*dx - (1.0+t.Momentum)*gsumi[j]
					p[j] += dx
				default:
					// assume SGD
					if t.Momentum > 0.0 {
						// momentum update
						dx := t.Momentum*gsumi[j] - t.LearningRate*gij // step
						gsumi[j] = dx                                  // back this up for next iteration of momentum
						p[j] += dx                                     // apply corrected gradient
					} else {
						// vanilla sgd
						p[j] += -t.LearningRate * gij
					}
				}

				g[j] = 0.0 // zero out gradient so that we can begin accumulating anew
			}
		}

		if pr, ok := t.Objective.(projector); ok {
			pr.Project()
		}
	}

	res := TrainingResult{
		Loss:        costLoss + l1DecayLoss + l2DecayLoss,
		CostLoss:    costLoss,
		L1DecayLoss: l1DecayLoss,
		L2DecayLoss: l2DecayLoss,
	}

	t.Log.Debug("training step",
		zap.Int("iteration", t.k),
		zap.Stringer("method", t.Method),
		zap.Float64("loss", res.Loss))

	return res, nil
}

// ImageObjective refines Image so that it looks like Target to the face
// loss. The pixels of Image are the parameters; after every update they
// are clamped to [Min, Max] unless Max <= Min.
type ImageObjective struct {
	Loss   *FaceLoss
	Target *Vol
	Image  *Vol
	Min    float64
	Max    float64

	grads []float64
}

func (o *ImageObjective) Evaluate(ctx context.Context) (float64, []ParamsAndGrads, error) {
	res, err := o.Loss.Gradient(ctx, o.Target, o.Image)
	if err != nil {
		return 0, nil, err
	}

	if len(o.grads) != len(o.Image.W) {
		o.grads = make([]float64, len(o.Image.W))
	}
	floats.Add(o.grads, o.Image.Dw)

	return res.Loss, []ParamsAndGrads{{Params: o.Image.W, Grads: o.grads}}, nil
}

func (o *ImageObjective) Project() {
	if o.Max <= o.Min {
		return
	}
	for i, v := range o.Image.W {
		o.Image.W[i] = math.Max(o.Min, math.Min(o.Max, v))
	}
}
