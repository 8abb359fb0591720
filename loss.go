package faceloss

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

var (
	ErrShapeMismatch = errors.New("faceloss: shape mismatch")
	ErrAlphas        = errors.New("faceloss: one alpha per feature map is required")
)

// DefaultAlphas weight the five feature maps, from the stem convolution
// to layer4.
var DefaultAlphas = []float64{0.1, 0.25 * 0.01, 0.25 * 0.1, 0.25 * 0.2, 0.25 * 0.02}

// normEps keeps normalized features finite at all-zero positions.
const normEps = 1e-10

// Reduction selects how the difference of two feature maps becomes one
// number.
type Reduction int

const (
	// ReduceMean is the mean absolute difference.
	ReduceMean Reduction = iota // mean
	// ReduceSum is the summed absolute difference.
	ReduceSum // sum
	// ReduceNormalized divides every position's channel vector by its L2
	// norm before taking the mean absolute difference.
	ReduceNormalized // normalized
)

func (r Reduction) String() string {
	switch r {
	case ReduceMean:
		return "mean"
	case ReduceSum:
		return "sum"
	case ReduceNormalized:
		return "normalized"
	}
	return "Reduction(?)"
}

func ParseReduction(s string) (Reduction, error) {
	for _, r := range []Reduction{ReduceMean, ReduceSum, ReduceNormalized} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, errors.Errorf("faceloss: unknown reduction %q", s)
}

// FaceLoss compares an image with its reconstruction through a frozen
// ResNet and returns the weighted sum of per-tap feature distances.
// It is safe for concurrent use.
type FaceLoss struct {
	net       *ResNet
	alphas    []float64
	reduction Reduction
	average   bool
	workers   int
	log       *zap.Logger

	replicas sync.Pool
}

type Option func(*FaceLoss)

func WithAlphas(alphas []float64) Option {
	return func(f *FaceLoss) { f.alphas = append([]float64(nil), alphas...) }
}

func WithReduction(r Reduction) Option {
	return func(f *FaceLoss) { f.reduction = r }
}

// WithAverage divides the weighted sum by the number of taps.
func WithAverage(average bool) Option {
	return func(f *FaceLoss) { f.average = average }
}

// WithWorkers bounds the number of image pairs Batch evaluates at once.
func WithWorkers(n int) Option {
	return func(f *FaceLoss) { f.workers = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(f *FaceLoss) { f.log = log }
}

// New wraps net, freezing it.
func New(net *ResNet, opts ...Option) (*FaceLoss, error) {
	f := &FaceLoss{
		net:     net,
		alphas:  append([]float64(nil), DefaultAlphas...),
		workers: 1,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if len(f.alphas) != NumTaps {
		return nil, errors.Wrapf(ErrAlphas, "got %d", len(f.alphas))
	}
	if f.reduction < ReduceMean || f.reduction > ReduceNormalized {
		return nil, errors.Errorf("faceloss: invalid reduction %d", f.reduction)
	}
	if f.workers < 1 {
		f.workers = 1
	}

	net.Freeze()
	f.replicas.New = func() interface{} { return net.replica() }

	f.log.Debug("face loss ready",
		zap.Float64s("alphas", f.alphas),
		zap.Stringer("reduction", f.reduction),
		zap.Bool("average", f.average),
		zap.Int("workers", f.workers))

	return f, nil
}

func (f *FaceLoss) Net() *ResNet         { return f.net }
func (f *FaceLoss) Alphas() []float64    { return append([]float64(nil), f.alphas...) }
func (f *FaceLoss) Reduction() Reduction { return f.reduction }

// Result is the loss of one pair or the mean over a batch.
type Result struct {
	Loss float64
	// Terms are the weighted per-tap distances; they add up to Loss (times
	// the number of taps when averaging).
	Terms [NumTaps]float64
}

// Forward returns the face loss of rec against x.
func (f *FaceLoss) Forward(ctx context.Context, x, rec *Vol) (float64, error) {
	res, err := f.Evaluate(ctx, x, rec)
	if err != nil {
		return 0, err
	}
	return res.Loss, nil
}

// Evaluate returns the loss and its per-tap terms.
func (f *FaceLoss) Evaluate(ctx context.Context, x, rec *Vol) (*Result, error) {
	return f.pair(ctx, x, rec, false)
}

// Gradient evaluates the loss and stores its gradient with respect to rec
// in rec.Dw.
func (f *FaceLoss) Gradient(ctx context.Context, x, rec *Vol) (*Result, error) {
	return f.pair(ctx, x, rec, true)
}

// Batch returns the mean loss over pairs (xs[i], recs[i]), which equals
// the loss of the concatenated batch. With grad set every recs[i].Dw
// receives the gradient of the mean.
func (f *FaceLoss) Batch(ctx context.Context, xs, recs []*Vol, grad bool) (*Result, error) {
	if len(xs) != len(recs) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d originals, %d reconstructions", len(xs), len(recs))
	}
	if len(xs) == 0 {
		return nil, errors.New("faceloss: empty batch")
	}

	results := make([]*Result, len(xs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i := range xs {
		i := i
		g.Go(func() error {
			res, err := f.pair(gctx, xs[i], recs[i], grad)
			if err != nil {
				return errors.Wrapf(err, "pair %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scale := 1.0 / float64(len(xs))
	mean := &Result{}
	for i, res := range results {
		mean.Loss += res.Loss * scale
		for t := range mean.Terms {
			mean.Terms[t] += res.Terms[t] * scale
		}
		if grad {
			floats.Scale(scale, recs[i].Dw)
		}
	}

	f.log.Debug("batch face loss", zap.Int("pairs", len(xs)), zap.Float64("loss", mean.Loss))

	return mean, nil
}

func (f *FaceLoss) pair(ctx context.Context, x, rec *Vol, grad bool) (*Result, error) {
	if !x.SameShape(rec) {
		return nil, errors.Wrapf(ErrShapeMismatch, "original is %dx%dx%d, reconstruction is %dx%dx%d",
			x.Sx, x.Sy, x.Depth, rec.Sx, rec.Sy, rec.Depth)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nx := f.replicas.Get().(*ResNet)
	defer f.replicas.Put(nx)
	nr := f.replicas.Get().(*ResNet)
	defer f.replicas.Put(nr)

	// both images go through the shared backbone at once
	var fx, fr []*Vol
	var g errgroup.Group
	g.Go(func() error {
		var err error
		fx, err = nx.Features(x)
		return err
	})
	g.Go(func() error {
		var err error
		fr, err = nr.Features(rec)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{}
	var grads [][]float64
	if grad {
		grads = make([][]float64, NumTaps)
	}

	scale := 1.0
	if f.average {
		scale = 1.0 / NumTaps
	}

	for i := 0; i < NumTaps; i++ {
		a := f.alphas[i] * scale

		var d float64
		var g []float64
		switch f.reduction {
		case ReduceNormalized:
			d, g = normalizedDistance(fx[i], fr[i], grad)
		default:
			d, g = l1Distance(fx[i].W, fr[i].W, f.reduction == ReduceMean, grad)
		}

		res.Terms[i] = a * d
		res.Loss += a * d

		if grad {
			floats.Scale(a, g)
			grads[i] = g
		}
	}

	if grad {
		if err := nr.BackwardFeatures(grads); err != nil {
			return nil, err
		}
	}

	f.log.Debug("face loss",
		zap.Int("sx", x.Sx), zap.Int("sy", x.Sy),
		zap.Float64("loss", res.Loss),
		zap.Float64s("terms", res.Terms[:]))

	return res, nil
}

// l1Distance returns the mean (or sum) of |a - b| and, when asked, its
// gradient with respect to b. The gradient of |0| is taken to be 0.
func l1Distance(a, b []float64, mean, grad bool) (float64, []float64) {
	n := 1.0
	if mean {
		n = float64(len(a))
	}

	d := floats.Distance(a, b, 1) / n

	var g []float64
	if grad {
		g = make([]float64, len(b))
		for i := range b {
			switch {
			case b[i] > a[i]:
				g[i] = 1 / n
			case b[i] < a[i]:
				g[i] = -1 / n
			}
		}
	}

	return d, g
}

// normalizedDistance compares feature maps after scaling every spatial
// position to unit channel norm.
func normalizedDistance(a, b *Vol, grad bool) (float64, []float64) {
	na, _ := normalizeChannels(a)
	nb, norms := normalizeChannels(b)

	d, gn := l1Distance(na, nb, true, grad)
	if !grad {
		return d, nil
	}

	// back through n = x / (|x| + eps), one position at a time
	g := make([]float64, len(b.W))
	depth := b.Depth
	for p, r := range norms {
		x := b.W[p*depth : (p+1)*depth]
		gp := gn[p*depth : (p+1)*depth]
		s := r + normEps

		dot := 0.0
		if r > 0 {
			dot = floats.Dot(x, gp) / (r * s * s)
		}
		for c := range x {
			g[p*depth+c] = gp[c]/s - x[c]*dot
		}
	}

	return d, g
}

func normalizeChannels(v *Vol) ([]float64, []float64) {
	out := make([]float64, len(v.W))
	norms := make([]float64, v.Sx*v.Sy)

	for p := range norms {
		x := v.W[p*v.Depth : (p+1)*v.Depth]
		r := math.Sqrt(floats.Dot(x, x))
		norms[p] = r
		floats.ScaleTo(out[p*v.Depth:(p+1)*v.Depth], 1/(r+normEps), x)
	}

	return out, norms
}

// Similarity returns the cosine similarity of the pooled embeddings of
// two images.
func (f *FaceLoss) Similarity(ctx context.Context, a, b *Vol) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	na := f.replicas.Get().(*ResNet)
	defer f.replicas.Put(na)
	nb := f.replicas.Get().(*ResNet)
	defer f.replicas.Put(nb)

	var ea, eb *Vol
	var g errgroup.Group
	g.Go(func() error {
		var err error
		ea, err = na.Embed(a)
		return err
	})
	g.Go(func() error {
		var err error
		eb, err = nb.Embed(b)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	den := floats.Norm(ea.W, 2) * floats.Norm(eb.W, 2)
	if den == 0 {
		return 0, nil
	}
	return floats.Dot(ea.W, eb.W) / den, nil
}

// Classify returns the class probabilities of an image when the network
// has a classifier head.
func (f *FaceLoss) Classify(ctx context.Context, v *Vol) (*Vol, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := f.replicas.Get().(*ResNet)
	defer f.replicas.Put(n)

	return n.Classify(v)
}

// Features runs one image through the backbone.
func (f *FaceLoss) Features(ctx context.Context, v *Vol) ([]*Vol, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := f.replicas.Get().(*ResNet)
	defer f.replicas.Put(n)

	return n.Features(v)
}
