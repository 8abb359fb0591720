package faceloss

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func newTinyLoss(t *testing.T, opts ...Option) *FaceLoss {
	t.Helper()
	fl, err := New(newTinyNet(t, 0, tinyDef), append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	return fl
}

func randomPair(r *rand.Rand, sx, sy int) (*Vol, *Vol) {
	return NewVolRandStd(sx, sy, 3, 1.0, r), NewVolRandStd(sx, sy, 3, 1.0, r)
}

func TestNewFreezesNetwork(t *testing.T) {
	fl := newTinyLoss(t)
	assert.True(t, fl.Net().Frozen())
	assert.Equal(t, DefaultAlphas, fl.Alphas())
	assert.Equal(t, ReduceMean, fl.Reduction())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(newTinyNet(t, 0, tinyDef), WithAlphas([]float64{1, 2}))
	assert.ErrorIs(t, err, ErrAlphas)

	_, err = New(newTinyNet(t, 0, tinyDef), WithReduction(Reduction(7)))
	assert.Error(t, err)
}

func TestLossOfIdenticalImagesIsZero(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(0))
	fl := newTinyLoss(t)

	x := NewVolRandStd(24, 24, 3, 1.0, r)
	res, err := fl.Gradient(ctx, x, x.Clone())
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Loss)
	assert.Equal(t, [NumTaps]float64{}, res.Terms)

	rec := x.Clone()
	_, err = fl.Gradient(ctx, x, rec)
	require.NoError(t, err)
	for _, g := range rec.Dw {
		require.Equal(t, 0.0, g)
	}
}

func TestLossMatchesFeatureDistances(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(1))
	fl := newTinyLoss(t)
	x, rec := randomPair(r, 32, 32)

	res, err := fl.Evaluate(ctx, x, rec)
	require.NoError(t, err)

	fx, err := fl.Net().Features(x)
	require.NoError(t, err)
	fr, err := fl.Net().Features(rec)
	require.NoError(t, err)

	want := 0.0
	for i := 0; i < NumTaps; i++ {
		sum := 0.0
		for j := range fx[i].W {
			sum += math.Abs(fx[i].W[j] - fr[i].W[j])
		}
		term := DefaultAlphas[i] * sum / float64(len(fx[i].W))
		assert.InDelta(t, term, res.Terms[i], 1e-12, "tap %d", i)
		want += term
	}
	assert.InDelta(t, want, res.Loss, 1e-12)
	assert.Greater(t, res.Loss, 0.0)

	loss, err := fl.Forward(ctx, x, rec)
	require.NoError(t, err)
	assert.Equal(t, res.Loss, loss)
}

func TestLossIsSymmetric(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(2))
	fl := newTinyLoss(t)
	x, rec := randomPair(r, 20, 28)

	a, err := fl.Forward(ctx, x, rec)
	require.NoError(t, err)
	b, err := fl.Forward(ctx, rec, x)
	require.NoError(t, err)
	assert.InDelta(t, a, b, 1e-12)
}

func TestLossReductions(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(3))
	x, rec := randomPair(r, 16, 16)

	mean, err := newTinyLoss(t).Evaluate(ctx, x, rec)
	require.NoError(t, err)

	sum, err := newTinyLoss(t, WithReduction(ReduceSum)).Evaluate(ctx, x, rec)
	require.NoError(t, err)
	shapes, err := newTinyNet(t, 0, tinyDef).FeatureShapes(16, 16)
	require.NoError(t, err)
	for i, s := range shapes {
		assert.InDelta(t, mean.Terms[i]*float64(s[0]*s[1]*s[2]), sum.Terms[i], 1e-9)
	}

	avg, err := newTinyLoss(t, WithAverage(true)).Evaluate(ctx, x, rec)
	require.NoError(t, err)
	assert.InDelta(t, mean.Loss/NumTaps, avg.Loss, 1e-12)

	alphas := []float64{0, 0, 0, 0, 1}
	last, err := newTinyLoss(t, WithAlphas(alphas)).Evaluate(ctx, x, rec)
	require.NoError(t, err)
	assert.InDelta(t, mean.Terms[4]/DefaultAlphas[4], last.Loss, 1e-12)

	norm, err := newTinyLoss(t, WithReduction(ReduceNormalized)).Evaluate(ctx, x, rec)
	require.NoError(t, err)
	assert.Greater(t, norm.Loss, 0.0)
	// unit channel vectors differ by at most 2 in every coordinate
	for i, term := range norm.Terms {
		assert.LessOrEqual(t, term, 2*DefaultAlphas[i])
	}
}

func TestParseReduction(t *testing.T) {
	for _, red := range []Reduction{ReduceMean, ReduceSum, ReduceNormalized} {
		got, err := ParseReduction(red.String())
		require.NoError(t, err)
		assert.Equal(t, red, got)
	}
	_, err := ParseReduction("max")
	assert.Error(t, err)
}

func TestLossShapeMismatch(t *testing.T) {
	ctx := context.Background()
	fl := newTinyLoss(t)

	_, err := fl.Forward(ctx, NewVol(16, 16, 3, 0.0), NewVol(16, 17, 3, 0.0))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = fl.Forward(ctx, NewVol(16, 16, 1, 0.0), NewVol(16, 16, 1, 0.0))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = fl.Forward(ctx, NewVol(4, 4, 3, 0.0), NewVol(4, 4, 3, 0.0))
	assert.ErrorIs(t, err, ErrInputTooSmall)
}

func TestLossCancelled(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	x, rec := randomPair(r, 16, 16)
	fl := newTinyLoss(t)

	loss, err := fl.Forward(context.Background(), x, rec)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = fl.Forward(ctx, x, rec)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = fl.Similarity(ctx, x, rec)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = fl.Batch(ctx, []*Vol{x}, []*Vol{rec}, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatchCancelledMidway(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancel as soon as the first pair has been scored
	var once sync.Once
	log := zaptest.NewLogger(t).WithOptions(zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "face loss" {
			once.Do(cancel)
		}
		return nil
	}))
	fl, err := New(newTinyNet(t, 0, tinyDef), WithWorkers(2), WithLogger(log))
	require.NoError(t, err)

	var xs, recs []*Vol
	for i := 0; i < 20; i++ {
		x, rec := randomPair(r, 16, 16)
		xs, recs = append(xs, x), append(recs, rec)
	}

	_, err = fl.Batch(ctx, xs, recs, true)
	assert.ErrorIs(t, err, context.Canceled)
}

// it should compute correct gradient at the reconstruction
func TestLossGradient(t *testing.T) {
	for _, red := range []Reduction{ReduceMean, ReduceSum, ReduceNormalized} {
		t.Run(red.String(), func(t *testing.T) {
			ctx := context.Background()
			r := rand.New(rand.NewSource(5))
			fl := newTinyLoss(t, WithReduction(red))
			x, rec := randomPair(r, 12, 12)

			_, err := fl.Gradient(ctx, x, rec)
			require.NoError(t, err)
			require.Len(t, rec.Dw, len(rec.W))
			analytic := append([]float64(nil), rec.Dw...)

			const delta = 0.000001

			for i := 0; i < len(rec.W); i += 5 {
				xold := rec.W[i]
				rec.W[i] += delta
				c0, err := fl.Forward(ctx, x, rec)
				require.NoError(t, err)
				rec.W[i] -= 2 * delta
				c1, err := fl.Forward(ctx, x, rec)
				require.NoError(t, err)
				rec.W[i] = xold // reset

				checkGrad(t, i, analytic[i], (c0-c1)/(2*delta))
			}
		})
	}
}

func TestBatchIsMeanOfPairs(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(6))
	fl := newTinyLoss(t, WithWorkers(3))

	var xs, recs []*Vol
	var want Result
	var wantGrads [][]float64
	for i := 0; i < 5; i++ {
		x, rec := randomPair(r, 16, 16)
		xs, recs = append(xs, x), append(recs, rec)

		single := rec.Clone()
		res, err := fl.Gradient(ctx, x, single)
		require.NoError(t, err)
		want.Loss += res.Loss / 5
		for j := range want.Terms {
			want.Terms[j] += res.Terms[j] / 5
		}
		wantGrads = append(wantGrads, single.Dw)
	}

	got, err := fl.Batch(ctx, xs, recs, true)
	require.NoError(t, err)
	assert.InDelta(t, want.Loss, got.Loss, 1e-12)
	assert.InDeltaSlice(t, want.Terms[:], got.Terms[:], 1e-12)

	for i, rec := range recs {
		require.Len(t, rec.Dw, len(wantGrads[i]))
		for j, g := range wantGrads[i] {
			assert.InDelta(t, g/5, rec.Dw[j], 1e-12)
		}
	}

	noGrad, err := fl.Batch(ctx, xs, recs, false)
	require.NoError(t, err)
	assert.InDelta(t, got.Loss, noGrad.Loss, 1e-12)
}

func TestBatchErrors(t *testing.T) {
	ctx := context.Background()
	fl := newTinyLoss(t)

	_, err := fl.Batch(ctx, nil, nil, false)
	assert.Error(t, err)

	_, err = fl.Batch(ctx, []*Vol{NewVol(8, 8, 3, 0.0)}, nil, false)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	xs := []*Vol{NewVol(8, 8, 3, 0.0), NewVol(8, 8, 3, 0.0)}
	recs := []*Vol{NewVol(8, 8, 3, 0.0), NewVol(9, 8, 3, 0.0)}
	_, err = fl.Batch(ctx, xs, recs, false)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConcurrentUse(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	fl := newTinyLoss(t)

	type pair struct{ x, rec *Vol }
	pairs := make([]pair, 8)
	want := make([]float64, len(pairs))
	for i := range pairs {
		pairs[i].x, pairs[i].rec = randomPair(r, 16, 16)
		var err error
		want[i], err = fl.Forward(ctx, pairs[i].x, pairs[i].rec)
		require.NoError(t, err)
	}

	got := make([]float64, len(pairs))
	errs := make([]error, len(pairs))
	done := make(chan struct{})
	for i := range pairs {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			got[i], errs[i] = fl.Forward(ctx, pairs[i].x, pairs[i].rec)
		}(i)
	}
	for range pairs {
		<-done
	}

	for i := range pairs {
		require.NoError(t, errs[i])
		assert.Equal(t, want[i], got[i])
	}
}

func TestSimilarity(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(8))
	fl := newTinyLoss(t)
	x, y := randomPair(r, 16, 16)

	self, err := fl.Similarity(ctx, x, x)
	require.NoError(t, err)
	assert.InDelta(t, 1, self, 1e-9)

	other, err := fl.Similarity(ctx, x, y)
	require.NoError(t, err)
	assert.True(t, other >= -1 && other <= 1)

	zero, err := fl.Similarity(ctx, NewVol(16, 16, 3, 0.0), x)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, zero, -1.0)
}

func TestFaceLossFeaturesAndClassify(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(9))

	def := tinyDef
	def.NumClasses = 4
	fl, err := New(newTinyNet(t, 0, def))
	require.NoError(t, err)

	v := NewVolRandStd(16, 16, 3, 1.0, r)
	features, err := fl.Features(ctx, v)
	require.NoError(t, err)
	assert.Len(t, features, NumTaps)

	p, err := fl.Classify(ctx, v)
	require.NoError(t, err)
	assert.Len(t, p.W, 4)
}
