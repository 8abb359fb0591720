package faceloss

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyDef has the ResNet-50 topology at a fraction of the width and depth.
var tinyDef = ResNetDef{Layers: [4]int{1, 1, 1, 1}, Planes: 4, InDepth: 3}

func newTinyNet(t *testing.T, seed int64, def ResNetDef) *ResNet {
	t.Helper()
	net, err := NewResNet(def, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return net
}

func TestResNet50Channels(t *testing.T) {
	assert.Equal(t, [NumTaps]int{64, 256, 512, 1024, 2048}, ResNet50Def.Channels())
	assert.Equal(t, [NumTaps]int{4, 16, 32, 64, 128}, tinyDef.Channels())
}

func TestFeatureShapes(t *testing.T) {
	net := newTinyNet(t, 0, tinyDef)

	shapes, err := net.FeatureShapes(224, 224)
	require.NoError(t, err)
	assert.Equal(t, [NumTaps][3]int{
		{112, 112, 4},
		{56, 56, 16},
		{28, 28, 32},
		{14, 14, 64},
		{7, 7, 128},
	}, shapes)

	shapes, err = net.FeatureShapes(32, 32)
	require.NoError(t, err)
	assert.Equal(t, [NumTaps][3]int{
		{16, 16, 4},
		{8, 8, 16},
		{4, 4, 32},
		{2, 2, 64},
		{1, 1, 128},
	}, shapes)

	_, err = net.FeatureShapes(5, 5)
	assert.NoError(t, err)
	_, err = net.FeatureShapes(4, 4)
	assert.ErrorIs(t, err, ErrInputTooSmall)
}

func TestFeatures(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	net := newTinyNet(t, 0, tinyDef)

	v := NewVolRandStd(32, 24, 3, 1.0, r)
	features, err := net.Features(v)
	require.NoError(t, err)
	require.Len(t, features, NumTaps)

	shapes, err := net.FeatureShapes(32, 24)
	require.NoError(t, err)
	for i, f := range features {
		assert.Equal(t, shapes[i], [3]int{f.Sx, f.Sy, f.Depth}, "tap %d", i)
	}

	// the stem tap is taken before batch norm and ReLU
	hasNegative := false
	for _, w := range features[0].W {
		if w < 0 {
			hasNegative = true
		}
	}
	assert.True(t, hasNegative)

	// stage outputs end in ReLU
	for _, f := range features[1:] {
		for _, w := range f.W {
			require.GreaterOrEqual(t, w, 0.0)
		}
	}

	_, err = net.Features(NewVol(32, 32, 1, 0.0))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = net.Features(NewVol(3, 3, 3, 0.0))
	assert.ErrorIs(t, err, ErrInputTooSmall)
}

func TestReplicaSharesParameters(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	net := newTinyNet(t, 0, tinyDef)
	net.Freeze()

	rep := net.replica()
	v := NewVolRandStd(20, 20, 3, 1.0, r)

	want, err := net.Features(v)
	require.NoError(t, err)
	got, err := rep.Features(v)
	require.NoError(t, err)
	for i := range want {
		assert.Equal(t, want[i].W, got[i].W)
	}

	// same storage, so a change to one is seen by the other
	net.conv1.weights.W[0] += 1
	assert.Equal(t, net.conv1.weights.W[0], rep.conv1.weights.W[0])
}

func TestFreeze(t *testing.T) {
	net := newTinyNet(t, 0, tinyDef)
	assert.NotEmpty(t, net.ParamsAndGrads())
	assert.False(t, net.Frozen())

	net.Freeze()
	assert.True(t, net.Frozen())
	assert.Empty(t, net.ParamsAndGrads())
}

func TestBackwardFeatures(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	net := newTinyNet(t, 0, tinyDef)
	net.Freeze()

	assert.Error(t, net.BackwardFeatures(make([][]float64, NumTaps)))

	v := NewVolRandStd(12, 12, 3, 1.0, r)
	features, err := net.Features(v)
	require.NoError(t, err)

	// a random linear function of every tap
	grads := make([][]float64, NumTaps)
	for i, f := range features {
		grads[i] = make([]float64, len(f.W))
		for j := range grads[i] {
			grads[i][j] = r.NormFloat64()
		}
	}
	objective := func() float64 {
		fs, err := net.Features(v)
		require.NoError(t, err)
		sum := 0.0
		for i, f := range fs {
			for j, w := range f.W {
				sum += grads[i][j] * w
			}
		}
		return sum
	}

	require.NoError(t, net.BackwardFeatures(grads))
	require.Len(t, v.Dw, len(v.W))
	analytic := append([]float64(nil), v.Dw...)

	const delta = 0.000001

	for i := 0; i < len(v.W); i += 7 {
		xold := v.W[i]
		v.W[i] += delta
		c0 := objective()
		v.W[i] -= 2 * delta
		c1 := objective()
		v.W[i] = xold

		checkGrad(t, i, analytic[i], (c0-c1)/(2*delta))
	}

	assert.Error(t, net.BackwardFeatures(grads[:2]))
	grads[1] = grads[1][:1]
	assert.ErrorIs(t, net.BackwardFeatures(grads), ErrShapeMismatch)
}

func TestEmbedAndClassify(t *testing.T) {
	r := rand.New(rand.NewSource(4))

	net := newTinyNet(t, 0, tinyDef)
	assert.False(t, net.HasClassifier())
	_, err := net.Classify(NewVol(16, 16, 3, 0.0))
	assert.Error(t, err)

	def := tinyDef
	def.NumClasses = 7
	net = newTinyNet(t, 0, def)
	require.True(t, net.HasClassifier())
	assert.Equal(t, 128, net.EmbeddingDepth())

	v := NewVolRandStd(16, 16, 3, 1.0, r)
	e, err := net.Embed(v)
	require.NoError(t, err)
	assert.Len(t, e.W, 128)

	p, err := net.Classify(v)
	require.NoError(t, err)
	require.Len(t, p.W, 7)
	total := 0.0
	for _, w := range p.W {
		total += w
	}
	assert.InDelta(t, 1, total, 1e-9)
}

func TestResNetDefValidation(t *testing.T) {
	for _, def := range []ResNetDef{
		{Layers: [4]int{1, 1, 1, 1}, Planes: 0, InDepth: 3},
		{Layers: [4]int{1, 1, 1, 1}, Planes: 4, InDepth: 0},
		{Layers: [4]int{1, 0, 1, 1}, Planes: 4, InDepth: 3},
		{Layers: [4]int{1, 1, 1, 1}, Planes: 4, InDepth: 3, NumClasses: -1},
	} {
		_, err := NewResNet(def, nil)
		assert.Error(t, err, "%+v", def)
	}
}
