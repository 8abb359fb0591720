package checkpoint

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormats(t *testing.T) {
	for _, f := range []Format{FormatAuto, FormatTorch, FormatPickle, FormatJSON} {
		parsed, err := ParseFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := ParseFormat("onnx")
	assert.Error(t, err)

	for path, want := range map[string]Format{
		"resnet50_ft_weight.pkl": FormatPickle,
		"weights.PT":             FormatTorch,
		"model.pth":              FormatTorch,
		"dump.json":              FormatJSON,
	} {
		got, err := Detect(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err = Detect("weights.h5")
	assert.Error(t, err)

	assert.True(t, FormatPickle.Strict())
	assert.True(t, FormatJSON.Strict())
	assert.False(t, FormatTorch.Strict())
}

func TestStateDict(t *testing.T) {
	sd := StateDict{
		"fc.bias":      {Shape: []int{2}, Data: []float64{1, 2}},
		"conv1.weight": {Shape: []int{1, 1, 2, 2}, Data: []float64{1, 2, 3, 4}},
	}
	assert.Equal(t, []string{"conv1.weight", "fc.bias"}, sd.Keys())
	assert.Equal(t, 6, sd.NumParams())
	assert.Equal(t, 1, (&Tensor{}).Len())
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "conv1.weight", normalizeKey("module.conv1.weight"))
	assert.Equal(t, "conv1.weight", normalizeKey("module.model.conv1.weight"))
	assert.Equal(t, "layer1.0.bn1.bias", normalizeKey("layer1.0.bn1.bias"))
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	sd := StateDict{
		"bn1.weight":   {Shape: []int{3}, Data: []float64{0.5, 1, 1.5}},
		"conv1.weight": {Shape: []int{1, 1, 1, 2}, Data: []float64{-1, 1}},
	}
	require.NoError(t, Save(path, sd))

	got, f, err := Load(path, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	assert.Equal(t, sd, got)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(filepath.Join(dir, "weights.bin.gz"), FormatAuto)
	assert.Error(t, err)

	_, _, err = Load(filepath.Join(dir, "missing.json"), FormatJSON)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"tensors":{"w":{"shape":[3],"data":[1]}}}`), 0o644))
	_, _, err = Load(bad, FormatAuto)
	assert.Error(t, err)
}

func TestFromTorch(t *testing.T) {
	// a 2x3 view with transposed strides over 6 values
	tt := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3, 4, 5}},
		Size:   []int{2, 3},
		Stride: []int{1, 2},
	}
	got, err := fromTorch(tt)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.Equal(t, []float64{0, 2, 4, 1, 3, 5}, got.Data)

	tt = &pytorch.Tensor{
		Source:        &pytorch.DoubleStorage{Data: []float64{9, 9, 7, 8}},
		StorageOffset: 2,
		Size:          []int{2},
		Stride:        []int{1},
	}
	got, err = fromTorch(tt)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8}, got.Data)

	// scalars such as num_batches_tracked
	tt = &pytorch.Tensor{Source: &pytorch.LongStorage{Data: []int64{12}}}
	got, err = fromTorch(tt)
	require.NoError(t, err)
	assert.Equal(t, []float64{12}, got.Data)
}

func torchTensor(data ...float32) *pytorch.Tensor {
	return &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: data},
		Size:   []int{len(data)},
		Stride: []int{1},
	}
}

func TestTorchStateDict(t *testing.T) {
	inner := types.NewOrderedDict()
	inner.Set("module.fc.bias", torchTensor(1, 2))
	inner.Set("module.bn1.weight", torchTensor(3))

	outer := types.NewOrderedDict()
	outer.Set("epoch", 12)
	outer.Set("state_dict", inner)

	sd, err := torchStateDict(outer)
	require.NoError(t, err)
	assert.Equal(t, []string{"bn1.weight", "fc.bias"}, sd.Keys())
	assert.Equal(t, []float64{1, 2}, sd["fc.bias"].Data)

	empty := types.NewOrderedDict()
	empty.Set("epoch", 12)
	_, err = torchStateDict(empty)
	assert.Error(t, err)

	_, err = torchStateDict(42)
	assert.Error(t, err)
}

func TestDictEntries(t *testing.T) {
	entries, err := dictEntries(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, []entry{{key: "a", value: 1}}, entries)

	// plain pickled dicts keep their file order
	d := types.NewDict()
	d.Set("b", 2)
	d.Set("a", 1)
	entries, err = dictEntries(d)
	require.NoError(t, err)
	assert.Equal(t, []entry{{key: "b", value: 2}, {key: "a", value: 1}}, entries)

	_, err = dictEntries([]interface{}{"a", 1})
	assert.Error(t, err)

	od := types.NewOrderedDict()
	od.Set(3, "x")
	_, err = dictEntries(od)
	assert.Error(t, err)

	items, ok := tupleItems(types.NewTupleFromSlice([]interface{}{1, "<"}))
	require.True(t, ok)
	assert.Equal(t, []interface{}{1, "<"}, items)
	_, ok = tupleItems("nope")
	assert.False(t, ok)
}

func TestHalfToFloat32(t *testing.T) {
	for h, want := range map[uint16]float32{
		0x0000: 0,
		0x3c00: 1,
		0xc000: -2,
		0x3555: 0.33325195,
		0x7bff: 65504,
		0x0001: float32(math.Ldexp(1, -24)),
	} {
		assert.Equal(t, want, halfToFloat32(h), "%#04x", h)
	}
	assert.True(t, math.IsInf(float64(halfToFloat32(0x7c00)), 1))
	assert.True(t, math.IsNaN(float64(halfToFloat32(0x7e00))))
}

func TestFortranToC(t *testing.T) {
	// [[1 2 3] [4 5 6]] stored column-major
	got := fortranToC([]float64{1, 4, 2, 5, 3, 6}, []int{2, 3})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, got)
}

func TestNdarrayState(t *testing.T) {
	dt := &dtype{code: "f8"}
	require.NoError(t, dt.PySetState(types.NewTupleFromSlice([]interface{}{3, ">"})))

	raw := make([]byte, 16)
	for i, v := range []float64{1.25, -3} {
		bits := math.Float64bits(v)
		for b := 0; b < 8; b++ {
			raw[i*8+b] = byte(bits >> (56 - 8*b))
		}
	}

	a := &ndarray{}
	state := types.NewTupleFromSlice([]interface{}{
		1,
		types.NewTupleFromSlice([]interface{}{2}),
		dt,
		false,
		string(raw),
	})
	require.NoError(t, a.PySetState(state))

	tensor, err := a.tensor()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.25, -3}, tensor.Data)

	a.raw = a.raw[:8]
	_, err = a.tensor()
	assert.Error(t, err)

	assert.Error(t, (&ndarray{}).PySetState(types.NewTupleFromSlice([]interface{}{1})))
	_, err = (&ndarray{}).tensor()
	assert.Error(t, err)
	_, err = (&dtype{code: "i4"}).itemSize()
	assert.Error(t, err)
}

// vggPickle is {'conv1_7x7_s2/w': float32 array [1.5, -2]} as written by
// Python 2 with protocol 2.
func vggPickle() []byte {
	var b bytes.Buffer
	b.WriteString("\x80\x02}")
	b.WriteString("U\x0econv1_7x7_s2/w")

	b.WriteString("cnumpy.core.multiarray\n_reconstruct\n")
	b.WriteString("cnumpy\nndarray\n")
	b.WriteString("K\x00\x85U\x01b\x87R")

	b.WriteString("(K\x01K\x02\x85")
	b.WriteString("cnumpy\ndtype\nU\x02f4K\x00K\x01\x87R")
	b.WriteString("K\x03U\x01<\x86b")
	b.WriteString("\x89U\x08\x00\x00\xc0\x3f\x00\x00\x00\xc0tb")

	b.WriteString("s.")
	return b.Bytes()
}

func TestReadPickle(t *testing.T) {
	sd, err := readPickle(bytes.NewReader(vggPickle()))
	require.NoError(t, err)
	require.Contains(t, sd, "conv1_7x7_s2/w")
	assert.Equal(t, []int{2}, sd["conv1_7x7_s2/w"].Shape)
	assert.Equal(t, []float64{1.5, -2}, sd["conv1_7x7_s2/w"].Data)

	path := filepath.Join(t.TempDir(), "resnet50_ft_weight.pkl")
	require.NoError(t, os.WriteFile(path, vggPickle(), 0o644))
	fromFile, f, err := Load(path, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, FormatPickle, f)
	assert.Equal(t, sd, fromFile)

	_, err = readPickle(bytes.NewReader([]byte("\x80\x02cos\nsystem\n.")))
	assert.Error(t, err)
}
