package checkpoint

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// The VGGFace2 weights are a pickled dict of numpy arrays, written by
// Python 2. Arrays unpickle as
//
//	numpy.core.multiarray._reconstruct(numpy.ndarray, (0,), b'b')
//	BUILD (version, shape, dtype, is_fortran, raw bytes)
//
// and dtypes as numpy.dtype('f4', 0, 1) followed by BUILD (3, '<', ...).

func loadPickle(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readPickle(bufio.NewReader(f))
}

func readPickle(r io.Reader) (StateDict, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findNumpyClass

	obj, err := u.Load()
	if err != nil {
		return nil, err
	}

	entries, err := dictEntries(obj)
	if err != nil {
		return nil, err
	}

	sd := make(StateDict, len(entries))
	for _, e := range entries {
		a, ok := e.value.(*ndarray)
		if !ok {
			return nil, errors.Errorf("entry %q is %s, not an array", e.key, typeName(e.value))
		}

		t, err := a.tensor()
		if err != nil {
			return nil, errors.Wrapf(err, "array %q", e.key)
		}
		sd[normalizeKey(e.key)] = t
	}

	return sd, nil
}

func findNumpyClass(module, name string) (interface{}, error) {
	switch module + "." + name {
	case "numpy.core.multiarray._reconstruct", "numpy._core.multiarray._reconstruct":
		return reconstructFunc{}, nil
	case "numpy.ndarray":
		return ndarrayClass{}, nil
	case "numpy.dtype":
		return dtypeClass{}, nil
	}
	return nil, errors.Errorf("unsupported class %s.%s", module, name)
}

type ndarrayClass struct{}

type reconstructFunc struct{}

var _ types.Callable = reconstructFunc{}

func (reconstructFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("_reconstruct without arguments")
	}
	if _, ok := args[0].(ndarrayClass); !ok {
		return nil, errors.Errorf("_reconstruct of %s", typeName(args[0]))
	}
	return &ndarray{}, nil
}

type dtypeClass struct{}

var _ types.Callable = dtypeClass{}

func (dtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("dtype without arguments")
	}
	code, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("dtype code %s", typeName(args[0]))
	}
	return &dtype{code: code, order: binary.ByteOrder(binary.LittleEndian)}, nil
}

type dtype struct {
	code  string
	order binary.ByteOrder
}

var _ types.PyStateSettable = (*dtype)(nil)

func (d *dtype) PySetState(state interface{}) error {
	items, ok := tupleItems(state)
	if !ok || len(items) < 2 {
		return errors.Errorf("dtype state %s", typeName(state))
	}
	switch items[1] {
	case ">":
		d.order = binary.BigEndian
	case "<", "|", "=":
		d.order = binary.LittleEndian
	default:
		return errors.Errorf("dtype byte order %v", items[1])
	}
	return nil
}

func (d *dtype) itemSize() (int, error) {
	switch d.code {
	case "f2":
		return 2, nil
	case "f4":
		return 4, nil
	case "f8":
		return 8, nil
	}
	return 0, errors.Errorf("unsupported dtype %q", d.code)
}

func (d *dtype) decode(b []byte) float64 {
	switch len(b) {
	case 2:
		return float64(halfToFloat32(d.order.Uint16(b)))
	case 4:
		return float64(math.Float32frombits(d.order.Uint32(b)))
	}
	return math.Float64frombits(d.order.Uint64(b))
}

type ndarray struct {
	shape   []int
	dtype   *dtype
	fortran bool
	raw     []byte
}

var _ types.PyStateSettable = (*ndarray)(nil)

func (a *ndarray) PySetState(state interface{}) error {
	items, ok := tupleItems(state)
	if !ok || len(items) != 5 {
		return errors.Errorf("ndarray state %s", typeName(state))
	}

	dims, ok := tupleItems(items[1])
	if !ok {
		return errors.Errorf("ndarray shape %s", typeName(items[1]))
	}
	a.shape = make([]int, len(dims))
	for i, d := range dims {
		n, ok := d.(int)
		if !ok {
			return errors.Errorf("ndarray dimension %s", typeName(d))
		}
		a.shape[i] = n
	}

	if a.dtype, ok = items[2].(*dtype); !ok {
		return errors.Errorf("ndarray dtype %s", typeName(items[2]))
	}
	a.fortran, _ = items[3].(bool)

	switch raw := items[4].(type) {
	case string:
		// Python 2 str: the bytes are kept as they are
		a.raw = []byte(raw)
	case []byte:
		a.raw = raw
	default:
		return errors.Errorf("ndarray data %s", typeName(items[4]))
	}

	return nil
}

func (a *ndarray) tensor() (*Tensor, error) {
	if a.dtype == nil {
		return nil, errors.New("array was never built")
	}
	size, err := a.dtype.itemSize()
	if err != nil {
		return nil, err
	}

	t := &Tensor{Shape: a.shape}
	n := t.Len()
	if len(a.raw) != n*size {
		return nil, errors.Errorf("%d bytes for %d values of %d bytes", len(a.raw), n, size)
	}

	t.Data = make([]float64, n)
	for i := range t.Data {
		t.Data[i] = a.dtype.decode(a.raw[i*size : (i+1)*size])
	}

	if a.fortran && len(a.shape) > 1 {
		t.Data = fortranToC(t.Data, a.shape)
	}

	return t, nil
}

// fortranToC reorders column-major data to row-major.
func fortranToC(data []float64, shape []int) []float64 {
	out := make([]float64, len(data))
	cstride := contiguousStrides(shape)

	idx := make([]int, len(shape))
	for n := range data {
		// n walks the column-major order: first dimension fastest
		off := 0
		for d, i := range idx {
			off += i * cstride[d]
		}
		out[off] = data[n]

		for d := 0; d < len(idx); d++ {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return out
}

// halfToFloat32 widens an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalise
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
}
