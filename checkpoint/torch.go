package checkpoint

import (
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/pkg/errors"
)

// wrapper keys under which training scripts nest the weights
var nestedKeys = []string{"state_dict", "model_state_dict", "model"}

func loadTorch(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}
	return torchStateDict(obj)
}

func torchStateDict(obj interface{}) (StateDict, error) {
	entries, err := dictEntries(obj)
	if err != nil {
		return nil, err
	}

	for _, nk := range nestedKeys {
		for _, e := range entries {
			if e.key == nk {
				if _, ok := e.value.(*pytorch.Tensor); !ok {
					return torchStateDict(e.value)
				}
			}
		}
	}

	sd := make(StateDict, len(entries))
	for _, e := range entries {
		t, ok := e.value.(*pytorch.Tensor)
		if !ok {
			// optimizer state, epochs and the like
			continue
		}

		tensor, err := fromTorch(t)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %q", e.key)
		}
		sd[normalizeKey(e.key)] = tensor
	}

	if len(sd) == 0 {
		return nil, errors.New("no tensors found")
	}

	return sd, nil
}

// fromTorch copies a (possibly strided) torch tensor into a dense one.
func fromTorch(t *pytorch.Tensor) (*Tensor, error) {
	var at func(i int) float64

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.DoubleStorage:
		at = func(i int) float64 { return s.Data[i] }
	case *pytorch.HalfStorage:
		at = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.LongStorage:
		at = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.IntStorage:
		at = func(i int) float64 { return float64(s.Data[i]) }
	default:
		return nil, errors.Errorf("unsupported storage %T", t.Source)
	}

	shape := append([]int(nil), t.Size...)
	out := &Tensor{Shape: shape}
	out.Data = make([]float64, out.Len())

	stride := t.Stride
	if len(stride) != len(shape) {
		stride = contiguousStrides(shape)
	}

	idx := make([]int, len(shape))
	for n := range out.Data {
		off := t.StorageOffset
		for d, i := range idx {
			off += i * stride[d]
		}
		out.Data[n] = at(off)

		// advance the multi-index, last dimension fastest
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return out, nil
}

func contiguousStrides(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		stride[d] = acc
		acc *= shape[d]
	}
	return stride
}
