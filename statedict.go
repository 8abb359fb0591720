package faceloss

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/BenLubar/faceloss/checkpoint"
)

var (
	ErrUnexpectedKey = errors.New("faceloss: unexpected key in state_dict")
	ErrMissingKey    = errors.New("faceloss: missing key in state_dict")
	ErrParamShape    = errors.New("faceloss: parameter shape mismatch")
)

// Param is one named tensor of a network as it appears in a state dict.
type Param struct {
	Name  string
	Shape []int

	get func() []float64
	set func([]float64)
}

func (p *Param) len() int {
	n := 1
	for _, s := range p.Shape {
		n *= s
	}
	return n
}

func vecParam(name string, v *Vol) *Param {
	return &Param{
		Name:  name,
		Shape: []int{len(v.W)},
		get:   func() []float64 { return append([]float64(nil), v.W...) },
		set:   func(data []float64) { copy(v.W, data) },
	}
}

// buffers torch keeps in a state dict that the network has no use for
func ignoredKey(name string) bool {
	return strings.HasSuffix(name, ".num_batches_tracked")
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Params lists the network's state dict entries in order.
func (n *ResNet) Params() []*Param {
	var params []*Param
	n.bind(func(p *Param) { params = append(params, p) })
	return params
}

// StateDict exports the parameters.
func (n *ResNet) StateDict() checkpoint.StateDict {
	sd := make(checkpoint.StateDict)
	for _, p := range n.Params() {
		sd[p.Name] = &checkpoint.Tensor{Shape: append([]int(nil), p.Shape...), Data: p.get()}
	}
	return sd
}

// LoadStateDict copies checkpoint tensors into the network. A tensor whose
// shape differs from its parameter is always an error. Unexpected and
// missing keys are errors when strict; otherwise they are logged and the
// affected parameters keep their current values.
func (n *ResNet) LoadStateDict(sd checkpoint.StateDict, strict bool, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	params := n.Params()
	known := make(map[string]bool, len(params))
	var missing []string

	for _, p := range params {
		known[p.Name] = true

		t, ok := sd[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !sameShape(p.Shape, t.Shape) && !(t.Len() == p.len() && len(p.Shape) == 1) {
			return errors.Wrapf(ErrParamShape, "while copying the parameter named %s, whose dimensions in the model are %v and whose dimensions in the checkpoint are %v", p.Name, p.Shape, t.Shape)
		}

		p.set(t.Data)
		log.Debug("loaded parameter", zap.String("name", p.Name), zap.Ints("shape", t.Shape))
	}

	var unexpected []string
	for _, k := range sd.Keys() {
		if !known[k] && !ignoredKey(k) {
			unexpected = append(unexpected, k)
		}
	}

	if strict {
		if len(unexpected) > 0 {
			return errors.Wrapf(ErrUnexpectedKey, "unexpected key %q in state_dict", unexpected[0])
		}
		if len(missing) > 0 {
			return errors.Wrapf(ErrMissingKey, "missing key %q in state_dict", missing[0])
		}
	}

	if len(unexpected) > 0 {
		log.Info("ignoring unexpected checkpoint keys", zap.Int("count", len(unexpected)), zap.Strings("keys", unexpected))
	}
	if len(missing) > 0 {
		log.Warn("checkpoint is missing parameters", zap.Int("count", len(missing)), zap.Strings("keys", missing))
	}

	log.Info("loaded state dict",
		zap.Int("params", len(params)-len(missing)),
		zap.Int("values", sd.NumParams()),
		zap.Bool("strict", strict))

	return nil
}

var blockKey = regexp.MustCompile(`^layer([1-4])\.(\d+)\.`)

// InferDef reconstructs the network definition a state dict was saved
// from: the number of blocks per stage, the base width, the input depth
// and the classifier size.
func InferDef(sd checkpoint.StateDict) (ResNetDef, error) {
	def := ResNet50Def

	conv1, ok := sd["conv1.weight"]
	if !ok || len(conv1.Shape) != 4 {
		return def, errors.Wrap(ErrMissingKey, "conv1.weight")
	}
	def.Planes = conv1.Shape[0]
	def.InDepth = conv1.Shape[1]

	blocks := [4]map[int]bool{{}, {}, {}, {}}
	for k := range sd {
		m := blockKey.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		stage, _ := strconv.Atoi(m[1])
		block, _ := strconv.Atoi(m[2])
		blocks[stage-1][block] = true
	}
	for i, b := range blocks {
		if len(b) == 0 {
			return def, errors.Wrapf(ErrMissingKey, "no blocks for layer%d", i+1)
		}
		ids := make([]int, 0, len(b))
		for id := range b {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		if ids[len(ids)-1] != len(ids)-1 {
			return def, errors.Errorf("faceloss: layer%d blocks are not numbered 0..%d", i+1, len(ids)-1)
		}
		def.Layers[i] = len(ids)
	}

	def.NumClasses = 0
	if fc, ok := sd["fc.weight"]; ok && len(fc.Shape) == 2 {
		def.NumClasses = fc.Shape[0]
	}

	return def, nil
}
