// Package checkpoint reads and writes the pretrained weight files the
// face network is initialised from.
package checkpoint

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Tensor is a dense array in row-major order, shaped as in the file it
// was read from.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func (t *Tensor) Len() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// StateDict maps parameter names to tensors.
type StateDict map[string]*Tensor

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NumParams counts the values of all tensors.
func (sd StateDict) NumParams() int {
	n := 0
	for _, t := range sd {
		n += len(t.Data)
	}
	return n
}

type Format int

const (
	FormatAuto   Format = iota // auto
	FormatTorch                // torch
	FormatPickle               // pickle
	FormatJSON                 // json
)

func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatTorch:
		return "torch"
	case FormatPickle:
		return "pickle"
	case FormatJSON:
		return "json"
	}
	return "Format(?)"
}

func ParseFormat(s string) (Format, error) {
	for _, f := range []Format{FormatAuto, FormatTorch, FormatPickle, FormatJSON} {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, errors.Errorf("checkpoint: unknown format %q", s)
}

// Detect picks a format from the file extension.
func Detect(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth", ".bin":
		return FormatTorch, nil
	case ".pkl", ".pickle":
		return FormatPickle, nil
	case ".json":
		return FormatJSON, nil
	}
	return 0, errors.Errorf("checkpoint: cannot tell the format of %q", path)
}

// Strict reports whether checkpoints of this format must match the
// network exactly. The VGGFace2 pickle release is loaded strictly; torch
// state dicts carry a classifier head the loss does not use.
func (f Format) Strict() bool {
	return f == FormatPickle || f == FormatJSON
}

// Load reads a state dict, detecting the format when f is FormatAuto.
// It returns the format actually used.
func Load(path string, f Format) (StateDict, Format, error) {
	if f == FormatAuto {
		var err error
		if f, err = Detect(path); err != nil {
			return nil, f, err
		}
	}

	var (
		sd  StateDict
		err error
	)
	switch f {
	case FormatTorch:
		sd, err = loadTorch(path)
	case FormatPickle:
		sd, err = loadPickle(path)
	case FormatJSON:
		sd, err = loadJSON(path)
	default:
		return nil, f, errors.Errorf("checkpoint: unsupported format %v", f)
	}
	if err != nil {
		return nil, f, errors.Wrapf(err, "checkpoint: loading %s", path)
	}

	return sd, f, nil
}

// prefixes added by wrappers such as DataParallel
var stripPrefixes = []string{"module.", "model."}

func normalizeKey(k string) string {
	for _, p := range stripPrefixes {
		k = strings.TrimPrefix(k, p)
	}
	return k
}
