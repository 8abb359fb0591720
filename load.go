package faceloss

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/BenLubar/faceloss/checkpoint"
)

// LoadOptions controls LoadResNet.
type LoadOptions struct {
	Format checkpoint.Format
	// Strict overrides the format's default key strictness.
	Strict *bool
	Log    *zap.Logger
}

// LoadResNet reads a checkpoint, builds the network it describes and
// copies the weights in. The network is frozen.
func LoadResNet(path string, opts LoadOptions) (*ResNet, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	sd, format, err := checkpoint.Load(path, opts.Format)
	if err != nil {
		return nil, err
	}
	log.Info("read checkpoint",
		zap.String("path", path),
		zap.Stringer("format", format),
		zap.Int("tensors", len(sd)))

	def, err := InferDef(sd)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}

	// no initializer: every weight is overwritten below
	net, err := NewResNet(def, nil)
	if err != nil {
		return nil, err
	}
	net.Freeze()

	strict := format.Strict()
	if opts.Strict != nil {
		strict = *opts.Strict
	}
	// the network starts at zero, so a missing filter would silently
	// produce a dead layer even in a non-strict load
	for _, p := range net.Params() {
		if _, ok := sd[p.Name]; !ok && len(p.Shape) == 4 {
			return nil, errors.Wrapf(ErrMissingKey, "%s: convolution weight %q", path, p.Name)
		}
	}
	if err := net.LoadStateDict(sd, strict, log); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}

	log.Debug("network ready",
		zap.Ints("blocks", def.Layers[:]),
		zap.Int("planes", def.Planes),
		zap.Int("classes", def.NumClasses))

	return net, nil
}
