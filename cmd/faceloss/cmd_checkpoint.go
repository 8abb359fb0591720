package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BenLubar/faceloss"
	"github.com/BenLubar/faceloss/checkpoint"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect CHECKPOINT",
	Short: "List the tensors of a checkpoint and the network they describe",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var convertCmd = &cobra.Command{
	Use:   "convert CHECKPOINT OUTPUT.json",
	Short: "Re-save a torch or pickle checkpoint as JSON",
	Long: `Reads CHECKPOINT, checks that it loads into the network it describes
and writes the network's state dict as JSON, which loads without any
pickle machinery.`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func readCheckpoint(path string) (checkpoint.StateDict, checkpoint.Format, error) {
	format, err := checkpoint.ParseFormat(cfg.Format)
	if err != nil {
		return nil, format, err
	}
	return checkpoint.Load(path, format)
}

func runInspect(cmd *cobra.Command, args []string) error {
	sd, format, err := readCheckpoint(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, k := range sd.Keys() {
		fmt.Fprintf(out, "%-48s %v\n", k, sd[k].Shape)
	}
	fmt.Fprintf(out, "\n%d tensors, %d values, format %s\n", len(sd), sd.NumParams(), format)

	def, err := faceloss.InferDef(sd)
	if err != nil {
		logger.Warn("checkpoint does not describe a ResNet", zap.Error(err))
		return nil
	}
	fmt.Fprintf(out, "ResNet blocks %v, width %d, input depth %d, classes %d\n",
		def.Layers, def.Planes, def.InDepth, def.NumClasses)
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	format, err := checkpoint.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	net, err := faceloss.LoadResNet(args[0], faceloss.LoadOptions{
		Format: format,
		Strict: cfg.Strict,
		Log:    logger,
	})
	if err != nil {
		return err
	}

	sd := net.StateDict()
	if err := checkpoint.Save(args[1], sd); err != nil {
		return err
	}

	logger.Info("converted checkpoint",
		zap.String("from", args[0]),
		zap.String("to", args[1]),
		zap.Int("tensors", len(sd)))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s\n", len(sd), args[1])
	return nil
}
