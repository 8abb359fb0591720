package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BenLubar/faceloss"
	"github.com/BenLubar/faceloss/cnnutil"
)

var (
	refineOut        string
	refineIterations int
)

var refineCmd = &cobra.Command{
	Use:   "refine ORIGINAL RECONSTRUCTION",
	Short: "Optimize a reconstruction's pixels toward its original under the face loss",
	Long: `Runs gradient descent on the pixels of RECONSTRUCTION, minimizing its
face loss against ORIGINAL, and writes the result. The optimizer is set in
the refine section of the config file.

Example:
  faceloss refine face.png decoded.png -o refined.png --iterations 200`,
	Args: cobra.ExactArgs(2),
	RunE: runRefine,
}

func init() {
	refineCmd.Flags().StringVarP(&refineOut, "output", "o", "", "Output image, PNG or JPEG (required)")
	refineCmd.Flags().IntVarP(&refineIterations, "iterations", "n", 0, "Number of steps (default from config)")
	_ = refineCmd.MarkFlagRequired("output")
}

func runRefine(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fl, err := openLoss()
	if err != nil {
		return err
	}

	target, err := readImage(args[0], cfg.Input)
	if err != nil {
		return err
	}
	image, err := readImage(args[1], cfg.Input)
	if err != nil {
		return err
	}

	norm, err := faceloss.ParseNormalization(cfg.Input.Normalization)
	if err != nil {
		return err
	}
	opts, err := cfg.TrainerOptions()
	if err != nil {
		return err
	}

	lo, hi := norm.Range()
	obj := &faceloss.ImageObjective{Loss: fl, Target: target, Image: image, Min: lo, Max: hi}
	trainer := faceloss.NewTrainer(obj, opts)
	trainer.Log = logger

	iterations := cfg.Refine.Iterations
	if cmd.Flags().Changed("iterations") {
		iterations = refineIterations
	}
	every := cfg.Refine.LogEvery
	if every <= 0 {
		every = 1
	}

	initial, err := fl.Forward(ctx, target, image)
	if err != nil {
		return err
	}

	window := cnnutil.NewWindow(every, 1)
	for i := 0; i < iterations; i++ {
		res, err := trainer.Train(ctx)
		if err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
		window.Add(res.CostLoss)

		if (i+1)%every == 0 {
			logger.Info("refining",
				zap.Int("step", i+1),
				zap.Float64("loss", res.CostLoss),
				zap.Float64("avg", window.Average()))
		}
	}

	if err := writeImage(refineOut, faceloss.VolToImage(image, norm)); err != nil {
		return err
	}

	final, err := fl.Forward(ctx, target, image)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: loss %.6g -> %.6g after %d steps\n", refineOut, initial, final, iterations)
	return nil
}
