package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BenLubar/faceloss"
	"github.com/BenLubar/faceloss/cnnutil"
)

var tapNames = [faceloss.NumTaps]string{"conv1", "layer1", "layer2", "layer3", "layer4"}

var lossCmd = &cobra.Command{
	Use:   "loss ORIGINAL RECONSTRUCTION [ORIGINAL RECONSTRUCTION...]",
	Short: "Print the face loss of reconstructions against their originals",
	Long: `Prints the loss and its weighted per-feature-map terms. With more than
one pair the pairs are evaluated as one batch and the mean is printed.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return errors.New("expected pairs of images")
		}
		return nil
	},
	RunE: runLoss,
}

var featuresCmd = &cobra.Command{
	Use:   "features IMAGE",
	Short: "Print the shape and statistics of every tapped feature map",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeatures,
}

var similarityCmd = &cobra.Command{
	Use:   "similarity IMAGE IMAGE",
	Short: "Print the cosine similarity of two face embeddings",
	Args:  cobra.ExactArgs(2),
	RunE:  runSimilarity,
}

var classifyTop int

var classifyCmd = &cobra.Command{
	Use:   "classify IMAGE",
	Short: "Print the most likely training identities of a face",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().IntVarP(&classifyTop, "top", "k", 5, "Number of identities to print")
}

func runLoss(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fl, err := openLoss()
	if err != nil {
		return err
	}

	var xs, recs []*faceloss.Vol
	for i := 0; i < len(args); i += 2 {
		x, err := readImage(args[i], cfg.Input)
		if err != nil {
			return err
		}
		rec, err := readImage(args[i+1], cfg.Input)
		if err != nil {
			return err
		}
		xs = append(xs, x)
		recs = append(recs, rec)
	}

	res, err := fl.Batch(ctx, xs, recs, false)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "loss\t%.6g\n", res.Loss)
	for i, term := range res.Terms {
		fmt.Fprintf(out, "%s\t%.6g\n", tapNames[i], term)
	}

	logger.Info("computed face loss", zap.Int("pairs", len(xs)), zap.Float64("loss", res.Loss))
	return nil
}

func runFeatures(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fl, err := openLoss()
	if err != nil {
		return err
	}

	v, err := readImage(args[0], cfg.Input)
	if err != nil {
		return err
	}

	features, err := fl.Features(ctx, v)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-8s %-14s %12s %12s %12s %12s %8s\n", "tap", "shape", "min", "max", "mean", "std", "zeros")
	for i, f := range features {
		s := cnnutil.Summarize(f.W)
		fmt.Fprintf(out, "%-8s %-14s %12.5g %12.5g %12.5g %12.5g %7.2f%%\n",
			tapNames[i], fmt.Sprintf("%dx%dx%d", f.Sx, f.Sy, f.Depth),
			s.Min, s.Max, s.Mean, s.Std, 100*float64(s.Zeros)/float64(len(f.W)))
	}
	return nil
}

func runSimilarity(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fl, err := openLoss()
	if err != nil {
		return err
	}

	a, err := readImage(args[0], cfg.Input)
	if err != nil {
		return err
	}
	b, err := readImage(args[1], cfg.Input)
	if err != nil {
		return err
	}

	sim, err := fl.Similarity(ctx, a, b)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%.6f\n", sim)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fl, err := openLoss()
	if err != nil {
		return err
	}
	if !fl.Net().HasClassifier() {
		return errors.Errorf("%s has no classifier head", cfg.Checkpoint)
	}

	v, err := readImage(args[0], cfg.Input)
	if err != nil {
		return err
	}

	probs, err := fl.Classify(ctx, v)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, i := range cnnutil.TopK(probs.W, classifyTop) {
		fmt.Fprintf(out, "%d\t%.6f\n", i, probs.W[i])
	}
	return nil
}
