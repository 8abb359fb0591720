package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BenLubar/faceloss"
	"github.com/BenLubar/faceloss/checkpoint"
	"github.com/BenLubar/faceloss/config"
)

var (
	// Global flags
	verbose        bool
	configPath     string
	checkpointPath string
	formatName     string
	workers        int

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "faceloss",
	Short: "Perceptual face loss over a frozen VGGFace2 ResNet-50",
	Long: `faceloss compares a face image with its reconstruction by running both
through a frozen ResNet-50 trained on VGGFace2 and summing the weighted
mean absolute differences of five of its feature maps.

Lower is better; identical images score 0.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}

		logger, err = newLogger(cfg.Logging)
		if err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "faceloss.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&checkpointPath, "checkpoint", "", "Weights file (or set FACELOSS_CHECKPOINT env)")
	rootCmd.PersistentFlags().StringVar(&formatName, "format", "", "Checkpoint format: auto, torch, pickle, json")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "j", 0, "Image pairs evaluated in parallel")

	rootCmd.AddCommand(lossCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(similarityCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(refineCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(convertCmd)
}

// applyFlags lets explicitly set flags win over the config file and the
// environment.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("checkpoint") {
		c.Checkpoint = checkpointPath
	}
	if flags.Changed("format") {
		c.Format = formatName
	}
	if flags.Changed("workers") {
		c.Workers = workers
	}
	if verbose {
		c.Logging.Level = "debug"
	}
}

func newLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// openLoss loads the configured checkpoint and wraps it in a face loss.
func openLoss() (*faceloss.FaceLoss, error) {
	format, err := checkpoint.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	net, err := faceloss.LoadResNet(cfg.Checkpoint, faceloss.LoadOptions{
		Format: format,
		Strict: cfg.Strict,
		Log:    logger,
	})
	if err != nil {
		return nil, err
	}

	opts, err := cfg.LossOptions()
	if err != nil {
		return nil, err
	}
	return faceloss.New(net, append(opts, faceloss.WithLogger(logger))...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
