// cvtrain runs 10-fold cross-validation training for the adhesions,
// appearances, and pgs image classifiers and writes one prediction
// JSON file per (class, fold) pair.
package main

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmward/pgs/internal/backend/onnx"
	"github.com/tmward/pgs/internal/config"
	"github.com/tmward/pgs/internal/driver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("cvtrain: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "cvtrain",
		Short:         "train cross-validated image classifiers and emit per-fold predictions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	def := config.Default()
	flags := cmd.Flags()
	flags.String("annotations", "", "directory holding {class}_split_{fold}.csv manifests")
	flags.String("images", "", "root directory of the image files")
	flags.String("output", "", "directory for {class}_split_{fold}.json predictions")
	flags.String("artifacts", "", "directory holding per-class ONNX training artifacts")
	flags.String("ort-library", "", "path to the onnxruntime shared library (optional)")
	flags.StringSlice("classes", def.Classes, "output classes, processed in order")
	flags.Int("folds", def.Folds, "number of cross-validation folds")
	flags.Int("epochs", def.Epochs, "fine-tune epochs per fold")
	flags.Int("freeze-epochs", def.FreezeEpochs, "head-only epochs before the full fine-tune")
	flags.Float64("lr", def.BaseLR, "base learning rate baked into the optimizer artifacts")
	flags.Int("batch-size", def.BatchSize, "training batch size")
	flags.Int("resize", def.ResizeDim, "shortest-side resize dimension")
	flags.Int("size", def.CropSize, "square crop size fed to the model")
	flags.Int64("seed", def.Seed, "shuffle and augmentation seed")
	flags.Bool("resume", false, "skip folds whose prediction file already exists")

	// .env, then CVTRAIN_* environment, then flags.
	_ = godotenv.Load()
	v.SetEnvPrefix("CVTRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatalf("cvtrain: %v", err)
	}

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	factory, err := onnx.New(cfg.ArtifactDir, cfg.OrtLibrary)
	if err != nil {
		return err
	}
	defer factory.Close()
	return driver.Run(ctx, cfg, factory)
}
