// Package config collects every path and hyperparameter the run needs,
// replacing the ad hoc relative paths the workflow started with.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full run configuration. Paths are explicit; nothing is
// resolved relative to ambient state.
type Config struct {
	AnnotationDir string
	ImageRoot     string
	OutputDir     string
	ArtifactDir   string
	OrtLibrary    string

	Classes []string
	Folds   int

	Epochs       int
	FreezeEpochs int
	BaseLR       float64
	BatchSize    int
	ResizeDim    int
	CropSize     int
	Seed         int64

	Resume bool
}

// Default mirrors the original run: three classes, 10 folds, a one
// epoch freeze phase followed by 35 fine-tune epochs at 2e-3, images
// resized to 460 then augmented at 224.
func Default() Config {
	return Config{
		Classes:      []string{"adhesions", "appearances", "pgs"},
		Folds:        10,
		Epochs:       35,
		FreezeEpochs: 1,
		BaseLR:       2e-3,
		BatchSize:    16,
		ResizeDim:    460,
		CropSize:     224,
		Seed:         42,
	}
}

// FromViper reads every setting from v, which the command layer has
// already populated from flags, environment, and .env.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		AnnotationDir: v.GetString("annotations"),
		ImageRoot:     v.GetString("images"),
		OutputDir:     v.GetString("output"),
		ArtifactDir:   v.GetString("artifacts"),
		OrtLibrary:    v.GetString("ort-library"),
		Classes:       v.GetStringSlice("classes"),
		Folds:         v.GetInt("folds"),
		Epochs:        v.GetInt("epochs"),
		FreezeEpochs:  v.GetInt("freeze-epochs"),
		BaseLR:        v.GetFloat64("lr"),
		BatchSize:     v.GetInt("batch-size"),
		ResizeDim:     v.GetInt("resize"),
		CropSize:      v.GetInt("size"),
		Seed:          v.GetInt64("seed"),
		Resume:        v.GetBool("resume"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the driver cannot run with.
func (c Config) Validate() error {
	switch {
	case c.AnnotationDir == "":
		return fmt.Errorf("config: annotation directory is required")
	case c.ImageRoot == "":
		return fmt.Errorf("config: image root is required")
	case c.OutputDir == "":
		return fmt.Errorf("config: output directory is required")
	case len(c.Classes) == 0:
		return fmt.Errorf("config: at least one class is required")
	case c.Folds <= 0:
		return fmt.Errorf("config: folds must be positive, got %d", c.Folds)
	case c.Epochs < 0 || c.FreezeEpochs < 0:
		return fmt.Errorf("config: epoch counts cannot be negative")
	case c.Epochs+c.FreezeEpochs == 0:
		return fmt.Errorf("config: total epoch budget is zero")
	case c.BatchSize <= 0:
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	case c.CropSize <= 0 || c.CropSize > c.ResizeDim:
		return fmt.Errorf("config: size %d must be in 1..%d", c.CropSize, c.ResizeDim)
	case c.BaseLR <= 0:
		return fmt.Errorf("config: learning rate must be positive, got %g", c.BaseLR)
	}
	return nil
}
