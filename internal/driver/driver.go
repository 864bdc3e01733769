// Package driver runs the cross-validation sweep: for every output
// class and fold it fits a classifier on the fold's training rows,
// predicts every held-out image, and writes the filename-to-label map
// as JSON.
package driver

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tmward/pgs/internal/backend"
	"github.com/tmward/pgs/internal/config"
	"github.com/tmward/pgs/internal/dataset"
	"github.com/tmward/pgs/internal/manifest"
	"github.com/tmward/pgs/internal/predictions"
)

// Run processes classes in configured order and folds 1..Folds in
// increasing order, strictly sequentially. The first failure aborts
// the sweep; files already written stay on disk.
func Run(ctx context.Context, cfg config.Config, factory backend.Factory) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("driver: %w", err)
	}

	for _, class := range cfg.Classes {
		log.Printf("Running model for %s", class)
		b := factory.ForClass(class)
		for fold := 1; fold <= cfg.Folds; fold++ {
			log.Printf("%d split", fold)
			outPath := predictions.Path(cfg.OutputDir, class, fold)
			if cfg.Resume && predictions.WellFormed(outPath) {
				log.Printf("%s split %d already done, skipping", class, fold)
				continue
			}
			if err := runUnit(ctx, cfg, b, class, fold, outPath); err != nil {
				return fmt.Errorf("%s split %d: %w", class, fold, err)
			}
		}
	}
	log.Print("Done")
	return nil
}

// runUnit is one idempotent (class, fold) task: read the manifest,
// fit, predict the held-out rows, write the JSON.
func runUnit(ctx context.Context, cfg config.Config, b backend.Backend,
	class string, fold int, outPath string) error {
	m, err := manifest.Read(manifest.Path(cfg.AnnotationDir, class, fold))
	if err != nil {
		return err
	}

	loader, err := dataset.New(m, cfg.ImageRoot, dataset.Config{
		BatchSize: cfg.BatchSize,
		ResizeDim: cfg.ResizeDim,
		CropSize:  cfg.CropSize,
		Seed:      cfg.Seed + int64(fold),
	})
	if err != nil {
		return err
	}

	model, err := b.FitClassifier(ctx, loader, backend.FitSpec{
		FreezeEpochs: cfg.FreezeEpochs,
		Epochs:       cfg.Epochs,
		BaseLR:       cfg.BaseLR,
	})
	if err != nil {
		return err
	}
	defer model.Close()

	// The parsed manifest is the single source of truth for the
	// held-out file list; the loader saw the same rows.
	held := m.Validation()
	preds := make(predictions.Map, len(held))
	wrong := 0
	for _, row := range held {
		p, err := model.Predict(ctx, filepath.Join(cfg.ImageRoot, row.Fname))
		if err != nil {
			return fmt.Errorf("predict %s: %w", row.Fname, err)
		}
		preds[row.Fname] = p.Label
		if p.Label != row.Label {
			wrong++
		}
	}
	if len(held) > 0 {
		log.Printf("%s split %d error rate %.4f", class, fold, float64(wrong)/float64(len(held)))
	}

	return preds.WriteFile(outPath)
}
