package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tmward/pgs/internal/backend"
	"github.com/tmward/pgs/internal/config"
	"github.com/tmward/pgs/internal/dataset"
	"github.com/tmward/pgs/internal/predictions"
)

// fakeFactory fits instantly and predicts the first vocabulary label,
// recording which manifests were trained on and in what order.
type fakeFactory struct {
	fits []string
}

func (f *fakeFactory) ForClass(class string) backend.Backend {
	return &fakeBackend{factory: f}
}

type fakeBackend struct {
	factory *fakeFactory
}

func (b *fakeBackend) FitClassifier(ctx context.Context, loader *dataset.Loader, spec backend.FitSpec) (backend.Model, error) {
	b.factory.fits = append(b.factory.fits, filepath.Base(loader.Manifest().Path))
	label := "none"
	if vocab := loader.Vocab(); len(vocab) > 0 {
		label = vocab[0]
	}
	return &fakeModel{label: label}, nil
}

type fakeModel struct {
	label string
}

func (m *fakeModel) Predict(ctx context.Context, imagePath string) (backend.Prediction, error) {
	return backend.Prediction{Label: m.label, Probs: []float32{1}}, nil
}

func (m *fakeModel) Close() error { return nil }

func testConfig(t *testing.T, classes []string, folds int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AnnotationDir = t.TempDir()
	cfg.ImageRoot = t.TempDir()
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Classes = classes
	cfg.Folds = folds
	cfg.Epochs = 1
	cfg.FreezeEpochs = 0
	cfg.BatchSize = 2
	cfg.ResizeDim = 24
	cfg.CropSize = 16
	return cfg
}

func writeManifest(t *testing.T, cfg config.Config, class string, fold int, contents string) {
	t.Helper()
	path := filepath.Join(cfg.AnnotationDir, fmt.Sprintf("%s_split_%d.csv", class, fold))
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

const standardManifest = "fname,label,is_valid\na.png,normal,True\nb.png,abnormal,False\nc.png,normal,True\n"

func TestRunSweep(t *testing.T) {
	cfg := testConfig(t, []string{"adhesions", "appearances"}, 2)
	for _, class := range cfg.Classes {
		for fold := 1; fold <= cfg.Folds; fold++ {
			writeManifest(t, cfg, class, fold, standardManifest)
		}
	}

	factory := &fakeFactory{}
	if err := Run(context.Background(), cfg, factory); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantOrder := []string{
		"adhesions_split_1.csv", "adhesions_split_2.csv",
		"appearances_split_1.csv", "appearances_split_2.csv",
	}
	if !reflect.DeepEqual(factory.fits, wantOrder) {
		t.Errorf("fit order = %v, want %v", factory.fits, wantOrder)
	}

	for _, class := range cfg.Classes {
		for fold := 1; fold <= cfg.Folds; fold++ {
			m, err := predictions.ReadFile(predictions.Path(cfg.OutputDir, class, fold))
			if err != nil {
				t.Fatalf("missing output for %s fold %d: %v", class, fold, err)
			}
			// key set == exactly the is_valid rows
			if len(m) != 2 {
				t.Errorf("%s fold %d: got %d keys, want 2", class, fold, len(m))
			}
			for _, fname := range []string{"a.png", "c.png"} {
				if m[fname] != "abnormal" {
					t.Errorf("%s fold %d: %s predicted %q, want first vocab label", class, fold, fname, m[fname])
				}
			}
			if _, ok := m["b.png"]; ok {
				t.Errorf("%s fold %d: training row b.png leaked into predictions", class, fold)
			}
		}
	}
}

func TestRunEmptyValidationSet(t *testing.T) {
	cfg := testConfig(t, []string{"pgs"}, 1)
	writeManifest(t, cfg, "pgs", 1, "fname,label,is_valid\na.png,x,False\n")

	if err := Run(context.Background(), cfg, &fakeFactory{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	raw, err := os.ReadFile(predictions.Path(cfg.OutputDir, "pgs", 1))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "{}" {
		t.Errorf("empty validation set wrote %q, want {}", raw)
	}
}

func TestRunMissingManifestAborts(t *testing.T) {
	cfg := testConfig(t, []string{"pgs"}, 3)
	writeManifest(t, cfg, "pgs", 1, standardManifest)
	// fold 2 manifest intentionally absent; fold 3 present
	writeManifest(t, cfg, "pgs", 3, standardManifest)

	err := Run(context.Background(), cfg, &fakeFactory{})
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}

	if _, statErr := os.Stat(predictions.Path(cfg.OutputDir, "pgs", 1)); statErr != nil {
		t.Error("fold 1 output should have been written before the failure")
	}
	for _, fold := range []int{2, 3} {
		if _, statErr := os.Stat(predictions.Path(cfg.OutputDir, "pgs", fold)); statErr == nil {
			t.Errorf("fold %d output written despite aborted sweep", fold)
		}
	}
}

func TestRunMissingColumnAborts(t *testing.T) {
	cfg := testConfig(t, []string{"pgs"}, 1)
	writeManifest(t, cfg, "pgs", 1, "fname,label\na.png,x\n")

	if err := Run(context.Background(), cfg, &fakeFactory{}); err == nil {
		t.Fatal("expected error for manifest without is_valid column")
	}
	if _, statErr := os.Stat(predictions.Path(cfg.OutputDir, "pgs", 1)); statErr == nil {
		t.Error("output written for a manifest that failed validation")
	}
}

func TestRunResumeSkipsFinishedFolds(t *testing.T) {
	cfg := testConfig(t, []string{"pgs"}, 2)
	cfg.Resume = true
	for fold := 1; fold <= 2; fold++ {
		writeManifest(t, cfg, "pgs", fold, standardManifest)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	prior := predictions.Map{"a.png": "stale", "c.png": "stale"}
	if err := prior.WriteFile(predictions.Path(cfg.OutputDir, "pgs", 1)); err != nil {
		t.Fatal(err)
	}

	factory := &fakeFactory{}
	if err := Run(context.Background(), cfg, factory); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []string{"pgs_split_2.csv"}; !reflect.DeepEqual(factory.fits, want) {
		t.Errorf("fit order = %v, want %v", factory.fits, want)
	}
	got, err := predictions.ReadFile(predictions.Path(cfg.OutputDir, "pgs", 1))
	if err != nil {
		t.Fatal(err)
	}
	if got["a.png"] != "stale" {
		t.Error("resume overwrote a finished fold")
	}
}

func TestRunOverwritesWithoutResume(t *testing.T) {
	cfg := testConfig(t, []string{"pgs"}, 1)
	writeManifest(t, cfg, "pgs", 1, standardManifest)
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	prior := predictions.Map{"a.png": "stale", "c.png": "stale"}
	if err := prior.WriteFile(predictions.Path(cfg.OutputDir, "pgs", 1)); err != nil {
		t.Fatal(err)
	}

	if err := Run(context.Background(), cfg, &fakeFactory{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := predictions.ReadFile(predictions.Path(cfg.OutputDir, "pgs", 1))
	if err != nil {
		t.Fatal(err)
	}
	// same key set, fresh values
	if len(got) != 2 || got["a.png"] != "abnormal" {
		t.Errorf("rerun output = %v, want fresh predictions over {a.png, c.png}", got)
	}
}

func TestRunCanceledContext(t *testing.T) {
	cfg := testConfig(t, []string{"pgs"}, 1)
	writeManifest(t, cfg, "pgs", 1, standardManifest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	factory := &canceledFactory{}
	if err := Run(ctx, cfg, factory); err == nil {
		t.Fatal("expected context error to propagate")
	}
}

// canceledFactory surfaces ctx.Err the way a real backend does between
// train steps.
type canceledFactory struct{}

func (f *canceledFactory) ForClass(string) backend.Backend { return f }

func (f *canceledFactory) FitClassifier(ctx context.Context, loader *dataset.Loader, spec backend.FitSpec) (backend.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeModel{label: "x"}, nil
}
