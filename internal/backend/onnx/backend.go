// Package onnx implements the training backend on ONNX Runtime. Each
// class ships pregenerated on-device training artifacts (a pretrained
// checkpoint plus training/eval/optimizer graphs, with a head-only
// variant for the freeze phase); fitting runs train steps over loader
// batches, then exports an inference graph for prediction.
package onnx

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tmward/pgs/internal/backend"
	"github.com/tmward/pgs/internal/dataset"
)

// Backend fits classifiers from ONNX training artifacts laid out as
// {artifactDir}/{class}/metadata.json, checkpoint, training_model.onnx,
// eval_model.onnx, optimizer_model.onnx, and optionally
// {artifactDir}/{class}/frozen/ holding the head-only phase graphs.
type Backend struct {
	artifactDir string
	class       string
}

// New initializes the ONNX Runtime environment once per process.
// sharedLibrary optionally points at the onnxruntime shared library;
// when empty the platform default lookup applies.
func New(artifactDir, sharedLibrary string) (*Backend, error) {
	if sharedLibrary != "" {
		ort.SetSharedLibraryPath(sharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	if !ort.IsTrainingSupported() {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("onnxruntime build does not support training")
	}
	return &Backend{artifactDir: artifactDir}, nil
}

// ForClass returns a backend bound to one class's artifact directory.
func (b *Backend) ForClass(class string) backend.Backend {
	return &Backend{artifactDir: b.artifactDir, class: class}
}

// Close tears down the ONNX Runtime environment.
func (b *Backend) Close() error {
	ort.DestroyEnvironment()
	return nil
}

// FitClassifier runs the two-phase fine-tune: FreezeEpochs over the
// head-only graphs when they exist, then Epochs over the full graphs,
// both against a scratch copy of the pretrained checkpoint. The
// learning rate is baked into the optimizer graphs at artifact
// generation time; spec.BaseLR is logged for the record.
func (b *Backend) FitClassifier(ctx context.Context, loader *dataset.Loader, spec backend.FitSpec) (backend.Model, error) {
	classDir := filepath.Join(b.artifactDir, b.class)
	meta, err := loadMetadata(filepath.Join(classDir, "metadata.json"))
	if err != nil {
		return nil, err
	}
	if err := checkVocabulary(meta.Classes, loader.Vocab()); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "cvtrain-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(scratch) }

	// Each fold trains from the pristine pretrained checkpoint, so
	// the shipped copy is never mutated.
	checkpoint := filepath.Join(scratch, "checkpoint")
	if err := copyFile(filepath.Join(classDir, "checkpoint"), checkpoint); err != nil {
		cleanup()
		return nil, err
	}

	size := loader.CropSize()
	bs := loader.BatchSize()
	tensors, err := newTrainTensors(bs, size)
	if err != nil {
		cleanup()
		return nil, err
	}

	frozenDir := filepath.Join(classDir, "frozen")
	if spec.FreezeEpochs > 0 {
		if _, statErr := os.Stat(frozenDir); statErr == nil {
			set, err := artifacts(frozenDir, checkpoint)
			if err != nil {
				tensors.destroy()
				cleanup()
				return nil, err
			}
			if err := b.runPhase(ctx, set, meta, loader, tensors, spec.FreezeEpochs, "freeze"); err != nil {
				tensors.destroy()
				cleanup()
				return nil, err
			}
		} else {
			log.Printf("no frozen artifacts for %s, skipping freeze phase", b.class)
		}
	}

	set, err := artifacts(classDir, checkpoint)
	if err != nil {
		tensors.destroy()
		cleanup()
		return nil, err
	}
	log.Printf("fine-tuning %s for %d epochs (base lr %g)", b.class, spec.Epochs, spec.BaseLR)
	exported := filepath.Join(scratch, "model.onnx")
	if err := b.runPhaseAndExport(ctx, set, meta, loader, tensors, spec.Epochs, exported); err != nil {
		tensors.destroy()
		cleanup()
		return nil, err
	}
	tensors.destroy()

	model, err := newModel(exported, meta, loader.Eval(), cleanup)
	if err != nil {
		cleanup()
		return nil, err
	}
	return model, nil
}

// trainTensors are the bound buffers a training session reads from and
// writes to: one batch of pixels, one batch of labels, and the scalar
// loss.
type trainTensors struct {
	input  *ort.Tensor[float32]
	labels *ort.Tensor[int64]
	loss   *ort.Tensor[float32]
}

func newTrainTensors(batchSize, size int) (*trainTensors, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	labels, err := ort.NewEmptyTensor[int64](ort.NewShape(int64(batchSize)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create label tensor: %w", err)
	}
	loss, err := ort.NewEmptyTensor[float32](ort.NewShape(1))
	if err != nil {
		input.Destroy()
		labels.Destroy()
		return nil, fmt.Errorf("failed to create loss tensor: %w", err)
	}
	return &trainTensors{input: input, labels: labels, loss: loss}, nil
}

func (t *trainTensors) destroy() {
	t.input.Destroy()
	t.labels.Destroy()
	t.loss.Destroy()
}

func (b *Backend) runPhase(ctx context.Context, set artifactSet, meta Metadata,
	loader *dataset.Loader, tensors *trainTensors, epochs int, phase string) error {
	session, err := newTrainingSession(set, tensors)
	if err != nil {
		return err
	}
	defer session.Destroy()
	return b.trainEpochs(ctx, session, loader, tensors, epochs, phase)
}

// runPhaseAndExport trains the final phase and writes the fitted
// inference graph before the session is destroyed.
func (b *Backend) runPhaseAndExport(ctx context.Context, set artifactSet, meta Metadata,
	loader *dataset.Loader, tensors *trainTensors, epochs int, exportPath string) error {
	session, err := newTrainingSession(set, tensors)
	if err != nil {
		return err
	}
	defer session.Destroy()
	if err := b.trainEpochs(ctx, session, loader, tensors, epochs, "fine-tune"); err != nil {
		return err
	}
	if err := session.ExportModel(exportPath, []string{meta.OutputName}); err != nil {
		return fmt.Errorf("failed to export fitted model: %w", err)
	}
	return nil
}

func newTrainingSession(set artifactSet, tensors *trainTensors) (*ort.TrainingSession, error) {
	session, err := ort.NewTrainingSession(
		set.Checkpoint, set.Training, set.Eval, set.Optimizer,
		[]ort.ArbitraryTensor{tensors.input, tensors.labels},
		[]ort.ArbitraryTensor{tensors.loss},
		nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create training session: %w", err)
	}
	return session, nil
}

func (b *Backend) trainEpochs(ctx context.Context, session *ort.TrainingSession,
	loader *dataset.Loader, tensors *trainTensors, epochs int, phase string) error {
	for epoch := 1; epoch <= epochs; epoch++ {
		var total float64
		var batches int
		err := loader.EachBatch(func(batch dataset.Batch) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			copy(tensors.input.GetData(), batch.Pixels)
			copy(tensors.labels.GetData(), batch.Labels)
			if err := session.TrainStep(); err != nil {
				return fmt.Errorf("train step failed: %w", err)
			}
			total += float64(tensors.loss.GetData()[0])
			batches++
			if err := session.OptimizerStep(); err != nil {
				return fmt.Errorf("optimizer step failed: %w", err)
			}
			return session.LazyResetGrad()
		})
		if err != nil {
			return err
		}
		if batches > 0 {
			log.Printf("%s %s epoch %d/%d loss %.4f", b.class, phase, epoch, epochs, total/float64(batches))
		}
	}
	return nil
}

func checkVocabulary(artifact, manifest []string) error {
	if len(artifact) != len(manifest) {
		return fmt.Errorf("artifact classes %v do not match manifest labels %v", artifact, manifest)
	}
	for i := range artifact {
		if artifact[i] != manifest[i] {
			return fmt.Errorf("artifact classes %v do not match manifest labels %v", artifact, manifest)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	return out.Close()
}
