// Package backend defines the narrow contract the experiment driver
// uses to fit classifiers and run single-image inference. Everything
// behind it (architecture, optimizer, gradients) belongs to the
// implementation.
package backend

import (
	"context"

	"github.com/tmward/pgs/internal/dataset"
)

// FitSpec fixes the fine-tuning policy for one (class, fold) unit:
// a freeze phase where only the classifier head trains, then a full
// fine-tune phase, with a fixed total epoch budget and base learning
// rate.
type FitSpec struct {
	FreezeEpochs int
	Epochs       int
	BaseLR       float64
}

// Prediction is the result of classifying one image. The driver keeps
// only the label; index and probabilities are informational.
type Prediction struct {
	Label string
	Index int
	Probs []float32
}

// Model is a fitted classifier. Close releases any native resources
// and must be called once predictions are extracted.
type Model interface {
	Predict(ctx context.Context, imagePath string) (Prediction, error)
	Close() error
}

// Backend produces fitted classifiers from a loader and a fit policy.
type Backend interface {
	FitClassifier(ctx context.Context, loader *dataset.Loader, spec FitSpec) (Model, error)
}

// Factory hands out a backend bound to one output class. Backbone
// selection (pretrained weights, head shape) is keyed by class.
type Factory interface {
	ForClass(class string) Backend
}
