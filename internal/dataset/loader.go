// Package dataset turns a split manifest into training batches for the
// backend and carries the label vocabulary for one (class, fold) unit.
package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/tmward/pgs/internal/manifest"
	"github.com/tmward/pgs/internal/transform"
)

// Config fixes the loading and augmentation parameters.
type Config struct {
	BatchSize int
	ResizeDim int
	CropSize  int
	Seed      int64
}

// Batch is one training batch: N images as CHW float32 pixels plus the
// matching label indices into the vocabulary.
type Batch struct {
	Pixels []float32
	Labels []int64
	N      int
}

// Loader feeds training rows from a manifest to the backend.
type Loader struct {
	manifest   *manifest.Manifest
	imageRoot  string
	cfg        Config
	train      *transform.Pipeline
	eval       *transform.Pipeline
	vocab      []string
	labelIndex map[string]int
	rng        *rand.Rand
}

// New builds a loader over the manifest's training partition. Images
// are read lazily, one batch at a time.
func New(m *manifest.Manifest, imageRoot string, cfg Config) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.CropSize <= 0 || cfg.CropSize > cfg.ResizeDim {
		return nil, fmt.Errorf("dataset: crop size %d must be in 1..%d", cfg.CropSize, cfg.ResizeDim)
	}

	vocab := m.Vocabulary()
	index := make(map[string]int, len(vocab))
	for i, label := range vocab {
		index[label] = i
	}

	return &Loader{
		manifest:   m,
		imageRoot:  imageRoot,
		cfg:        cfg,
		train:      transform.New(cfg.ResizeDim, cfg.CropSize, true, cfg.Seed),
		eval:       transform.New(cfg.ResizeDim, cfg.CropSize, false, cfg.Seed),
		vocab:      vocab,
		labelIndex: index,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Vocab returns the sorted label vocabulary.
func (l *Loader) Vocab() []string { return l.vocab }

// Manifest returns the split manifest this loader was built from.
func (l *Loader) Manifest() *manifest.Manifest { return l.manifest }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.cfg.BatchSize }

// CropSize returns the square input dimension fed to the model.
func (l *Loader) CropSize() int { return l.cfg.CropSize }

// Eval returns the inference-time pipeline (center crop, no flip).
func (l *Loader) Eval() *transform.Pipeline { return l.eval }

// EachBatch shuffles the training rows and calls fn once per full
// batch. When there are fewer rows than one batch, rows repeat to fill
// a single batch; a trailing partial batch is dropped otherwise.
func (l *Loader) EachBatch(fn func(Batch) error) error {
	rows := l.manifest.Training()
	if len(rows) == 0 {
		return nil
	}
	l.rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })

	bs := l.cfg.BatchSize
	n := len(rows)
	if n < bs {
		padded := make([]manifest.Row, bs)
		for i := range padded {
			padded[i] = rows[i%n]
		}
		rows, n = padded, bs
	}

	for start := 0; start+bs <= n; start += bs {
		batch, err := l.loadBatch(rows[start : start+bs])
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadBatch(rows []manifest.Row) (Batch, error) {
	plane := 3 * l.cfg.CropSize * l.cfg.CropSize
	b := Batch{
		Pixels: make([]float32, len(rows)*plane),
		Labels: make([]int64, len(rows)),
		N:      len(rows),
	}
	for i, row := range rows {
		idx, ok := l.labelIndex[row.Label]
		if !ok {
			return Batch{}, fmt.Errorf("dataset: label %q not in vocabulary", row.Label)
		}
		pixels, err := l.train.Load(filepath.Join(l.imageRoot, row.Fname))
		if err != nil {
			return Batch{}, err
		}
		copy(b.Pixels[i*plane:(i+1)*plane], pixels)
		b.Labels[i] = int64(idx)
	}
	return b, nil
}
