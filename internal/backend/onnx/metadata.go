package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Metadata describes one class's training artifacts: graph node names
// and the label vocabulary the checkpoint was prepared against.
type Metadata struct {
	InputName  string   `json:"input_name"`
	LabelName  string   `json:"label_name"`
	LossName   string   `json:"loss_name"`
	OutputName string   `json:"output_name"`
	Classes    []string `json:"classes"`
}

// artifactSet is the on-disk layout for one training phase.
type artifactSet struct {
	Checkpoint string
	Training   string
	Eval       string
	Optimizer  string
}

func loadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata %s: %w", path, err)
	}
	if meta.InputName == "" || meta.LabelName == "" || meta.OutputName == "" {
		return Metadata{}, fmt.Errorf("metadata %s: input_name, label_name, and output_name are required", path)
	}
	if len(meta.Classes) == 0 {
		return Metadata{}, fmt.Errorf("metadata %s: empty class list", path)
	}
	return meta, nil
}

// artifacts returns the artifact set under dir, checking that every
// file exists. checkpoint is resolved separately so the freeze and
// fine-tune phases can share one.
func artifacts(dir, checkpoint string) (artifactSet, error) {
	set := artifactSet{
		Checkpoint: checkpoint,
		Training:   filepath.Join(dir, "training_model.onnx"),
		Eval:       filepath.Join(dir, "eval_model.onnx"),
		Optimizer:  filepath.Join(dir, "optimizer_model.onnx"),
	}
	for _, p := range []string{set.Checkpoint, set.Training, set.Eval, set.Optimizer} {
		if _, err := os.Stat(p); err != nil {
			return artifactSet{}, fmt.Errorf("training artifact missing: %w", err)
		}
	}
	return set, nil
}
