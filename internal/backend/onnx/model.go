package onnx

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tmward/pgs/internal/backend"
	"github.com/tmward/pgs/internal/transform"
)

// Model serves single-image predictions from an exported inference
// graph through a session with pre-bound tensors.
type Model struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	classes      []string
	pipeline     *transform.Pipeline
	cleanup      func()
}

func newModel(modelPath string, meta Metadata, pipeline *transform.Pipeline, cleanup func()) (*Model, error) {
	size := int64(pipeline.Size)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(meta.Classes))))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Model{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		classes:      meta.Classes,
		pipeline:     pipeline,
		cleanup:      cleanup,
	}, nil
}

// Predict classifies the image at imagePath and returns the winning
// label with the full logit vector.
func (m *Model) Predict(ctx context.Context, imagePath string) (backend.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return backend.Prediction{}, err
	}
	pixels, err := m.pipeline.Load(imagePath)
	if err != nil {
		return backend.Prediction{}, err
	}
	copy(m.inputTensor.GetData(), pixels)

	if err := m.session.Run(); err != nil {
		return backend.Prediction{}, fmt.Errorf("inference failed: %w", err)
	}

	outputData := m.outputTensor.GetData()
	maxIdx := 0
	maxVal := outputData[0]
	probs := make([]float32, len(m.classes))
	for i := range m.classes {
		probs[i] = outputData[i]
		if outputData[i] > maxVal {
			maxVal = outputData[i]
			maxIdx = i
		}
	}

	return backend.Prediction{
		Label: m.classes[maxIdx],
		Index: maxIdx,
		Probs: probs,
	}, nil
}

// Close destroys the session and removes the fold's scratch directory.
func (m *Model) Close() error {
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	if m.cleanup != nil {
		m.cleanup()
	}
	return nil
}
