//go:build onnx

package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInitOnce sync.Once
var ortInitErr error

// ONNXClassifier runs an exported MIL model through onnxruntime. The model
// takes inputs "features" [1, n_tiles, feature_dim] (float32) and "lengths"
// [1] (int64) and produces "logits" [1, n_categories]. It exposes no
// gradients; the attribution engine falls back to numerical differentiation.
type ONNXClassifier struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	cats    []string
}

type onnxLabels struct {
	Categories []string `json:"categories"`
}

// NewONNXClassifier loads an ONNX model and its category labels file.
// libraryPath optionally points at the onnxruntime shared library.
func NewONNXClassifier(modelPath, labelsPath, libraryPath string) (*ONNXClassifier, error) {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", ortInitErr)
	}

	data, err := os.ReadFile(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels %s: %w", labelsPath, err)
	}
	var labels onnxLabels
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels %s: %w", labelsPath, err)
	}
	if len(labels.Categories) < 2 {
		return nil, fmt.Errorf("labels file needs at least 2 categories, got %d", len(labels.Categories))
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"features", "lengths"}, []string{"logits"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}

	return &ONNXClassifier{session: session, cats: labels.Categories}, nil
}

// Categories returns the ordered category labels.
func (c *ONNXClassifier) Categories() []string {
	return c.cats
}

// Probabilities runs one bag through the session.
func (c *ONNXClassifier) Probabilities(bag [][]float32) ([]float64, error) {
	n := len(bag)
	if n == 0 {
		return nil, fmt.Errorf("empty bag")
	}
	dim := len(bag[0])

	flat := make([]float32, 0, n*dim)
	for j, tile := range bag {
		if len(tile) != dim {
			return nil, fmt.Errorf("tile %d has %d features, expected %d", j, len(tile), dim)
		}
		flat = append(flat, tile...)
	}

	features, err := ort.NewTensor(ort.NewShape(1, int64(n), int64(dim)), flat)
	if err != nil {
		return nil, fmt.Errorf("failed to create features tensor: %w", err)
	}
	defer features.Destroy()

	lengths, err := ort.NewTensor(ort.NewShape(1), []int64{int64(n)})
	if err != nil {
		return nil, fmt.Errorf("failed to create lengths tensor: %w", err)
	}
	defer lengths.Destroy()

	outputs := []ort.Value{nil}
	c.mu.Lock()
	err = c.session.Run([]ort.Value{features, lengths}, outputs)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected logits tensor type %T", outputs[0])
	}
	raw := logitsTensor.GetData()
	if len(raw) != len(c.cats) {
		return nil, fmt.Errorf("model produced %d logits, expected %d", len(raw), len(c.cats))
	}

	logits := make([]float64, len(raw))
	for i, v := range raw {
		logits[i] = float64(v)
	}
	return Softmax(logits), nil
}

// Close releases the session.
func (c *ONNXClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
}
