//go:build !onnx

package model

import (
	"errors"
	"fmt"
	"os"
)

// ErrONNXUnsupported indicates this binary was built without ONNX support.
var ErrONNXUnsupported = errors.New("onnx support is not enabled in this build (build with: go build -tags onnx)")

// ONNXClassifier is a stub when built without "-tags onnx".
type ONNXClassifier struct {
	cats []string
}

// NewONNXClassifier validates that the model file exists, so config issues
// surface early, but returns ErrONNXUnsupported.
func NewONNXClassifier(modelPath, labelsPath, libraryPath string) (*ONNXClassifier, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx model not found at %s: %w", modelPath, err)
	}
	return nil, ErrONNXUnsupported
}

// Categories returns the ordered category labels.
func (c *ONNXClassifier) Categories() []string { return c.cats }

// Probabilities always fails in the stub build.
func (c *ONNXClassifier) Probabilities(bag [][]float32) ([]float64, error) {
	return nil, ErrONNXUnsupported
}

// Close is a no-op in the stub build.
func (c *ONNXClassifier) Close() {}
