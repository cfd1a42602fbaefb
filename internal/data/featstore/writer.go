package featstore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Create writes a complete feature store directory. It exists for test
// fixtures and synthetic-data tooling; production stores are written by the
// external extraction pipeline.
func Create(basePath string, feats [][]float32, coords [][2]float64, attrs Attrs, chunkRows int) error {
	if len(feats) != len(coords) {
		return fmt.Errorf("feats (%d) and coords (%d) must be parallel", len(feats), len(coords))
	}
	if len(feats) == 0 {
		return fmt.Errorf("cannot create an empty feature store")
	}
	if chunkRows <= 0 {
		chunkRows = len(feats)
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return err
	}

	if attrs != (Attrs{}) {
		data, err := json.MarshalIndent(attrs, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(basePath, "attrs.json"), data, 0o644); err != nil {
			return err
		}
	}

	dim := len(feats[0])
	featFlat := make([]float32, 0, len(feats)*dim)
	for _, row := range feats {
		if len(row) != dim {
			return fmt.Errorf("ragged feature row: got %d values, expected %d", len(row), dim)
		}
		featFlat = append(featFlat, row...)
	}
	if err := writeArray(filepath.Join(basePath, "feats"), featFlat, len(feats), dim, chunkRows); err != nil {
		return err
	}

	coordFlat := make([]float32, 0, len(coords)*2)
	for _, c := range coords {
		coordFlat = append(coordFlat, float32(c[0]), float32(c[1]))
	}
	return writeArray(filepath.Join(basePath, "coords"), coordFlat, len(coords), 2, chunkRows)
}

func writeArray(arrayPath string, flat []float32, rows, cols, chunkRows int) error {
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0o755); err != nil {
		return err
	}

	meta := map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       []int{rows, cols},
		"data_type":   "float32",
		"chunk_grid": map[string]interface{}{
			"name": "regular",
			"configuration": map[string]interface{}{
				"chunk_shape": []int{chunkRows, cols},
			},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name": "default",
			"configuration": map[string]interface{}{
				"separator": "/",
			},
		},
		"fill_value": 0,
		"codecs": []map[string]interface{}{
			{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
			{"name": "zstd", "configuration": map[string]interface{}{"level": 3}},
		},
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), metaBytes, 0o644); err != nil {
		return err
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer encoder.Close()

	nChunks := (rows + chunkRows - 1) / chunkRows
	for chunk := 0; chunk < nChunks; chunk++ {
		rowStart := chunk * chunkRows
		rowLen := chunkRows
		if rowStart+rowLen > rows {
			rowLen = rows - rowStart
		}

		raw := make([]byte, rowLen*cols*4)
		for i := 0; i < rowLen*cols; i++ {
			bits := math.Float32bits(flat[rowStart*cols+i])
			raw[i*4] = byte(bits)
			raw[i*4+1] = byte(bits >> 8)
			raw[i*4+2] = byte(bits >> 16)
			raw[i*4+3] = byte(bits >> 24)
		}

		chunkDir := filepath.Join(arrayPath, "c", fmt.Sprintf("%d", chunk))
		if err := os.MkdirAll(chunkDir, 0o755); err != nil {
			return err
		}
		compressed := encoder.EncodeAll(raw, nil)
		if err := os.WriteFile(filepath.Join(chunkDir, "0"), compressed, 0o644); err != nil {
			return err
		}
	}

	return nil
}
