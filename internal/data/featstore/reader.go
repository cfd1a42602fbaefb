// Package featstore reads per-slide tile feature stores.
//
// A store is a directory (conventionally <slide>.zarr) holding two Zarr-v3
// style arrays plus optional attributes:
//
//	feats/zarr.json, feats/c/<i>/<j>   float32 [n_tiles, feature_dim]
//	coords/zarr.json, coords/c/<i>/<j> float32 or int32 [n_tiles, 2] (x, y)
//	attrs.json                         {"tile_size": ..., "unit": "um"} (optional)
//
// Chunks are zstd-compressed little-endian buffers. Chunks absent on disk
// represent all-fill-value data.
package featstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// chunkCacheEntries bounds the decompressed-chunk LRU. Chunks are typically
// a few hundred KB, so this keeps the cache well under a GB.
const chunkCacheEntries = 512

// Attrs are the optional store-level attributes.
type Attrs struct {
	// TileSize is the physical tile side length in the coordinate unit.
	// Zero means the attribute is absent.
	TileSize float64 `json:"tile_size,omitempty"`
	// Unit is the coordinate unit, "um" for microns. Empty for legacy stores.
	Unit string `json:"unit,omitempty"`
	// Extractor optionally names the feature extractor that produced the store.
	Extractor string `json:"extractor,omitempty"`
}

// Store provides read access to one slide's feature store.
type Store struct {
	basePath string
	attrs    Attrs
	decoder  *zstd.Decoder
	chunks   *lru.Cache[string, []byte]
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Open opens a feature store directory. A missing directory returns an error
// wrapping fs.ErrNotExist so callers can skip the slide.
func Open(basePath string) (*Store, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("feature store %s: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("feature store %s: not a directory: %w", basePath, fs.ErrNotExist)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	chunks, err := lru.New[string, []byte](chunkCacheEntries)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	s := &Store{
		basePath: basePath,
		decoder:  decoder,
		chunks:   chunks,
	}

	if err := s.loadAttrs(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Attrs returns the store-level attributes.
func (s *Store) Attrs() Attrs {
	return s.attrs
}

func (s *Store) loadAttrs() error {
	attrsPath := filepath.Join(s.basePath, "attrs.json")
	data, err := os.ReadFile(attrsPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Legacy stores carry no attributes.
			return nil
		}
		return fmt.Errorf("failed to read attrs.json: %w", err)
	}
	if err := json.Unmarshal(data, &s.attrs); err != nil {
		return fmt.Errorf("failed to parse attrs.json: %w", err)
	}
	return nil
}

func (s *Store) loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// readChunk reads and decompresses one chunk, consulting the LRU cache first.
func (s *Store) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	chunkPath := filepath.Join(arrayPath, "c", chunkKey)

	if data, ok := s.chunks.Get(chunkPath); ok {
		return data, nil
	}

	compressed, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	decompressed, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}

	s.chunks.Add(chunkPath, decompressed)
	return decompressed, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(meta.Shape) == 0 || len(meta.ChunkGrid.Configuration.ChunkShape) == 0 {
		return nil, fmt.Errorf("invalid array metadata: missing shape/chunk_shape")
	}
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid array metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		remaining := meta.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}

	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported data_type: %s", dataType)
	}
}

func fillValueBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}

	// Default fill to 0 if unspecified.
	fill := meta.FillValue
	if fill == nil {
		return make([]byte, size), nil
	}

	var f float64
	switch t := fill.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", fill)
	}

	switch meta.DataType {
	case "float32":
		bits := math.Float32bits(float32(f))
		return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}, nil
	case "float64":
		bits := math.Float64bits(f)
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[i] = byte(bits >> (8 * i))
		}
		return out, nil
	case "int32", "uint32":
		u := uint32(int32(f))
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}, nil
	default:
		return nil, fmt.Errorf("unsupported data_type: %s", meta.DataType)
	}
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(fill) == 0 {
		return make([]byte, n)
	}
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([]byte, len(fill)*n)
	}

	out := make([]byte, len(fill)*n)
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func (s *Store) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	key := encodeChunkKey(meta, chunkIndices)
	data, err := s.readChunk(arrayPath, key)
	if err == nil {
		return data, nil
	}

	// A chunk missing on disk represents an all-fill-value chunk.
	if os.IsNotExist(err) {
		shape, shapeErr := chunkShapeAt(meta, chunkIndices)
		if shapeErr != nil {
			return nil, shapeErr
		}
		fillBytes, fillErr := fillValueBytes(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		return repeatFillBytes(fillBytes, product(shape)), nil
	}

	return nil, err
}

// readMatrix reads a full 2D array into a row-major float64 slice.
func (s *Store) readMatrix(name string) ([]float64, int, int, error) {
	arrayPath := filepath.Join(s.basePath, name)
	meta, err := s.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}

	if len(meta.Shape) != 2 {
		return nil, 0, 0, fmt.Errorf("unexpected %s shape: %v", name, meta.Shape)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, 0, 0, fmt.Errorf("unexpected %s chunk shape: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	rows := meta.Shape[0]
	cols := meta.Shape[1]
	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid %s chunk shape: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	elemSize, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: %w", name, err)
	}

	out := make([]float64, rows*cols)
	nRowChunks := ceilDiv(rows, rowChunk)
	nColChunks := ceilDiv(cols, colChunk)

	for rChunk := 0; rChunk < nRowChunks; rChunk++ {
		rowStart := rChunk * rowChunk
		rowLen := min(rowChunk, rows-rowStart)

		for cChunk := 0; cChunk < nColChunks; cChunk++ {
			colStart := cChunk * colChunk
			colLen := min(colChunk, cols-colStart)

			chunkData, err := s.readChunkAt(arrayPath, meta, []int{rChunk, cChunk})
			if err != nil {
				return nil, 0, 0, fmt.Errorf("failed to load %s chunk %d/%d: %w", name, rChunk, cChunk, err)
			}
			if len(chunkData) < rowLen*colLen*elemSize {
				return nil, 0, 0, fmt.Errorf("%s chunk %d/%d too short: got %d bytes, expected %d", name, rChunk, cChunk, len(chunkData), rowLen*colLen*elemSize)
			}

			for i := 0; i < rowLen; i++ {
				for j := 0; j < colLen; j++ {
					off := (i*colLen + j) * elemSize
					v, err := decodeElem(meta.DataType, chunkData[off:off+elemSize])
					if err != nil {
						return nil, 0, 0, fmt.Errorf("%s: %w", name, err)
					}
					out[(rowStart+i)*cols+(colStart+j)] = v
				}
			}
		}
	}

	return out, rows, cols, nil
}

func decodeElem(dataType string, b []byte) (float64, error) {
	switch dataType {
	case "float32":
		bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		return float64(math.Float32frombits(bits)), nil
	case "float64":
		var bits uint64
		for i := 0; i < 8; i++ {
			bits |= uint64(b[i]) << (8 * i)
		}
		return math.Float64frombits(bits), nil
	case "int32":
		u := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		return float64(int32(u)), nil
	case "uint32":
		u := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		return float64(u), nil
	default:
		return 0, fmt.Errorf("unsupported data_type: %s", dataType)
	}
}

// Feats reads the full tile feature table, shape [n_tiles][feature_dim].
func (s *Store) Feats() ([][]float32, error) {
	flat, rows, cols, err := s.readMatrix("feats")
	if err != nil {
		return nil, err
	}
	feats := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, cols)
		for j := 0; j < cols; j++ {
			row[j] = float32(flat[i*cols+j])
		}
		feats[i] = row
	}
	return feats, nil
}

// Coords reads the tile coordinate table, shape [n_tiles](x, y), in the
// store's native coordinate unit.
func (s *Store) Coords() ([][2]float64, error) {
	flat, rows, cols, err := s.readMatrix("coords")
	if err != nil {
		return nil, err
	}
	if cols != 2 {
		return nil, fmt.Errorf("unexpected coords shape: [%d,%d] (expected [n,2])", rows, cols)
	}
	coords := make([][2]float64, rows)
	for i := 0; i < rows; i++ {
		coords[i][0] = flat[i*2]
		coords[i][1] = flat[i*2+1]
	}
	return coords, nil
}

// Close releases resources.
func (s *Store) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
