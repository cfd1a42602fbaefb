package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// GatedAttentionMIL is a gated-attention multiple-instance classifier:
// a gated attention layer pools tile embeddings into a bag embedding, and a
// linear head maps it to category logits. Weights load from a JSON
// checkpoint exported by the training pipeline.
//
// The forward pass is differentiable by hand, which gives the attribution
// engine exact gradients instead of finite differences.
type GatedAttentionMIL struct {
	cats    []string
	featDim int
	attnDim int

	// Attention parameters: e_j = w · (tanh(V h_j) ⊙ sigmoid(U h_j)).
	v [][]float64 // [attnDim][featDim]
	u [][]float64 // [attnDim][featDim]
	w []float64   // [attnDim]

	// Linear head: logits = Head z + bias.
	head [][]float64 // [nCats][featDim]
	bias []float64   // [nCats]
}

// Checkpoint is the JSON serialization of a trained model.
type Checkpoint struct {
	Categories []string    `json:"categories"`
	FeatDim    int         `json:"feat_dim"`
	AttnDim    int         `json:"attn_dim"`
	AttnV      [][]float64 `json:"attn_v"`
	AttnU      [][]float64 `json:"attn_u"`
	AttnW      []float64   `json:"attn_w"`
	HeadWeight [][]float64 `json:"head_weight"`
	HeadBias   []float64   `json:"head_bias"`
}

// LoadCheckpoint reads and validates a gated-attention MIL checkpoint.
func LoadCheckpoint(path string) (*GatedAttentionMIL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}

	return NewGatedAttentionMIL(ckpt)
}

// NewGatedAttentionMIL builds a classifier from checkpoint contents.
func NewGatedAttentionMIL(ckpt Checkpoint) (*GatedAttentionMIL, error) {
	if len(ckpt.Categories) < 2 {
		return nil, fmt.Errorf("checkpoint needs at least 2 categories, got %d", len(ckpt.Categories))
	}
	if ckpt.FeatDim <= 0 || ckpt.AttnDim <= 0 {
		return nil, fmt.Errorf("invalid checkpoint dims: feat_dim=%d attn_dim=%d", ckpt.FeatDim, ckpt.AttnDim)
	}
	if err := checkMatrix("attn_v", ckpt.AttnV, ckpt.AttnDim, ckpt.FeatDim); err != nil {
		return nil, err
	}
	if err := checkMatrix("attn_u", ckpt.AttnU, ckpt.AttnDim, ckpt.FeatDim); err != nil {
		return nil, err
	}
	if len(ckpt.AttnW) != ckpt.AttnDim {
		return nil, fmt.Errorf("attn_w has %d entries, expected %d", len(ckpt.AttnW), ckpt.AttnDim)
	}
	if err := checkMatrix("head_weight", ckpt.HeadWeight, len(ckpt.Categories), ckpt.FeatDim); err != nil {
		return nil, err
	}
	if len(ckpt.HeadBias) != len(ckpt.Categories) {
		return nil, fmt.Errorf("head_bias has %d entries, expected %d", len(ckpt.HeadBias), len(ckpt.Categories))
	}

	return &GatedAttentionMIL{
		cats:    ckpt.Categories,
		featDim: ckpt.FeatDim,
		attnDim: ckpt.AttnDim,
		v:       ckpt.AttnV,
		u:       ckpt.AttnU,
		w:       ckpt.AttnW,
		head:    ckpt.HeadWeight,
		bias:    ckpt.HeadBias,
	}, nil
}

func checkMatrix(name string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("%s has %d rows, expected %d", name, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%s row %d has %d cols, expected %d", name, i, len(row), cols)
		}
	}
	return nil
}

// Categories returns the ordered category labels.
func (m *GatedAttentionMIL) Categories() []string {
	return m.cats
}

// forwardState keeps the intermediates the backward pass needs.
type forwardState struct {
	h     [][]float64 // tile features, float64
	uTanh [][]float64 // tanh(V h_j), per tile
	gSig  [][]float64 // sigmoid(U h_j), per tile
	attn  []float64   // softmax attention weights
	probs []float64
}

func (m *GatedAttentionMIL) forward(bag [][]float32) (*forwardState, error) {
	n := len(bag)
	if n == 0 {
		return nil, fmt.Errorf("empty bag")
	}

	st := &forwardState{
		h:     make([][]float64, n),
		uTanh: make([][]float64, n),
		gSig:  make([][]float64, n),
	}

	scores := make([]float64, n)
	for j, tile := range bag {
		if len(tile) != m.featDim {
			return nil, fmt.Errorf("tile %d has %d features, expected %d", j, len(tile), m.featDim)
		}
		h := make([]float64, m.featDim)
		for t, v := range tile {
			h[t] = float64(v)
		}
		st.h[j] = h

		ut := make([]float64, m.attnDim)
		gs := make([]float64, m.attnDim)
		var e float64
		for k := 0; k < m.attnDim; k++ {
			var vh, uh float64
			for t := 0; t < m.featDim; t++ {
				vh += m.v[k][t] * h[t]
				uh += m.u[k][t] * h[t]
			}
			ut[k] = math.Tanh(vh)
			gs[k] = 1 / (1 + math.Exp(-uh))
			e += m.w[k] * ut[k] * gs[k]
		}
		st.uTanh[j] = ut
		st.gSig[j] = gs
		scores[j] = e
	}

	st.attn = Softmax(scores)

	z := make([]float64, m.featDim)
	for j := 0; j < n; j++ {
		for t := 0; t < m.featDim; t++ {
			z[t] += st.attn[j] * st.h[j][t]
		}
	}

	logits := make([]float64, len(m.cats))
	for c := range m.cats {
		logits[c] = m.bias[c]
		for t := 0; t < m.featDim; t++ {
			logits[c] += m.head[c][t] * z[t]
		}
	}
	st.probs = Softmax(logits)
	return st, nil
}

// Probabilities runs the bag through the model.
func (m *GatedAttentionMIL) Probabilities(bag [][]float32) ([]float64, error) {
	st, err := m.forward(bag)
	if err != nil {
		return nil, err
	}
	return st.probs, nil
}

// ProbabilityGradients computes d p[c] / d h[j][t] analytically.
//
// With a = softmax(e), z = Σ a_j h_j and p = softmax(Head z + bias):
//
//	d p_c / d h_j = a_j (gz + (q_j − q̄) s_j)
//
// where gz = p_c (Head_c − Σ_i p_i Head_i), q_j = gz·h_j, q̄ = Σ a_j q_j and
// s_j = d e_j / d h_j through the gated attention.
func (m *GatedAttentionMIL) ProbabilityGradients(bag [][]float32) ([][][]float64, error) {
	st, err := m.forward(bag)
	if err != nil {
		return nil, err
	}
	n := len(bag)

	// s_j is shared across categories.
	s := make([][]float64, n)
	for j := 0; j < n; j++ {
		sj := make([]float64, m.featDim)
		for k := 0; k < m.attnDim; k++ {
			ut := st.uTanh[j][k]
			gs := st.gSig[j][k]
			// d e / d vh_k and d e / d uh_k
			dvh := m.w[k] * gs * (1 - ut*ut)
			duh := m.w[k] * ut * gs * (1 - gs)
			for t := 0; t < m.featDim; t++ {
				sj[t] += dvh*m.v[k][t] + duh*m.u[k][t]
			}
		}
		s[j] = sj
	}

	grads := make([][][]float64, len(m.cats))
	for c := range m.cats {
		gz := make([]float64, m.featDim)
		for t := 0; t < m.featDim; t++ {
			var mix float64
			for i := range m.cats {
				mix += st.probs[i] * m.head[i][t]
			}
			gz[t] = st.probs[c] * (m.head[c][t] - mix)
		}

		q := make([]float64, n)
		var qbar float64
		for j := 0; j < n; j++ {
			for t := 0; t < m.featDim; t++ {
				q[j] += gz[t] * st.h[j][t]
			}
			qbar += st.attn[j] * q[j]
		}

		gc := make([][]float64, n)
		for j := 0; j < n; j++ {
			gj := make([]float64, m.featDim)
			scale := st.attn[j] * (q[j] - qbar)
			for t := 0; t < m.featDim; t++ {
				gj[t] = st.attn[j]*gz[t] + scale*s[j][t]
			}
			gc[j] = gj
		}
		grads[c] = gc
	}

	return grads, nil
}
