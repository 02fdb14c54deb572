package textclassifier

// ===========================================================================
// WHAT'S GOING ON HERE: Bidirectional Encoder Backbone
// ===========================================================================
//
// This file implements the encoder backbone that task heads compose over:
// a BERT-style bidirectional transformer producing two outputs per input
// sequence:
//
//   1. A sequence output: one hidden vector per token position.
//   2. A pooled output: a fixed-size summary vector computed by a dense
//      tanh projection of the [CLS] position. Task heads (classifier.go)
//      consume this slot.
//
// Unlike an autoregressive decoder, every position attends to every other
// position. The attention mask only prevents attending to [PAD] positions:
//
//   Causal (decoder):  [[1, 0, 0],     Bidirectional (this file):
//                       [1, 1, 0],       [[1, 1, 0],
//                       [1, 1, 1]]        [1, 1, 0],    <- col 2 is padding
//                                         [1, 1, 0]]
//
// Inputs are triples of token IDs, segment IDs, and a padding mask
// (EncoderInputs). Embeddings are the sum of token + learned position +
// segment embeddings. Blocks are pre-norm residual:
//
//   x = x + Attention(LayerNorm(x))
//   x = x + FeedForward(LayerNorm(x))
//
// followed by a final LayerNorm and the pooler.
//
// The backbone is a shared collaborator: multiple task heads may hold a
// reference to the same Encoder, and heads never mutate its structure,
// only compose new operations after it.
// ===========================================================================

import (
	"fmt"
	"math"
)

// EncoderConfig holds the backbone architecture hyperparameters.
type EncoderConfig struct {
	VocabSize       int     `json:"vocab_size" yaml:"vocab_size"`
	MaxSeqLen       int     `json:"max_seq_len" yaml:"max_seq_len"`
	HiddenDim       int     `json:"hidden_dim" yaml:"hidden_dim"`
	NumLayers       int     `json:"num_layers" yaml:"num_layers"`
	NumHeads        int     `json:"num_heads" yaml:"num_heads"`
	IntermediateDim int     `json:"intermediate_dim" yaml:"intermediate_dim"`
	NumSegments     int     `json:"num_segments" yaml:"num_segments"`
	LayerNormEps    float64 `json:"layer_norm_eps" yaml:"layer_norm_eps"`

	// Special token IDs, shared with the preprocessor.
	PADTokenID int `json:"pad_token_id" yaml:"pad_token_id"`
	UNKTokenID int `json:"unk_token_id" yaml:"unk_token_id"`
	CLSTokenID int `json:"cls_token_id" yaml:"cls_token_id"`
	SEPTokenID int `json:"sep_token_id" yaml:"sep_token_id"`
}

// DefaultEncoderConfig returns a small encoder configuration for testing.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		VocabSize:       1000,
		MaxSeqLen:       128,
		HiddenDim:       64,
		NumLayers:       2,
		NumHeads:        2,
		IntermediateDim: 128,
		NumSegments:     2,
		LayerNormEps:    1e-5,
		PADTokenID:      0,
		UNKTokenID:      1,
		CLSTokenID:      2,
		SEPTokenID:      3,
	}
}

// EncoderInputs is one preprocessed sequence: token IDs with matching
// segment IDs and a padding mask (1 for real tokens, 0 for [PAD]).
// All three slices must have the same length.
type EncoderInputs struct {
	TokenIDs    []int
	SegmentIDs  []int
	PaddingMask []int
}

// Len returns the sequence length.
func (in *EncoderInputs) Len() int {
	return len(in.TokenIDs)
}

func (in *EncoderInputs) validate() {
	if len(in.SegmentIDs) != len(in.TokenIDs) || len(in.PaddingMask) != len(in.TokenIDs) {
		panic(fmt.Sprintf("encoder: inconsistent input lengths (tokens=%d segments=%d mask=%d)",
			len(in.TokenIDs), len(in.SegmentIDs), len(in.PaddingMask)))
	}
}

// SelfAttention implements multi-head bidirectional self-attention.
//
// Mechanism:
//  1. Project input to Query, Key, Value matrices
//  2. Compute attention scores: softmax(Q·K^T / √d_k), masking [PAD] keys
//  3. Weight values by attention scores
//  4. Concatenate heads and project
type SelfAttention struct {
	embedDim int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Tensor
}

// NewSelfAttention creates an attention layer.
func NewSelfAttention(embedDim, numHeads int) *SelfAttention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("encoder: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads))
	}

	headDim := embedDim / numHeads

	// Xavier/Glorot initialization scaled for transformers
	scale := math.Sqrt(2.0 / float64(embedDim))

	wq := NewTensorRand(embedDim, embedDim)
	wk := NewTensorRand(embedDim, embedDim)
	wv := NewTensorRand(embedDim, embedDim)
	wo := NewTensorRand(embedDim, embedDim)

	for i := range wq.data {
		wq.data[i] *= scale
		wk.data[i] *= scale
		wv.data[i] *= scale
		wo.data[i] *= scale
	}

	return &SelfAttention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  headDim,
		wq:       wq,
		wk:       wk,
		wv:       wv,
		wo:       wo,
	}
}

// LayerNorm implements layer normalization.
//
// Normalizes activations across features for each position independently:
//
//	y = γ * (x - μ) / σ + β
//
// where μ, σ are computed per row, γ, β are learned parameters.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates a layer normalization layer.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)

	// gamma=1, beta=0 (identity transform)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}

	return &LayerNorm{
		dim:   dim,
		eps:   eps,
		gamma: gamma,
		beta:  beta,
	}
}

// Forward applies layer normalization.
// x shape: (seqLen, features)
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("encoder: LayerNorm input must be 2D")
	}

	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}

	return out
}

// FeedForward implements the position-wise feed-forward network:
//
//	FFN(x) = GELU(x @ W1 + b1) @ W2 + b2
//
// The intermediate dimension is typically 2-4x the hidden dimension.
// This is where most of the backbone's parameters reside.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(embedDim, hiddenDim int) *FeedForward {
	return &FeedForward{
		w1: NewTensorRand(embedDim, hiddenDim),
		b1: NewTensor(hiddenDim),
		w2: NewTensorRand(hiddenDim, embedDim),
		b2: NewTensor(embedDim),
	}
}

// EncoderBlock combines attention, layer norm, and feed-forward layers
// with pre-norm residual connections.
type EncoderBlock struct {
	attn *SelfAttention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
}

// NewEncoderBlock creates an encoder block.
func NewEncoderBlock(config EncoderConfig) *EncoderBlock {
	return &EncoderBlock{
		attn: NewSelfAttention(config.HiddenDim, config.NumHeads),
		ln1:  NewLayerNorm(config.HiddenDim, config.LayerNormEps),
		ff:   NewFeedForward(config.HiddenDim, config.IntermediateDim),
		ln2:  NewLayerNorm(config.HiddenDim, config.LayerNormEps),
	}
}

// Pooler projects the [CLS] position's hidden state through a dense tanh
// layer, producing the fixed-size pooled output that task heads consume.
type Pooler struct {
	w *Tensor // (hiddenDim, hiddenDim)
	b *Tensor // (hiddenDim)
}

// NewPooler creates a pooler layer.
func NewPooler(hiddenDim int) *Pooler {
	return &Pooler{
		w: NewTensorRand(hiddenDim, hiddenDim),
		b: NewTensor(hiddenDim),
	}
}

// Encoder is the backbone model.
//
// Architecture:
//  1. Token + learned position + segment embeddings
//  2. Stack of bidirectional encoder blocks
//  3. Final layer norm (sequence output)
//  4. Pooler over the [CLS] position (pooled output)
type Encoder struct {
	config EncoderConfig

	tokenEmbed *Tensor // (vocabSize, hiddenDim)
	posEmbed   *Tensor // (maxSeqLen, hiddenDim)
	segEmbed   *Tensor // (numSegments, hiddenDim)

	blocks []*EncoderBlock

	lnFinal *LayerNorm
	pooler  *Pooler
}

// NewEncoder creates an encoder backbone from a configuration.
// Panics on invalid configuration - these are programmer errors.
func NewEncoder(config EncoderConfig) *Encoder {
	if config.VocabSize <= 0 || config.MaxSeqLen <= 0 || config.HiddenDim <= 0 ||
		config.NumLayers <= 0 || config.NumHeads <= 0 || config.IntermediateDim <= 0 {
		panic(fmt.Sprintf("encoder: non-positive dimension in config %+v", config))
	}
	if config.NumSegments <= 0 {
		config.NumSegments = 2
	}
	if config.LayerNormEps == 0 {
		config.LayerNormEps = 1e-5
	}

	tokenEmbed := NewTensorRand(config.VocabSize, config.HiddenDim)
	posEmbed := NewTensorRand(config.MaxSeqLen, config.HiddenDim)
	segEmbed := NewTensorRand(config.NumSegments, config.HiddenDim)

	blocks := make([]*EncoderBlock, config.NumLayers)
	for i := range blocks {
		blocks[i] = NewEncoderBlock(config)
	}

	return &Encoder{
		config:     config,
		tokenEmbed: tokenEmbed,
		posEmbed:   posEmbed,
		segEmbed:   segEmbed,
		blocks:     blocks,
		lnFinal:    NewLayerNorm(config.HiddenDim, config.LayerNormEps),
		pooler:     NewPooler(config.HiddenDim),
	}
}

// Config returns the encoder's configuration.
func (e *Encoder) Config() EncoderConfig {
	return e.config
}

// Forward computes the sequence and pooled outputs for one input.
//
// sequence: (seqLen, hiddenDim); pooled: (1, hiddenDim).
func (e *Encoder) Forward(in *EncoderInputs) (sequence, pooled *Tensor) {
	sequence, pooled, _ = e.ForwardWithCache(in)
	return sequence, pooled
}

// embed computes the summed token+position+segment embeddings.
func (e *Encoder) embed(in *EncoderInputs) *Tensor {
	in.validate()

	seqLen := in.Len()
	if seqLen > e.config.MaxSeqLen {
		panic(fmt.Sprintf("encoder: sequence length %d exceeds maximum %d", seqLen, e.config.MaxSeqLen))
	}

	x := NewTensor(seqLen, e.config.HiddenDim)
	for i, tokenID := range in.TokenIDs {
		if tokenID < 0 || tokenID >= e.config.VocabSize {
			panic(fmt.Sprintf("encoder: token ID %d out of vocabulary range [0,%d)", tokenID, e.config.VocabSize))
		}
		segID := in.SegmentIDs[i]
		if segID < 0 || segID >= e.config.NumSegments {
			panic(fmt.Sprintf("encoder: segment ID %d out of range [0,%d)", segID, e.config.NumSegments))
		}

		for j := 0; j < e.config.HiddenDim; j++ {
			sum := e.tokenEmbed.At(tokenID, j) + e.posEmbed.At(i, j) + e.segEmbed.At(segID, j)
			x.Set(sum, i, j)
		}
	}

	return x
}

// Parameters returns all trainable parameters in the backbone.
// The order is fixed; serialization depends on it.
func (e *Encoder) Parameters() []*Tensor {
	params := make([]*Tensor, 0)

	params = append(params, e.tokenEmbed, e.posEmbed, e.segEmbed)

	for _, block := range e.blocks {
		params = append(params, block.attn.wq, block.attn.wk, block.attn.wv, block.attn.wo)
		params = append(params, block.ln1.gamma, block.ln1.beta)
		params = append(params, block.ff.w1, block.ff.b1, block.ff.w2, block.ff.b2)
		params = append(params, block.ln2.gamma, block.ln2.beta)
	}

	params = append(params, e.lnFinal.gamma, e.lnFinal.beta)
	params = append(params, e.pooler.w, e.pooler.b)

	return params
}

// NumParameters returns the total number of scalar parameters.
func (e *Encoder) NumParameters() int {
	total := 0
	for _, p := range e.Parameters() {
		total += p.Size()
	}
	return total
}
