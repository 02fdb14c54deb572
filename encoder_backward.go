package textclassifier

// ===========================================================================
// WHAT'S GOING ON HERE: Backpropagation Through the Encoder
// ===========================================================================
//
// Fine-tuning a task head updates every backbone parameter, so the
// encoder needs a full backward pass. This file holds the cached forward
// variants (ForwardWithCache) and the matching Backward methods.
//
// The pattern, per layer:
//
//   1. ForwardWithCache saves the activations backward needs (inputs to
//      each matmul, pre-activation values, attention projections).
//   2. Backward consumes the cache in reverse order, accumulating
//      parameter gradients into each tensor's grad buffer and returning
//      the gradient with respect to the layer input.
//
// Attention scores and softmax weights are NOT cached. They are cheap to
// recompute from the cached Q/K projections and caching them would cost
// O(layers * heads * seqLen²) memory per example.
//
// The entry point is Encoder.Backward, which takes the gradient of the
// loss with respect to the POOLED output. Gradient flows: pooler tanh →
// pooler dense → [CLS] row of the sequence output (other rows receive
// zero from the head) → final LayerNorm → blocks in reverse → the three
// embedding tables.
// ===========================================================================

import "math"

// attentionCache holds activations needed for the attention backward pass.
type attentionCache struct {
	input   *Tensor // layer input after pre-norm, (seqLen, embedDim)
	q, k, v *Tensor // projections, (seqLen, embedDim)
	context *Tensor // concatenated head outputs before wo, (seqLen, embedDim)
	padMask []int
}

// ffCache holds activations for the feed-forward backward pass.
type ffCache struct {
	input  *Tensor // (seqLen, embedDim)
	preAct *Tensor // before GELU, (seqLen, hiddenDim)
	hidden *Tensor // after GELU, (seqLen, hiddenDim)
}

// blockCache holds per-block activations: the residual stream at each
// junction plus the sublayer caches.
type blockCache struct {
	input     *Tensor // block input
	normed1   *Tensor
	attnCache *attentionCache
	afterAttn *Tensor // input + attention output
	normed2   *Tensor
	ffCache   *ffCache
}

// EncoderCache holds everything Encoder.Backward needs.
type EncoderCache struct {
	inputs       *EncoderInputs
	blockCaches  []*blockCache
	lnFinalInput *Tensor
	clsHidden    *Tensor // (1, hiddenDim), row 0 of the sequence output
	pooled       *Tensor // (1, hiddenDim), tanh output
}

// Forward computes attention output without caching. Used at inference.
func (a *SelfAttention) Forward(x *Tensor, padMask []int) *Tensor {
	out, _ := a.ForwardWithCache(x, padMask)
	return out
}

// ForwardWithCache computes bidirectional multi-head attention, saving
// the projections for the backward pass. padMask marks real tokens with
// 1; key positions where padMask is 0 are excluded from every query's
// attention distribution.
func (a *SelfAttention) ForwardWithCache(x *Tensor, padMask []int) (*Tensor, *attentionCache) {
	seqLen := x.shape[0]

	q := MatMul(x, a.wq)
	k := MatMul(x, a.wk)
	v := MatMul(x, a.wv)

	context := NewTensor(seqLen, a.embedDim)
	invSqrtD := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		offset := h * a.headDim

		qh := sliceHead(q, offset, a.headDim)
		kh := sliceHead(k, offset, a.headDim)
		vh := sliceHead(v, offset, a.headDim)

		weights := attentionWeights(qh, kh, padMask, invSqrtD)
		headOut := MatMul(weights, vh)

		for i := 0; i < seqLen; i++ {
			for j := 0; j < a.headDim; j++ {
				context.Set(headOut.At(i, j), i, offset+j)
			}
		}
	}

	out := MatMul(context, a.wo)

	cache := &attentionCache{
		input:   x,
		q:       q,
		k:       k,
		v:       v,
		context: context,
		padMask: padMask,
	}

	return out, cache
}

// Backward computes attention gradients, accumulating into the weight
// tensors and returning the gradient with respect to the layer input.
func (a *SelfAttention) Backward(gradOut *Tensor, cache *attentionCache) *Tensor {
	seqLen := gradOut.shape[0]

	// Output projection: out = context @ wo
	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(seqLen, a.embedDim)
	gradK := NewTensor(seqLen, a.embedDim)
	gradV := NewTensor(seqLen, a.embedDim)

	invSqrtD := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		offset := h * a.headDim

		qh := sliceHead(cache.q, offset, a.headDim)
		kh := sliceHead(cache.k, offset, a.headDim)
		vh := sliceHead(cache.v, offset, a.headDim)

		// Recompute this head's attention weights
		weights := attentionWeights(qh, kh, cache.padMask, invSqrtD)

		gradHeadOut := sliceHead(gradContext, offset, a.headDim)

		// headOut = weights @ vh
		gradWeights, gradVh := MatMulBackward(weights, vh, gradHeadOut)

		// Through the softmax
		gradScores := SoftmaxBackward(weights, gradWeights)

		// scores = (qh @ kh^T) * invSqrtD
		gradScores = Scale(gradScores, invSqrtD)
		gradQh := MatMul(gradScores, kh)
		gradKh := MatMul(Transpose(gradScores), qh)

		for i := 0; i < seqLen; i++ {
			for j := 0; j < a.headDim; j++ {
				gradQ.Set(gradQh.At(i, j), i, offset+j)
				gradK.Set(gradKh.At(i, j), i, offset+j)
				gradV.Set(gradVh.At(i, j), i, offset+j)
			}
		}
	}

	// Input projections: q = x @ wq, etc. The input feeds all three, so
	// its gradient is the sum of the three paths.
	gradX, gradWq := MatMulBackward(cache.input, a.wq, gradQ)
	gradXK, gradWk := MatMulBackward(cache.input, a.wk, gradK)
	gradXV, gradWv := MatMulBackward(cache.input, a.wv, gradV)

	a.wq.AccumulateGrad(gradWq)
	a.wk.AccumulateGrad(gradWk)
	a.wv.AccumulateGrad(gradWv)

	gradX = Add(gradX, gradXK)
	gradX = Add(gradX, gradXV)

	return gradX
}

// attentionWeights computes one head's softmax attention weights with
// padding positions masked out of the key dimension.
func attentionWeights(qh, kh *Tensor, padMask []int, invSqrtD float64) *Tensor {
	scores := MatMul(qh, Transpose(kh))
	seqLen := scores.shape[0]

	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			if padMask[j] == 0 {
				scores.Set(-1e9, i, j)
			} else {
				scores.Set(scores.At(i, j)*invSqrtD, i, j)
			}
		}
	}

	return Softmax(scores)
}

// sliceHead extracts columns [offset, offset+headDim) into a new tensor.
func sliceHead(x *Tensor, offset, headDim int) *Tensor {
	seqLen := x.shape[0]
	out := NewTensor(seqLen, headDim)

	for i := 0; i < seqLen; i++ {
		for j := 0; j < headDim; j++ {
			out.Set(x.At(i, offset+j), i, j)
		}
	}

	return out
}

// Forward computes the feed-forward output without caching.
func (f *FeedForward) Forward(x *Tensor) *Tensor {
	out, _ := f.ForwardWithCache(x)
	return out
}

// ForwardWithCache computes FFN(x) = GELU(x @ W1 + b1) @ W2 + b2,
// saving intermediate activations.
func (f *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *ffCache) {
	preAct := addBias(MatMul(x, f.w1), f.b1)
	hidden := GELU(preAct)
	out := addBias(MatMul(hidden, f.w2), f.b2)

	cache := &ffCache{
		input:  x,
		preAct: preAct,
		hidden: hidden,
	}

	return out, cache
}

// Backward computes feed-forward gradients.
func (f *FeedForward) Backward(gradOut *Tensor, cache *ffCache) *Tensor {
	accumulateBiasGrad(f.b2, gradOut)
	gradHidden, gradW2 := MatMulBackward(cache.hidden, f.w2, gradOut)
	f.w2.AccumulateGrad(gradW2)

	gradPreAct := GELUBackward(cache.preAct, gradHidden)

	accumulateBiasGrad(f.b1, gradPreAct)
	gradX, gradW1 := MatMulBackward(cache.input, f.w1, gradPreAct)
	f.w1.AccumulateGrad(gradW1)

	return gradX
}

// ForwardWithCache runs one encoder block with pre-norm residuals:
//
//	x = x + Attention(LN1(x))
//	x = x + FeedForward(LN2(x))
func (b *EncoderBlock) ForwardWithCache(x *Tensor, padMask []int) (*Tensor, *blockCache) {
	normed1 := b.ln1.Forward(x)
	attnOut, attnCache := b.attn.ForwardWithCache(normed1, padMask)
	afterAttn := Add(x, attnOut)

	normed2 := b.ln2.Forward(afterAttn)
	ffOut, ffc := b.ff.ForwardWithCache(normed2)
	out := Add(afterAttn, ffOut)

	cache := &blockCache{
		input:     x,
		normed1:   normed1,
		attnCache: attnCache,
		afterAttn: afterAttn,
		normed2:   normed2,
		ffCache:   ffc,
	}

	return out, cache
}

// Backward computes block gradients. Each residual junction splits the
// incoming gradient: one copy flows straight through, one through the
// sublayer and its layer norm.
func (b *EncoderBlock) Backward(gradOut *Tensor, cache *blockCache) *Tensor {
	// Feed-forward sublayer: out = afterAttn + FF(LN2(afterAttn))
	gradNormed2 := b.ff.Backward(gradOut, cache.ffCache)
	gradAfterAttnLN, gradGamma2, gradBeta2 := LayerNormBackward(
		cache.afterAttn, b.ln2.gamma, b.ln2.beta, gradNormed2, b.ln2.eps)
	b.ln2.gamma.AccumulateGrad(gradGamma2)
	b.ln2.beta.AccumulateGrad(gradBeta2)

	gradAfterAttn := Add(gradOut, gradAfterAttnLN)

	// Attention sublayer: afterAttn = input + Attn(LN1(input))
	gradNormed1 := b.attn.Backward(gradAfterAttn, cache.attnCache)
	gradInputLN, gradGamma1, gradBeta1 := LayerNormBackward(
		cache.input, b.ln1.gamma, b.ln1.beta, gradNormed1, b.ln1.eps)
	b.ln1.gamma.AccumulateGrad(gradGamma1)
	b.ln1.beta.AccumulateGrad(gradBeta1)

	return Add(gradAfterAttn, gradInputLN)
}

// ForwardWithCache computes the sequence and pooled outputs while
// recording the activations Backward needs.
func (e *Encoder) ForwardWithCache(in *EncoderInputs) (sequence, pooled *Tensor, cache *EncoderCache) {
	x := e.embed(in)

	blockCaches := make([]*blockCache, len(e.blocks))
	for i, block := range e.blocks {
		x, blockCaches[i] = block.ForwardWithCache(x, in.PaddingMask)
	}

	lnFinalInput := x
	sequence = e.lnFinal.Forward(x)

	cls := sequence.Row(0)
	pooled = Tanh(addBias(MatMul(cls, e.pooler.w), e.pooler.b))

	cache = &EncoderCache{
		inputs:       in,
		blockCaches:  blockCaches,
		lnFinalInput: lnFinalInput,
		clsHidden:    cls,
		pooled:       pooled,
	}

	return sequence, pooled, cache
}

// Backward backpropagates the gradient of the loss with respect to the
// pooled output through the whole backbone, accumulating parameter
// gradients. gradPooled shape: (1, hiddenDim).
func (e *Encoder) Backward(gradPooled *Tensor, cache *EncoderCache) {
	// Pooler: pooled = tanh(cls @ Wp + bp)
	gradPreTanh := TanhBackward(cache.pooled, gradPooled)
	accumulateBiasGrad(e.pooler.b, gradPreTanh)
	gradCls, gradWp := MatMulBackward(cache.clsHidden, e.pooler.w, gradPreTanh)
	e.pooler.w.AccumulateGrad(gradWp)

	// Only the [CLS] row feeds the pooled output; the head reads nothing
	// from the other positions.
	seqLen := cache.lnFinalInput.shape[0]
	gradSeq := NewTensor(seqLen, e.config.HiddenDim)
	for j := 0; j < e.config.HiddenDim; j++ {
		gradSeq.Set(gradCls.At(0, j), 0, j)
	}

	gradX, gradGamma, gradBeta := LayerNormBackward(
		cache.lnFinalInput, e.lnFinal.gamma, e.lnFinal.beta, gradSeq, e.lnFinal.eps)
	e.lnFinal.gamma.AccumulateGrad(gradGamma)
	e.lnFinal.beta.AccumulateGrad(gradBeta)

	for i := len(e.blocks) - 1; i >= 0; i-- {
		gradX = e.blocks[i].Backward(gradX, cache.blockCaches[i])
	}

	// Embedding tables: each position's gradient flows into the token,
	// position, and segment rows that summed into it.
	in := cache.inputs
	hidden := e.config.HiddenDim
	for i, tokenID := range in.TokenIDs {
		segID := in.SegmentIDs[i]
		for j := 0; j < hidden; j++ {
			g := gradX.At(i, j)
			e.tokenEmbed.grad[tokenID*hidden+j] += g
			e.posEmbed.grad[i*hidden+j] += g
			e.segEmbed.grad[segID*hidden+j] += g
		}
	}
}

// accumulateBiasGrad sums gradient rows into a 1D bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	rows, cols := grad.shape[0], grad.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			bias.grad[j] += grad.At(i, j)
		}
	}
}
