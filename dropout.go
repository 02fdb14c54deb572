package textclassifier

import (
	"fmt"
	"math/rand"
)

// Dropout randomly zeroes activations during training and is a no-op
// at inference. Uses inverted dropout: surviving activations are scaled
// by 1/(1-rate) so the expected activation magnitude is unchanged and
// inference needs no rescaling.
type Dropout struct {
	rate float64
	rng  *rand.Rand
}

// NewDropout creates a dropout layer. rate must be in [0, 1).
func NewDropout(rate float64) *Dropout {
	if rate < 0 || rate >= 1 {
		panic(fmt.Sprintf("dropout: rate must be in [0,1), got %g", rate))
	}

	return &Dropout{
		rate: rate,
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}
}

// Rate returns the configured drop probability.
func (d *Dropout) Rate() float64 {
	return d.rate
}

// Forward applies dropout to x. When training is false (or rate is 0)
// the input passes through untouched and the returned mask is nil.
// The mask holds the per-element scale factors (0 or 1/(1-rate)) and
// must be passed to DropoutBackward.
func (d *Dropout) Forward(x *Tensor, training bool) (*Tensor, *Tensor) {
	if !training || d.rate == 0 {
		return x, nil
	}

	keep := 1.0 - d.rate
	mask := NewTensor(x.shape...)
	out := NewTensor(x.shape...)

	for i := range x.data {
		if d.rng.Float64() < keep {
			mask.data[i] = 1.0 / keep
			out.data[i] = x.data[i] * mask.data[i]
		}
	}

	return out, mask
}

// DropoutBackward routes the gradient through the forward mask.
// A nil mask means dropout was a no-op and the gradient passes through.
func DropoutBackward(gradY, mask *Tensor) *Tensor {
	if mask == nil {
		return gradY
	}

	return Mul(gradY, mask)
}
