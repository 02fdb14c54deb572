package textclassifier

import (
	"math"
)

// Backward operations for backpropagation. Each forward operation in
// tensor.go that participates in training has a matching gradient
// implementation here, derived with the chain rule.
//
// Example, matrix multiplication:
//
//	Forward:  C = A @ B
//	Backward: ∂L/∂A = gradC @ B^T
//	          ∂L/∂B = A^T @ gradC

// MatMulBackward computes gradients for matrix multiplication.
//
// Given C = A @ B and gradC = ∂L/∂C flowing back from the loss:
//
//	gradA = gradC @ B^T
//	gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	bT := Transpose(b)
	gradA = MatMul(gradC, bT)

	aT := Transpose(a)
	gradB = MatMul(aT, gradC)

	return gradA, gradB
}

// GELUBackward computes the gradient for the GELU activation.
//
// GELU(x) = 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
//
// The derivative is computed analytically from the tanh approximation.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]

		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// TanhBackward computes the gradient for tanh given the forward
// output y = tanh(x): ∂L/∂x = gradY * (1 - y²).
func TanhBackward(y, gradY *Tensor) *Tensor {
	if !shapeEqual(y.shape, gradY.shape) {
		panic("TanhBackward: shape mismatch")
	}

	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * (1.0 - y.data[i]*y.data[i])
	}

	return gradX
}

// SoftmaxBackward computes the gradient for softmax.
//
// Given Y = softmax(X) row-wise:
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	batch := y.shape[0]
	features := y.shape[1]

	gradX := NewTensor(y.shape...)

	for b := 0; b < batch; b++ {
		// Σ_j gradY[j] * Y[j]
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.At(b, f) * y.At(b, f)
		}

		for f := 0; f < features; f++ {
			gradX.Set(y.At(b, f)*(gradY.At(b, f)-dot), b, f)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for layer normalization.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// where mean and variance are computed per row, and
// std = sqrt(variance + epsilon).
func LayerNormBackward(x, gamma, beta, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch := x.shape[0]
	features := x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(beta.shape...)

	n := float64(features)

	for b := 0; b < batch; b++ {
		// Recompute statistics (needed for backward pass)
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(b, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(b, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		// Gradients for gamma and beta
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradGamma.data[f] += gradY.At(b, f) * xNorm
			gradBeta.data[f] += gradY.At(b, f)
		}

		// Gradient for x, through the mean and variance dependencies
		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			sumGradY += gradY.At(b, f) * gamma.data[f]
			sumGradYXNorm += gradY.At(b, f) * gamma.data[f] * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradXNorm := gradY.At(b, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), b, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// CrossEntropyBackward computes the gradient of the sparse categorical
// cross-entropy loss with respect to raw logits.
//
// Given logits (batch, classes) and integer targets (batch):
//
//	gradLogits = (softmax(logits) - one_hot(targets)) / batch
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	batchSize := logits.shape[0]
	numClasses := logits.shape[1]

	probs := Softmax(logits)

	gradLogits := NewTensor(batchSize, numClasses)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < numClasses; c++ {
			if c == targets[b] {
				gradLogits.Set((probs.At(b, c)-1.0)/float64(batchSize), b, c)
			} else {
				gradLogits.Set(probs.At(b, c)/float64(batchSize), b, c)
			}
		}
	}

	return gradLogits
}

// AccumulateGrad adds grad to a tensor's gradient buffer.
// Used when a tensor contributes to the loss through multiple paths.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
