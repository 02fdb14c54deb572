package textclassifier

// ===========================================================================
// WHAT'S GOING ON HERE: Training Machinery
// ===========================================================================
//
// Losses, metrics, optimizers, and the learning-rate schedule. These are
// the pieces a task head's default compilation wires together, and the
// pieces callers swap out with Compile.
//
// Loss and Metric operate on raw logits plus integer class labels - no
// one-hot encoding anywhere. Optimizers update parameters in place from
// the gradient buffers the backward pass accumulated.
// ===========================================================================

import (
	"fmt"
	"math"
)

// Loss maps logits and integer targets to a scalar loss and the gradient
// of that loss with respect to the logits.
type Loss interface {
	Name() string
	Forward(logits *Tensor, targets []int) float64
	Backward(logits *Tensor, targets []int) *Tensor
}

// SparseCategoricalCrossentropy is the default classification loss.
// With fromLogits it applies softmax internally; otherwise the inputs
// are taken as probabilities.
type SparseCategoricalCrossentropy struct {
	fromLogits bool
}

// NewSparseCategoricalCrossentropy creates the loss. fromLogits should
// be true when the model outputs unnormalized scores, which is how the
// classifier head is built.
func NewSparseCategoricalCrossentropy(fromLogits bool) *SparseCategoricalCrossentropy {
	return &SparseCategoricalCrossentropy{fromLogits: fromLogits}
}

func (l *SparseCategoricalCrossentropy) Name() string {
	return "sparse_categorical_crossentropy"
}

// Forward computes the mean negative log-likelihood of the target
// classes. logits shape: (batch, classes); len(targets) must equal batch.
func (l *SparseCategoricalCrossentropy) Forward(logits *Tensor, targets []int) float64 {
	checkLossShapes(logits, targets)

	probs := logits
	if l.fromLogits {
		probs = Softmax(logits)
	}

	batch := logits.shape[0]
	total := 0.0
	for b := 0; b < batch; b++ {
		p := probs.At(b, targets[b])
		// Clamp to avoid log(0) on a confident wrong answer.
		if p < 1e-12 {
			p = 1e-12
		}
		total -= math.Log(p)
	}

	return total / float64(batch)
}

// Backward computes the gradient with respect to the logits:
// (softmax - one_hot) / batch.
func (l *SparseCategoricalCrossentropy) Backward(logits *Tensor, targets []int) *Tensor {
	checkLossShapes(logits, targets)

	if !l.fromLogits {
		panic("loss: gradient through pre-normalized probabilities is not supported; use fromLogits")
	}

	return CrossEntropyBackward(logits, targets)
}

func checkLossShapes(logits *Tensor, targets []int) {
	if len(logits.shape) != 2 {
		panic("loss: logits must be 2D (batch, classes)")
	}
	if logits.shape[0] != len(targets) {
		panic(fmt.Sprintf("loss: batch size %d does not match %d targets", logits.shape[0], len(targets)))
	}
	for _, t := range targets {
		if t < 0 || t >= logits.shape[1] {
			panic(fmt.Sprintf("loss: target %d out of class range [0,%d)", t, logits.shape[1]))
		}
	}
}

// Metric accumulates an evaluation statistic across batches.
type Metric interface {
	Name() string
	Update(logits *Tensor, targets []int)
	Result() float64
	Reset()
}

// SparseCategoricalAccuracy tracks the fraction of examples whose argmax
// prediction matches the integer label.
type SparseCategoricalAccuracy struct {
	correct int
	total   int
}

// NewSparseCategoricalAccuracy creates the metric.
func NewSparseCategoricalAccuracy() *SparseCategoricalAccuracy {
	return &SparseCategoricalAccuracy{}
}

func (m *SparseCategoricalAccuracy) Name() string { return "sparse_categorical_accuracy" }

// Update records one batch of predictions.
func (m *SparseCategoricalAccuracy) Update(logits *Tensor, targets []int) {
	checkLossShapes(logits, targets)

	batch, classes := logits.shape[0], logits.shape[1]
	for b := 0; b < batch; b++ {
		row := logits.data[b*classes : (b+1)*classes]
		if argmax(row) == targets[b] {
			m.correct++
		}
		m.total++
	}
}

// Result returns the accuracy so far, 0 when nothing was recorded.
func (m *SparseCategoricalAccuracy) Result() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.total)
}

// Reset clears the running counts.
func (m *SparseCategoricalAccuracy) Reset() {
	m.correct = 0
	m.total = 0
}

// Optimizer updates parameters in place from their gradient buffers.
type Optimizer interface {
	Name() string
	Step(params []*Tensor)
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Adam implements the Adam optimizer.
//
// Maintains exponential moving averages of gradients (momentum) and
// squared gradients (adaptive learning rate), with bias correction for
// the early steps when the averages are still warming up.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	t int         // timestep
	m [][]float64 // first moment per parameter
	v [][]float64 // second moment per parameter
}

// NewAdam creates an Adam optimizer with standard hyperparameters.
func NewAdam(lr float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
	}
}

func (a *Adam) Name() string { return "adam" }

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 { return a.lr }

// SetLearningRate changes the learning rate, typically per-step from a
// schedule.
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

// Step applies one Adam update. Moment buffers are allocated lazily on
// the first call and keyed by position, so the parameter list must be
// the same (and in the same order) on every call.
func (a *Adam) Step(params []*Tensor) {
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p.data))
			a.v[i] = make([]float64, len(p.data))
		}
	}
	if len(params) != len(a.m) {
		panic(fmt.Sprintf("adam: parameter count changed from %d to %d", len(a.m), len(params)))
	}

	a.t++
	bc1 := 1.0 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1.0 - math.Pow(a.beta2, float64(a.t))

	for i, p := range params {
		for j := range p.data {
			g := p.grad[j]

			a.m[i][j] = a.beta1*a.m[i][j] + (1.0-a.beta1)*g
			a.v[i][j] = a.beta2*a.v[i][j] + (1.0-a.beta2)*g*g

			mHat := a.m[i][j] / bc1
			vHat := a.v[i][j] / bc2

			p.data[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	lr       float64
	momentum float64

	velocity [][]float64
}

// NewSGD creates an SGD optimizer. momentum of 0 disables the velocity
// term.
func NewSGD(lr, momentum float64) *SGD {
	return &SGD{lr: lr, momentum: momentum}
}

func (s *SGD) Name() string { return "sgd" }

// LearningRate returns the current learning rate.
func (s *SGD) LearningRate() float64 { return s.lr }

// SetLearningRate changes the learning rate.
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// Step applies one SGD update.
func (s *SGD) Step(params []*Tensor) {
	if s.momentum == 0 {
		for _, p := range params {
			for j := range p.data {
				p.data[j] -= s.lr * p.grad[j]
			}
		}
		return
	}

	if s.velocity == nil {
		s.velocity = make([][]float64, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float64, len(p.data))
		}
	}

	for i, p := range params {
		for j := range p.data {
			s.velocity[i][j] = s.momentum*s.velocity[i][j] - s.lr*p.grad[j]
			p.data[j] += s.velocity[i][j]
		}
	}
}

// LRScheduler produces a per-step learning rate: linear warmup from zero
// followed by cosine decay to zero at totalSteps.
type LRScheduler struct {
	baseLR      float64
	warmupSteps int
	totalSteps  int
}

// NewLRScheduler creates a warmup + cosine decay schedule.
func NewLRScheduler(baseLR float64, warmupSteps, totalSteps int) *LRScheduler {
	if warmupSteps < 0 || totalSteps <= 0 || warmupSteps > totalSteps {
		panic(fmt.Sprintf("scheduler: invalid steps warmup=%d total=%d", warmupSteps, totalSteps))
	}
	return &LRScheduler{baseLR: baseLR, warmupSteps: warmupSteps, totalSteps: totalSteps}
}

// LearningRate returns the rate for a 0-based step.
func (s *LRScheduler) LearningRate(step int) float64 {
	if step < s.warmupSteps {
		return s.baseLR * float64(step+1) / float64(s.warmupSteps)
	}

	if step >= s.totalSteps {
		return 0
	}

	progress := float64(step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
	return s.baseLR * 0.5 * (1.0 + math.Cos(math.Pi*progress))
}

// clipGradients rescales gradients so their global L2 norm does not
// exceed maxNorm. Returns the pre-clip norm.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	sumSq := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)

	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			for j := range p.grad {
				p.grad[j] *= scale
			}
		}
	}

	return norm
}

// zeroGrads clears the gradient buffers of every parameter.
func zeroGrads(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
