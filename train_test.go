package textclassifier

import (
	"math"
	"testing"
)

func TestCrossEntropyUniformLogits(t *testing.T) {
	// Equal logits mean uniform probabilities: loss = ln(numClasses).
	logits := NewTensor(2, 4)
	loss := NewSparseCategoricalCrossentropy(true)

	got := loss.Forward(logits, []int{0, 3})
	want := math.Log(4)

	if math.Abs(got-want) > 1e-9 {
		t.Errorf("loss = %f, want ln(4) = %f", got, want)
	}
}

func TestCrossEntropyConfidentCorrect(t *testing.T) {
	logits := NewTensor(1, 3)
	logits.Set(100.0, 0, 1)

	loss := NewSparseCategoricalCrossentropy(true)
	if got := loss.Forward(logits, []int{1}); got > 1e-9 {
		t.Errorf("confident correct prediction should have near-zero loss, got %f", got)
	}
}

func TestCrossEntropyBackwardSumsToZero(t *testing.T) {
	// softmax - one_hot sums to zero per row.
	logits := NewTensorRand(3, 5)
	loss := NewSparseCategoricalCrossentropy(true)

	grad := loss.Backward(logits, []int{0, 2, 4})

	for b := 0; b < 3; b++ {
		sum := 0.0
		for c := 0; c < 5; c++ {
			sum += grad.At(b, c)
		}
		if math.Abs(sum) > 1e-9 {
			t.Errorf("row %d gradient sums to %g, want 0", b, sum)
		}
	}
}

func TestCrossEntropyTargetOutOfRange(t *testing.T) {
	loss := NewSparseCategoricalCrossentropy(true)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for target outside class range")
		}
	}()
	loss.Forward(NewTensor(1, 3), []int{3})
}

func TestAccuracyMetric(t *testing.T) {
	m := NewSparseCategoricalAccuracy()

	logits := NewTensor(2, 3)
	logits.Set(5.0, 0, 1) // predicts class 1
	logits.Set(5.0, 1, 0) // predicts class 0

	m.Update(logits, []int{1, 2}) // one right, one wrong

	if got := m.Result(); got != 0.5 {
		t.Errorf("accuracy = %f, want 0.5", got)
	}

	m.Reset()
	if m.Result() != 0 {
		t.Error("Reset should clear the running counts")
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	// Minimize f(x) = x² from x=5. Adam with a decent rate should get
	// close to zero within a few hundred steps.
	x := NewTensor(1)
	x.data[0] = 5.0
	params := []*Tensor{x}

	opt := NewAdam(0.1)
	for i := 0; i < 500; i++ {
		x.ZeroGrad()
		x.grad[0] = 2 * x.data[0]
		opt.Step(params)
	}

	if math.Abs(x.data[0]) > 0.01 {
		t.Errorf("x = %f after optimization, want near 0", x.data[0])
	}
}

func TestSGDStep(t *testing.T) {
	x := NewTensor(1)
	x.data[0] = 1.0
	x.grad[0] = 0.5

	opt := NewSGD(0.1, 0)
	opt.Step([]*Tensor{x})

	if math.Abs(x.data[0]-0.95) > 1e-12 {
		t.Errorf("x = %f, want 0.95", x.data[0])
	}
}

func TestOptimizerLearningRate(t *testing.T) {
	opt := NewAdam(5e-5)
	if opt.LearningRate() != 5e-5 {
		t.Errorf("lr = %g, want 5e-5", opt.LearningRate())
	}

	opt.SetLearningRate(1e-3)
	if opt.LearningRate() != 1e-3 {
		t.Errorf("lr = %g after set, want 1e-3", opt.LearningRate())
	}
}

func TestLRSchedule(t *testing.T) {
	s := NewLRScheduler(1.0, 10, 100)

	// Warmup is linear from base/warmup
	if got := s.LearningRate(0); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("step 0: %f, want 0.1", got)
	}
	if got := s.LearningRate(9); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("step 9: %f, want 1.0", got)
	}

	// Cosine decay is monotonically decreasing after warmup
	prev := s.LearningRate(10)
	for step := 11; step < 100; step++ {
		lr := s.LearningRate(step)
		if lr > prev {
			t.Fatalf("schedule increased at step %d", step)
		}
		prev = lr
	}

	if got := s.LearningRate(100); got != 0 {
		t.Errorf("past totalSteps: %f, want 0", got)
	}
}

func TestClipGradients(t *testing.T) {
	p := NewTensor(2)
	p.grad[0] = 3.0
	p.grad[1] = 4.0 // norm 5

	norm := clipGradients([]*Tensor{p}, 1.0)

	if math.Abs(norm-5.0) > 1e-12 {
		t.Errorf("pre-clip norm = %f, want 5.0", norm)
	}

	clipped := math.Sqrt(p.grad[0]*p.grad[0] + p.grad[1]*p.grad[1])
	if math.Abs(clipped-1.0) > 1e-9 {
		t.Errorf("post-clip norm = %f, want 1.0", clipped)
	}
}

func TestClipGradientsBelowThreshold(t *testing.T) {
	p := NewTensor(1)
	p.grad[0] = 0.5

	clipGradients([]*Tensor{p}, 1.0)

	if p.grad[0] != 0.5 {
		t.Error("gradients under the threshold must not be rescaled")
	}
}
