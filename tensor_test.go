package textclassifier

import (
	"math"
	"testing"
)

func TestNewTensorShape(t *testing.T) {
	tensor := NewTensor(3, 4)

	if tensor.Size() != 12 {
		t.Errorf("expected size 12, got %d", tensor.Size())
	}
	if tensor.Dims() != 2 {
		t.Errorf("expected 2 dims, got %d", tensor.Dims())
	}

	shape := tensor.Shape()
	if shape[0] != 3 || shape[1] != 4 {
		t.Errorf("expected shape [3 4], got %v", shape)
	}

	// Returned shape is a copy
	shape[0] = 99
	if tensor.Shape()[0] != 3 {
		t.Error("mutating the returned shape affected the tensor")
	}
}

func TestTensorAtSet(t *testing.T) {
	tensor := NewTensor(2, 3)
	tensor.Set(1.5, 1, 2)

	if got := tensor.At(1, 2); got != 1.5 {
		t.Errorf("expected 1.5, got %f", got)
	}
	if got := tensor.At(0, 0); got != 0.0 {
		t.Errorf("expected 0.0, got %f", got)
	}
}

func TestTensorInvalidShape(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for non-positive dimension")
		}
	}()
	NewTensor(2, 0)
}

func TestTruncNormBounds(t *testing.T) {
	std := 0.02
	tensor := NewTensorTruncNorm(std, 50, 50)

	limit := 2.0 * std
	for i, v := range tensor.data {
		if v <= -limit || v >= limit {
			t.Fatalf("element %d = %g outside truncation bound %g", i, v, limit)
		}
	}
}

func TestRow(t *testing.T) {
	tensor := NewTensor(3, 2)
	tensor.Set(1.0, 1, 0)
	tensor.Set(2.0, 1, 1)

	row := tensor.Row(1)
	if row.Shape()[0] != 1 || row.Shape()[1] != 2 {
		t.Fatalf("expected shape [1 2], got %v", row.Shape())
	}
	if row.At(0, 0) != 1.0 || row.At(0, 1) != 2.0 {
		t.Errorf("wrong row values: %f, %f", row.At(0, 0), row.At(0, 1))
	}

	// Row is a copy
	row.Set(99.0, 0, 0)
	if tensor.At(1, 0) != 1.0 {
		t.Error("mutating the row affected the source tensor")
	}
}

func TestMatMul(t *testing.T) {
	a := NewTensor(2, 3)
	b := NewTensor(3, 2)

	// a = [[1,2,3],[4,5,6]], b = [[1,0],[0,1],[1,1]]
	vals := []float64{1, 2, 3, 4, 5, 6}
	copy(a.data, vals)
	copy(b.data, []float64{1, 0, 0, 1, 1, 1})

	c := MatMul(a, b)

	expected := [][]float64{{4, 5}, {10, 11}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if got := c.At(i, j); got != expected[i][j] {
				t.Errorf("c[%d][%d] = %f, want %f", i, j, got, expected[i][j])
			}
		}
	}
}

func TestMatMulShapeMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on incompatible shapes")
		}
	}()
	MatMul(NewTensor(2, 3), NewTensor(2, 3))
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := NewTensor(2, 4)
	copy(x.data, []float64{1, 2, 3, 4, -1, 0, 1, 100})

	probs := Softmax(x)

	for b := 0; b < 2; b++ {
		sum := 0.0
		for f := 0; f < 4; f++ {
			p := probs.At(b, f)
			if p < 0 || p > 1 {
				t.Errorf("prob[%d][%d] = %f outside [0,1]", b, f, p)
			}
			sum += p
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("row %d sums to %f, want 1.0", b, sum)
		}
	}
}

func TestTanh(t *testing.T) {
	x := NewTensor(1, 3)
	copy(x.data, []float64{-1000, 0, 1000})

	y := Tanh(x)

	if y.At(0, 0) != -1.0 || y.At(0, 1) != 0.0 || y.At(0, 2) != 1.0 {
		t.Errorf("tanh saturation wrong: %v", y.data)
	}
}

func TestTanhBackward(t *testing.T) {
	// At y = tanh(0) = 0 the derivative is 1.
	y := NewTensor(1, 1)
	gradY := NewTensor(1, 1)
	gradY.Set(2.0, 0, 0)

	gradX := TanhBackward(y, gradY)
	if gradX.At(0, 0) != 2.0 {
		t.Errorf("expected 2.0, got %f", gradX.At(0, 0))
	}
}

func TestReshapeSharesData(t *testing.T) {
	tensor := NewTensor(2, 3)
	view := tensor.Reshape(3, 2)

	view.Set(7.0, 0, 1)
	if tensor.At(0, 1) != 7.0 {
		t.Error("reshape should share underlying data")
	}
}

func TestDropoutInference(t *testing.T) {
	d := NewDropout(0.5)
	x := NewTensorRand(4, 8)

	out, mask := d.Forward(x, false)
	if mask != nil {
		t.Error("inference mask should be nil")
	}
	for i := range x.data {
		if out.data[i] != x.data[i] {
			t.Fatal("inference must not modify activations")
		}
	}
}

func TestDropoutTrainingScale(t *testing.T) {
	d := NewDropout(0.5)
	x := NewTensor(10, 10)
	for i := range x.data {
		x.data[i] = 1.0
	}

	out, mask := d.Forward(x, true)
	if mask == nil {
		t.Fatal("training mask should not be nil")
	}

	for i := range out.data {
		if out.data[i] != 0 && math.Abs(out.data[i]-2.0) > 1e-12 {
			t.Fatalf("surviving element %d = %f, want 2.0 (inverted scaling)", i, out.data[i])
		}
	}
}

func TestDropoutInvalidRate(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for rate 1.0")
		}
	}()
	NewDropout(1.0)
}
