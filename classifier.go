package textclassifier

// ===========================================================================
// WHAT'S GOING ON HERE: Task-Head Composition
// ===========================================================================
//
// A Classifier composes a classification head over an encoder backbone:
//
//	pooled output -> Dropout -> Dense(numClasses)
//
// The head owns only the dense projection and the dropout layer; the
// backbone stays a shared collaborator that the head never mutates.
// Training updates backbone and head parameters together.
//
// Construction compiles a default training configuration (cross-entropy
// from logits, Adam at 5e-5, accuracy) so a freshly built classifier can
// fit immediately; Compile swaps any of the three pieces.
//
// Two variants, chosen at construction:
//
//	Classifier     - consumes preprocessed EncoderInputs batches
//	TextClassifier - consumes raw strings, owns a Preprocessor
//
// TextClassifier embeds Classifier and shadows the batch operations with
// string-batch signatures.
// ===========================================================================

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Head defaults.
const (
	DefaultNumClasses = 2
	DefaultDropout    = 0.1

	defaultLearningRate = 5e-5
	defaultClipNorm     = 1.0
	headInitStd         = 0.02
)

// ClassifierConfig captures everything needed to rebuild a classifier's
// architecture: the backbone configuration plus the head hyperparameters.
// Weights are not included; see saving.go.
type ClassifierConfig struct {
	Backbone   EncoderConfig `json:"backbone" yaml:"backbone"`
	NumClasses int           `json:"num_classes" yaml:"num_classes"`
	Dropout    float64       `json:"dropout" yaml:"dropout"`
}

type classifierOptions struct {
	numClasses int
	dropout    float64
}

// ClassifierOption configures head construction.
type ClassifierOption func(*classifierOptions)

// WithNumClasses sets the number of output classes.
func WithNumClasses(n int) ClassifierOption {
	return func(o *classifierOptions) { o.numClasses = n }
}

// WithDropout sets the drop probability applied to the pooled output
// during training.
func WithDropout(rate float64) ClassifierOption {
	return func(o *classifierOptions) { o.dropout = rate }
}

// Classifier is a classification head over an encoder backbone,
// operating on preprocessed inputs.
type Classifier struct {
	backbone   *Encoder
	numClasses int

	dropout *Dropout
	weight  *Tensor // (hiddenDim, numClasses)
	bias    *Tensor // (numClasses)

	loss      Loss
	optimizer Optimizer
	metrics   []Metric
}

// NewClassifier composes a classification head over the backbone.
// Defaults: 2 classes, dropout 0.1. Panics on a nil backbone, a class
// count below 1, or a dropout rate outside [0, 1) - misconfiguration is
// a programmer error, not a runtime condition.
func NewClassifier(backbone *Encoder, opts ...ClassifierOption) *Classifier {
	if backbone == nil {
		panic("classifier: backbone must not be nil")
	}

	o := classifierOptions{
		numClasses: DefaultNumClasses,
		dropout:    DefaultDropout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.numClasses < 1 {
		panic(fmt.Sprintf("classifier: numClasses must be at least 1, got %d", o.numClasses))
	}
	if o.dropout < 0 || o.dropout >= 1 {
		panic(fmt.Sprintf("classifier: dropout must be in [0,1), got %g", o.dropout))
	}

	hidden := backbone.Config().HiddenDim

	c := &Classifier{
		backbone:   backbone,
		numClasses: o.numClasses,
		dropout:    NewDropout(o.dropout),
		weight:     NewTensorTruncNorm(headInitStd, hidden, o.numClasses),
		bias:       NewTensor(o.numClasses),
	}

	// Default compilation: usable for fitting straight away.
	c.Compile(
		NewSparseCategoricalCrossentropy(true),
		NewAdam(defaultLearningRate),
		[]Metric{NewSparseCategoricalAccuracy()},
	)

	return c
}

// ClassifierFromConfig rebuilds a classifier with fresh weights from a
// configuration produced by Config.
func ClassifierFromConfig(cfg ClassifierConfig) *Classifier {
	backbone := NewEncoder(cfg.Backbone)
	return NewClassifier(backbone,
		WithNumClasses(cfg.NumClasses),
		WithDropout(cfg.Dropout),
	)
}

// Config returns the architecture configuration. A classifier rebuilt
// from it has the same shapes (but fresh weights).
func (c *Classifier) Config() ClassifierConfig {
	return ClassifierConfig{
		Backbone:   c.backbone.Config(),
		NumClasses: c.numClasses,
		Dropout:    c.dropout.Rate(),
	}
}

// Backbone returns the underlying encoder.
func (c *Classifier) Backbone() *Encoder { return c.backbone }

// NumClasses returns the number of output classes.
func (c *Classifier) NumClasses() int { return c.numClasses }

// Compile replaces the training configuration. A nil loss, optimizer,
// or metrics slice keeps the current value, so callers can swap one
// piece without restating the rest.
func (c *Classifier) Compile(loss Loss, optimizer Optimizer, metrics []Metric) {
	if loss != nil {
		c.loss = loss
	}
	if optimizer != nil {
		c.optimizer = optimizer
	}
	if metrics != nil {
		c.metrics = metrics
	}
}

// Optimizer returns the compiled optimizer.
func (c *Classifier) Optimizer() Optimizer { return c.optimizer }

// Parameters returns all trainable parameters, backbone first, head
// last. The order is fixed; optimizers and serialization rely on it.
func (c *Classifier) Parameters() []*Tensor {
	params := c.backbone.Parameters()
	return append(params, c.weight, c.bias)
}

// Forward computes class logits for one preprocessed input.
// Returns shape (1, numClasses). Dropout is inactive.
func (c *Classifier) Forward(in *EncoderInputs) *Tensor {
	_, pooled := c.backbone.Forward(in)
	return addBias(MatMul(pooled, c.weight), c.bias)
}

// Predict computes logits for a batch of preprocessed inputs, returning
// shape (batch, numClasses). Examples are independent, so they run
// concurrently, bounded by GOMAXPROCS. The row order always matches the
// input order.
func (c *Classifier) Predict(ctx context.Context, batch []*EncoderInputs) (*Tensor, error) {
	if len(batch) == 0 {
		panic("classifier: Predict requires a non-empty batch")
	}

	out := NewTensor(len(batch), c.numClasses)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, in := range batch {
		i, in := i, in
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			logits := c.Forward(in)
			// Disjoint rows, safe without locking.
			copy(out.data[i*c.numClasses:(i+1)*c.numClasses], logits.data)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// trainCache holds the per-example activations TrainStep needs for the
// backward pass.
type trainCache struct {
	encCache *EncoderCache
	dropped  *Tensor
	mask     *Tensor
}

// TrainStep runs one optimization step on a batch: forward with dropout
// active, loss, full backward through head and backbone, gradient
// clipping, optimizer update. Returns the batch loss and the current
// metric results.
func (c *Classifier) TrainStep(batch []*EncoderInputs, labels []int) (float64, map[string]float64) {
	if len(batch) == 0 {
		panic("classifier: TrainStep requires a non-empty batch")
	}
	if len(batch) != len(labels) {
		panic(fmt.Sprintf("classifier: %d inputs but %d labels", len(batch), len(labels)))
	}

	params := c.Parameters()
	zeroGrads(params)

	// Forward, collecting per-example caches into batched logits.
	logits := NewTensor(len(batch), c.numClasses)
	caches := make([]*trainCache, len(batch))

	for i, in := range batch {
		_, pooled, encCache := c.backbone.ForwardWithCache(in)
		dropped, mask := c.dropout.Forward(pooled, true)
		row := addBias(MatMul(dropped, c.weight), c.bias)

		copy(logits.data[i*c.numClasses:(i+1)*c.numClasses], row.data)
		caches[i] = &trainCache{encCache: encCache, dropped: dropped, mask: mask}
	}

	lossValue := c.loss.Forward(logits, labels)
	gradLogits := c.loss.Backward(logits, labels)

	// Backward, example by example.
	for i, cache := range caches {
		gradRow := gradLogits.Row(i)

		accumulateBiasGrad(c.bias, gradRow)
		gradDropped, gradW := MatMulBackward(cache.dropped, c.weight, gradRow)
		c.weight.AccumulateGrad(gradW)

		gradPooled := DropoutBackward(gradDropped, cache.mask)
		c.backbone.Backward(gradPooled, cache.encCache)
	}

	clipGradients(params, defaultClipNorm)
	c.optimizer.Step(params)

	results := make(map[string]float64, len(c.metrics))
	for _, m := range c.metrics {
		m.Update(logits, labels)
		results[m.Name()] = m.Result()
	}

	return lossValue, results
}

// FitConfig controls a fitting run.
type FitConfig struct {
	Epochs    int
	BatchSize int
	// Scheduler, when set, overrides the optimizer's learning rate per
	// step with warmup + cosine decay.
	Scheduler *LRScheduler
}

// Fit trains on the full dataset for the configured number of epochs,
// logging per-epoch progress. Returns the final epoch's mean loss.
func (c *Classifier) Fit(inputs []*EncoderInputs, labels []int, cfg FitConfig) float64 {
	if len(inputs) == 0 {
		panic("classifier: Fit requires a non-empty dataset")
	}
	if len(inputs) != len(labels) {
		panic(fmt.Sprintf("classifier: %d inputs but %d labels", len(inputs), len(labels)))
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}

	step := 0
	finalLoss := 0.0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for _, m := range c.metrics {
			m.Reset()
		}

		start := time.Now()
		epochLoss := 0.0
		numBatches := 0
		var results map[string]float64

		for off := 0; off < len(inputs); off += cfg.BatchSize {
			end := off + cfg.BatchSize
			if end > len(inputs) {
				end = len(inputs)
			}

			if cfg.Scheduler != nil {
				c.optimizer.SetLearningRate(cfg.Scheduler.LearningRate(step))
			}

			var batchLoss float64
			batchLoss, results = c.TrainStep(inputs[off:end], labels[off:end])
			epochLoss += batchLoss
			numBatches++
			step++
		}

		finalLoss = epochLoss / float64(numBatches)

		fields := logrus.Fields{
			"epoch":    epoch + 1,
			"loss":     fmt.Sprintf("%.4f", finalLoss),
			"lr":       fmt.Sprintf("%.2e", c.optimizer.LearningRate()),
			"duration": time.Since(start).Round(time.Millisecond),
		}
		for name, value := range results {
			fields[name] = fmt.Sprintf("%.4f", value)
		}
		logrus.WithFields(fields).Info("epoch complete")
	}

	return finalLoss
}

// TextClassifier is a classifier over raw strings: it owns a
// Preprocessor and applies it before every operation. The preprocessed
// variant remains reachable through the embedded Classifier.
type TextClassifier struct {
	*Classifier
	preprocessor *Preprocessor
}

// NewTextClassifier composes a head over the backbone with an attached
// preprocessor. Panics if the preprocessor is nil; a classifier over raw
// strings without one cannot operate.
func NewTextClassifier(backbone *Encoder, preprocessor *Preprocessor, opts ...ClassifierOption) *TextClassifier {
	if preprocessor == nil {
		panic("classifier: preprocessor must not be nil")
	}

	return &TextClassifier{
		Classifier:   NewClassifier(backbone, opts...),
		preprocessor: preprocessor,
	}
}

// Preprocessor returns the attached preprocessor.
func (t *TextClassifier) Preprocessor() *Preprocessor { return t.preprocessor }

// Predict computes class logits for a batch of raw strings, returning
// shape (batch, numClasses).
func (t *TextClassifier) Predict(ctx context.Context, texts []string) (*Tensor, error) {
	return t.Classifier.Predict(ctx, t.preprocessor.ProcessBatch(texts))
}

// TrainStep runs one optimization step on raw strings.
func (t *TextClassifier) TrainStep(texts []string, labels []int) (float64, map[string]float64) {
	return t.Classifier.TrainStep(t.preprocessor.ProcessBatch(texts), labels)
}

// Fit trains on raw strings.
func (t *TextClassifier) Fit(texts []string, labels []int, cfg FitConfig) float64 {
	return t.Classifier.Fit(t.preprocessor.ProcessBatch(texts), labels, cfg)
}

// Classify returns the predicted class and its softmax probability for
// one string.
func (t *TextClassifier) Classify(text string) (int, float64) {
	logits := t.Forward(t.preprocessor.Process(text))
	probs := Softmax(logits)

	class := argmax(probs.data)
	return class, probs.data[class]
}
