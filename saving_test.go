package textclassifier

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveRestoreCheckpoint(t *testing.T) {
	model, texts, _ := fourClassSetup()
	path := filepath.Join(t.TempDir(), "model.ckpt")

	require.NoError(t, model.Save(path, FormatCheckpoint))

	restored, err := LoadTextClassifier(path)
	require.NoError(t, err)

	assertSamePredictions(t, model, restored, texts)
}

func TestSaveRestoreArchive(t *testing.T) {
	model, texts, _ := fourClassSetup()
	path := filepath.Join(t.TempDir(), "model.tar")

	require.NoError(t, model.Save(path, FormatArchive))

	restored, err := LoadTextClassifier(path)
	require.NoError(t, err)

	assert.Equal(t, model.Config(), restored.Config())
	assertSamePredictions(t, model, restored, texts)
}

// assertSamePredictions checks that two models produce numerically equal
// logits for the same inputs.
func assertSamePredictions(t *testing.T, a, b *TextClassifier, texts []string) {
	t.Helper()
	ctx := context.Background()

	wantLogits, err := a.Predict(ctx, texts)
	require.NoError(t, err)
	gotLogits, err := b.Predict(ctx, texts)
	require.NoError(t, err)

	require.Equal(t, wantLogits.Shape(), gotLogits.Shape())
	for i := range wantLogits.data {
		assert.InDelta(t, wantLogits.data[i], gotLogits.data[i], 1e-12,
			"logit %d differs after restore", i)
	}
}

func TestSaveRestoreAfterTraining(t *testing.T) {
	model, texts, labels := fourClassSetup()

	// Persisted weights must reflect training, not initialization.
	model.Fit(texts, labels, FitConfig{Epochs: 1, BatchSize: 2})

	path := filepath.Join(t.TempDir(), "trained.ckpt")
	require.NoError(t, model.Save(path, FormatCheckpoint))

	restored, err := LoadTextClassifier(path)
	require.NoError(t, err)

	assertSamePredictions(t, model, restored, texts)
}

func TestLoadClassifierWithoutVocab(t *testing.T) {
	enc := NewEncoder(testEncoderConfig())
	c := NewClassifier(enc, WithNumClasses(3))

	path := filepath.Join(t.TempDir(), "headonly.ckpt")
	require.NoError(t, c.Save(path, FormatCheckpoint))

	// The preprocessed variant loads fine...
	loaded, err := LoadClassifier(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.NumClasses())

	// ...but the raw-string variant has no vocabulary to rebuild from.
	_, err = LoadTextClassifier(path)
	assert.ErrorContains(t, err, "no vocabulary")
}

func TestEncoderWeightsRoundTrip(t *testing.T) {
	cfg := testEncoderConfig()
	enc := NewEncoder(cfg)

	path := filepath.Join(t.TempDir(), "encoder.ckpt")
	require.NoError(t, enc.SaveWeights(path))

	// Encoder-only checkpoints carry no head.
	_, err := LoadClassifier(path)
	assert.ErrorContains(t, err, "encoder-only")

	fresh := NewEncoder(cfg)
	require.NoError(t, LoadEncoderWeights(path, fresh))

	in := testInputs()
	_, wantPooled := enc.Forward(in)
	_, gotPooled := fresh.Forward(in)
	assert.Equal(t, wantPooled.data, gotPooled.data)
}

func TestLoadEncoderWeightsConfigMismatch(t *testing.T) {
	enc := NewEncoder(testEncoderConfig())

	path := filepath.Join(t.TempDir(), "encoder.ckpt")
	require.NoError(t, enc.SaveWeights(path))

	other := testEncoderConfig()
	other.NumLayers = 2
	err := LoadEncoderWeights(path, NewEncoder(other))
	assert.ErrorContains(t, err, "does not match")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadTextClassifier(filepath.Join(t.TempDir(), "nope.ckpt"))
	assert.Error(t, err)
}

func TestSaveUnknownFormat(t *testing.T) {
	model, _, _ := fourClassSetup()
	err := model.Save(filepath.Join(t.TempDir(), "x"), SaveFormat("protobuf"))
	assert.ErrorContains(t, err, "unknown save format")
}
