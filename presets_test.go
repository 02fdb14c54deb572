package textclassifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryCatalog(t *testing.T) {
	r := DefaultRegistry()

	names := r.Names()
	assert.Contains(t, names, "encoder_tiny_uncased")
	assert.Contains(t, names, "tiny_uncased_sentiment")
	assert.Contains(t, names, "tiny_uncased_topics")

	// Same instance on every call.
	assert.Same(t, r, DefaultRegistry())
}

func TestRegistryGetUnknown(t *testing.T) {
	_, err := DefaultRegistry().Get("does_not_exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPreset)
	assert.ErrorContains(t, err, "does_not_exist")
}

func TestRegistryCopiesInput(t *testing.T) {
	table := map[string]Preset{
		"mine": {Name: "mine", NumClasses: 2},
	}
	r := NewRegistry(table)

	// Mutating the source table must not leak into the registry.
	table["other"] = Preset{Name: "other"}
	delete(table, "mine")

	assert.Equal(t, 1, r.Len())
	_, err := r.Get("mine")
	assert.NoError(t, err)
	_, err = r.Get("other")
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestMergePresets(t *testing.T) {
	backbone := map[string]Preset{
		"shared": {Description: "backbone version"},
		"b_only": {},
	}
	classifier := map[string]Preset{
		"shared": {Description: "classifier version", NumClasses: 3},
		"c_only": {},
	}

	merged := MergePresets(backbone, classifier)

	assert.Len(t, merged, 3)
	assert.Equal(t, "classifier version", merged["shared"].Description)
	assert.Equal(t, 3, merged["shared"].NumClasses)

	// Inputs untouched.
	assert.Equal(t, "backbone version", backbone["shared"].Description)
	assert.Zero(t, backbone["shared"].NumClasses)
}

func TestFromPresetUnknown(t *testing.T) {
	_, err := FromPresetRegistry(context.Background(), DefaultRegistry(), nil, "missing")
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestFromPresetClassifier(t *testing.T) {
	model, err := FromPresetRegistry(context.Background(), DefaultRegistry(), nil, "tiny_uncased_topics")
	require.NoError(t, err)

	assert.Equal(t, 4, model.NumClasses())
	assert.Equal(t, 32, model.Preprocessor().SequenceLength())
	assert.Equal(t, 40, model.Backbone().Config().VocabSize)
}

func TestFromPresetBackboneOnly(t *testing.T) {
	// Backbone presets fall back to the default head.
	model, err := FromPresetRegistry(context.Background(), DefaultRegistry(), nil, "encoder_tiny_uncased")
	require.NoError(t, err)
	assert.Equal(t, DefaultNumClasses, model.NumClasses())
}

func TestFromPresetHeadOverride(t *testing.T) {
	model, err := FromPresetRegistry(context.Background(), DefaultRegistry(), nil,
		"tiny_uncased_sentiment", WithNumClasses(9))
	require.NoError(t, err)
	assert.Equal(t, 9, model.NumClasses())
}

func TestFromPresetVocabMismatch(t *testing.T) {
	cfg := DefaultEncoderConfig()
	cfg.VocabSize = 100 // vocabulary below has 4+2 entries

	r := NewRegistry(map[string]Preset{
		"broken": {
			Name:           "broken",
			Backbone:       cfg,
			SequenceLength: 16,
			Vocabulary:     []string{"a", "b"},
		},
	})

	_, err := FromPresetRegistry(context.Background(), r, nil, "broken")
	assert.ErrorContains(t, err, "does not match backbone vocab_size")
}

func TestFromPresetUsable(t *testing.T) {
	model, err := FromPresetRegistry(context.Background(), DefaultRegistry(), nil, "tiny_uncased_sentiment")
	require.NoError(t, err)

	logits, err := model.Predict(context.Background(), []string{"loved it", "the worst movie"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, logits.Shape())
}
