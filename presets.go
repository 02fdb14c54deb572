package textclassifier

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownPreset is returned when a preset name is not in the
// registry. Check with errors.Is.
var ErrUnknownPreset = errors.New("unknown preset")

// WeightsRef points at a downloadable pretrained checkpoint.
type WeightsRef struct {
	URL    string `yaml:"url" json:"url"`
	Digest string `yaml:"digest" json:"digest"`
	Size   int64  `yaml:"size" json:"size"`
}

// Preset is a named, ready-to-instantiate model configuration: backbone
// architecture, vocabulary, sequence length, and optionally a pretrained
// weights reference. Presets with NumClasses > 0 are full classifier
// presets; the rest are backbone-only.
type Preset struct {
	Name           string        `yaml:"name" json:"name"`
	Description    string        `yaml:"description" json:"description"`
	Backbone       EncoderConfig `yaml:"backbone" json:"backbone"`
	NumClasses     int           `yaml:"num_classes" json:"num_classes"`
	SequenceLength int           `yaml:"sequence_length" json:"sequence_length"`
	Vocabulary     []string      `yaml:"vocabulary" json:"vocabulary"`
	Weights        *WeightsRef   `yaml:"weights,omitempty" json:"weights,omitempty"`
}

// MergePresets combines preset tables into a fresh map, later tables
// winning on name clashes. The inputs are never mutated.
func MergePresets(tables ...map[string]Preset) map[string]Preset {
	out := make(map[string]Preset)
	for _, table := range tables {
		for name, p := range table {
			out[name] = p
		}
	}
	return out
}

// Registry is an immutable preset catalog. Build one with NewRegistry
// or use DefaultRegistry for the embedded catalog.
type Registry struct {
	presets map[string]Preset
	names   []string
}

// NewRegistry builds a registry from a preset table. The table is
// copied; later mutation of the argument does not affect the registry.
func NewRegistry(presets map[string]Preset) *Registry {
	copied := MergePresets(presets)

	names := make([]string, 0, len(copied))
	for name := range copied {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Registry{presets: copied, names: names}
}

// Get looks up a preset by name.
func (r *Registry) Get(name string) (Preset, error) {
	p, ok := r.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownPreset, name, r.names)
	}
	return p, nil
}

// Names returns the sorted preset names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of presets.
func (r *Registry) Len() int { return len(r.presets) }

//go:embed presets.yaml
var presetCatalog []byte

type presetCatalogFile struct {
	BackbonePresets   map[string]Preset `yaml:"backbone_presets"`
	ClassifierPresets map[string]Preset `yaml:"classifier_presets"`
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the registry built from the embedded catalog:
// backbone presets merged with classifier presets, classifier entries
// winning on name clashes. The same instance is returned on every call.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		var catalog presetCatalogFile
		if err := yaml.Unmarshal(presetCatalog, &catalog); err != nil {
			panic(fmt.Sprintf("presets: embedded catalog is invalid: %v", err))
		}

		for name, p := range catalog.BackbonePresets {
			p.Name = name
			catalog.BackbonePresets[name] = p
		}
		for name, p := range catalog.ClassifierPresets {
			p.Name = name
			catalog.ClassifierPresets[name] = p
		}

		defaultRegistry = NewRegistry(MergePresets(
			catalog.BackbonePresets,
			catalog.ClassifierPresets,
		))
	})

	return defaultRegistry
}

// FromPreset instantiates a text classifier from the default registry,
// fetching pretrained weights through the default cache when the preset
// references any. Head options override the preset's head settings.
func FromPreset(ctx context.Context, name string, opts ...ClassifierOption) (*TextClassifier, error) {
	cache, err := DefaultWeightCache()
	if err != nil {
		return nil, err
	}
	return FromPresetRegistry(ctx, DefaultRegistry(), cache, name, opts...)
}

// FromPresetRegistry instantiates a text classifier from an explicit
// registry and weight cache. cache may be nil when no preset in the
// registry carries a weights reference.
func FromPresetRegistry(ctx context.Context, r *Registry, cache *WeightCache, name string, opts ...ClassifierOption) (*TextClassifier, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	vocab := NewVocab(p.Vocabulary)
	if vocab.Size() != p.Backbone.VocabSize {
		return nil, fmt.Errorf("preset %q: vocabulary size %d does not match backbone vocab_size %d",
			name, vocab.Size(), p.Backbone.VocabSize)
	}
	if p.SequenceLength > p.Backbone.MaxSeqLen {
		return nil, fmt.Errorf("preset %q: sequence length %d exceeds backbone max %d",
			name, p.SequenceLength, p.Backbone.MaxSeqLen)
	}

	backbone := NewEncoder(p.Backbone)

	if p.Weights != nil {
		if cache == nil {
			return nil, fmt.Errorf("preset %q references weights but no cache was provided", name)
		}
		path, err := cache.Fetch(ctx, p.Weights)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		if err := LoadEncoderWeights(path, backbone); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
	}

	preprocessor := NewPreprocessor(vocab, p.SequenceLength)

	headOpts := make([]ClassifierOption, 0, len(opts)+1)
	if p.NumClasses > 0 {
		headOpts = append(headOpts, WithNumClasses(p.NumClasses))
	}
	headOpts = append(headOpts, opts...)

	return NewTextClassifier(backbone, preprocessor, headOpts...), nil
}

// defaultCacheDir resolves the on-disk weight cache location.
func defaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache dir: %w", err)
	}
	return filepath.Join(base, "textclassifier", "weights"), nil
}
