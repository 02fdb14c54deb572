package textclassifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLocalFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("weights payload")
	path := filepath.Join(dir, "weights.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cache, err := NewWeightCache(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	got, err := cache.Fetch(context.Background(), &WeightsRef{
		URL:    path,
		Digest: digest.FromBytes(data).String(),
	})
	require.NoError(t, err)
	assert.Equal(t, path, got, "local files resolve in place")
}

func TestFetchLocalDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.bin")
	require.NoError(t, os.WriteFile(path, []byte("actual"), 0o644))

	cache, err := NewWeightCache(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	_, err = cache.Fetch(context.Background(), &WeightsRef{
		URL:    path,
		Digest: digest.FromBytes([]byte("expected")).String(),
	})
	assert.ErrorContains(t, err, "does not match digest")
}

func TestFetchDownloadAndCache(t *testing.T) {
	data := []byte("remote weights")
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(data)
	}))
	defer srv.Close()

	cache, err := NewWeightCache(t.TempDir())
	require.NoError(t, err)

	ref := &WeightsRef{
		URL:    srv.URL + "/weights.bin",
		Digest: digest.FromBytes(data).String(),
		Size:   int64(len(data)),
	}

	first, err := cache.Fetch(context.Background(), ref)
	require.NoError(t, err)

	got, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Second fetch is served from the cache.
	second, err := cache.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load(), "cached fetch must not re-download")
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	data := []byte("eventually fine")
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	cache, err := NewWeightCache(t.TempDir())
	require.NoError(t, err)

	path, err := cache.Fetch(context.Background(), &WeightsRef{
		URL:    srv.URL + "/weights.bin",
		Digest: digest.FromBytes(data).String(),
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestFetchSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	cache, err := NewWeightCache(t.TempDir())
	require.NoError(t, err)

	_, err = cache.Fetch(context.Background(), &WeightsRef{
		URL:  srv.URL + "/weights.bin",
		Size: 9999,
	})
	assert.ErrorContains(t, err, "size mismatch")
}

func TestFetchEmptyRef(t *testing.T) {
	cache, err := NewWeightCache(t.TempDir())
	require.NoError(t, err)

	_, err = cache.Fetch(context.Background(), nil)
	assert.Error(t, err)
	_, err = cache.Fetch(context.Background(), &WeightsRef{})
	assert.Error(t, err)
}

// End to end: a preset whose weights reference points at a saved
// encoder checkpoint restores those exact backbone weights.
func TestFromPresetWithWeights(t *testing.T) {
	words := []string{"alpha", "beta", "gamma", "delta"}
	vocab := NewVocab(words)

	cfg := testEncoderConfig()
	cfg.VocabSize = vocab.Size()

	pretrained := NewEncoder(cfg)
	ckpt := filepath.Join(t.TempDir(), "pretrained.ckpt")
	require.NoError(t, pretrained.SaveWeights(ckpt))

	data, err := os.ReadFile(ckpt)
	require.NoError(t, err)

	r := NewRegistry(map[string]Preset{
		"pretrained_tiny": {
			Name:           "pretrained_tiny",
			Backbone:       cfg,
			NumClasses:     2,
			SequenceLength: 8,
			Vocabulary:     words,
			Weights: &WeightsRef{
				URL:    "file://" + ckpt,
				Digest: digest.FromBytes(data).String(),
			},
		},
	})

	cache, err := NewWeightCache(t.TempDir())
	require.NoError(t, err)

	model, err := FromPresetRegistry(context.Background(), r, cache, "pretrained_tiny")
	require.NoError(t, err)

	in := model.Preprocessor().Process("alpha beta")
	_, wantPooled := pretrained.Forward(in)
	_, gotPooled := model.Backbone().Forward(in)
	assert.Equal(t, wantPooled.data, gotPooled.data)
}
