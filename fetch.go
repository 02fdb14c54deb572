package textclassifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// WeightCache downloads pretrained weight files and keeps verified
// copies on disk, keyed by content digest. Concurrent fetches of the
// same file (including across processes) are serialized with a file
// lock, so only one download runs and the rest reuse its result.
type WeightCache struct {
	dir    string
	client *http.Client
}

// NewWeightCache creates a cache rooted at dir, creating it if needed.
func NewWeightCache(dir string) (*WeightCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating weight cache: %w", err)
	}

	return &WeightCache{
		dir:    dir,
		client: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// DefaultWeightCache returns a cache under the user cache directory.
func DefaultWeightCache() (*WeightCache, error) {
	dir, err := defaultCacheDir()
	if err != nil {
		return nil, err
	}
	return NewWeightCache(dir)
}

// Dir returns the cache root.
func (c *WeightCache) Dir() string { return c.dir }

// Fetch resolves a weights reference to a verified local path.
//
// Plain paths and file:// URLs resolve without copying; http(s) URLs
// download into the cache on first use. When the reference carries a
// digest, the file is verified against it on every call, cached copies
// included.
func (c *WeightCache) Fetch(ctx context.Context, ref *WeightsRef) (string, error) {
	if ref == nil || ref.URL == "" {
		return "", fmt.Errorf("fetch: empty weights reference")
	}

	var dgst digest.Digest
	if ref.Digest != "" {
		var err error
		dgst, err = digest.Parse(ref.Digest)
		if err != nil {
			return "", fmt.Errorf("fetch: invalid digest %q: %w", ref.Digest, err)
		}
	}

	// Local references resolve in place.
	if local, ok := localPath(ref.URL); ok {
		if dgst != "" {
			if err := verifyFile(local, dgst); err != nil {
				return "", err
			}
		}
		return local, nil
	}

	target := filepath.Join(c.dir, c.cacheKey(ref, dgst))

	// Fast path: already cached and still valid.
	if _, err := os.Stat(target); err == nil {
		if dgst == "" {
			return target, nil
		}
		if err := verifyFile(target, dgst); err == nil {
			return target, nil
		}
		// Corrupt cache entry; fall through and re-download under the lock.
		logrus.WithField("path", target).Warn("cached weights failed verification, refetching")
	}

	lock := flock.New(target + ".lock")
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("fetch: acquiring lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("fetch: could not acquire lock for %s", target)
	}
	defer lock.Unlock()

	// Another holder may have finished the download while we waited.
	if _, err := os.Stat(target); err == nil {
		if dgst == "" {
			return target, nil
		}
		if err := verifyFile(target, dgst); err == nil {
			return target, nil
		}
	}

	err = retry.Do(
		func() error { return c.download(ctx, ref, dgst, target) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"url":     ref.URL,
				"attempt": n + 1,
			}).Warn("weights download failed, retrying")
		}),
	)
	if err != nil {
		return "", fmt.Errorf("fetch: downloading %s: %w", ref.URL, err)
	}

	return target, nil
}

// download streams the URL into a temp file, verifying digest and size,
// then renames it into place.
func (c *WeightCache) download(ctx context.Context, ref *WeightsRef, dgst digest.Digest, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, "download-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var out io.Writer = tmp
	var verifier digest.Verifier
	if dgst != "" {
		verifier = dgst.Verifier()
		out = io.MultiWriter(tmp, verifier)
	}

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return err
	}
	if ref.Size > 0 && written != ref.Size {
		return fmt.Errorf("size mismatch: got %s, want %s",
			humanize.Bytes(uint64(written)), humanize.Bytes(uint64(ref.Size)))
	}
	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("digest mismatch for %s", ref.URL)
	}

	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"url":  ref.URL,
		"size": humanize.Bytes(uint64(written)),
		"path": target,
	}).Info("weights downloaded")

	return nil
}

// cacheKey derives the cache file name: the digest when present,
// otherwise a hash of the URL.
func (c *WeightCache) cacheKey(ref *WeightsRef, dgst digest.Digest) string {
	if dgst != "" {
		return dgst.Encoded()
	}
	sum := sha256.Sum256([]byte(ref.URL))
	return hex.EncodeToString(sum[:])
}

// localPath maps plain paths and file:// URLs to a filesystem path.
func localPath(ref string) (string, bool) {
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		return u.Path, true
	}
	if !strings.Contains(ref, "://") {
		return ref, true
	}
	return "", false
}

// verifyFile checks a file's content digest.
func verifyFile(path string, dgst digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer f.Close()

	verifier := dgst.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return fmt.Errorf("fetch: verifying %s: %w", path, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("fetch: %s does not match digest %s", path, dgst)
	}
	return nil
}
