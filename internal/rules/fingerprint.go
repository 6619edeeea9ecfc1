package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FingerprintMap maps slash-separated paths relative to a rule root to the
// SHA-256 digest of their content. Unreadable files map to "".
type FingerprintMap map[string]string

// Paths returns the keys in lexical order.
func (fm FingerprintMap) Paths() []string {
	paths := make([]string, 0, len(fm))
	for p := range fm {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FileHash computes the SHA256 hash of a file
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint returns the content digest of path, or "" when the file does
// not exist or cannot be read.
func Fingerprint(path string) string {
	sum, err := FileHash(path)
	if err != nil {
		return ""
	}
	return sum
}

// BuildFingerprints walks root and fingerprints every syncable file.
// Excluded entries are pruned during the walk so they never reach the map;
// hidden files and directories are skipped. A missing root yields an empty map.
func BuildFingerprints(root string, m *Matcher) (FingerprintMap, error) {
	fm := make(FingerprintMap)

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fm, nil
		}
		return nil, fmt.Errorf("failed to stat rule root %s: %w", root, err)
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if filepath.Dir(rel) == "." && m.ExcludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if m.Excluded(rel) {
			return nil
		}

		fm[rel] = Fingerprint(p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint %s: %w", root, err)
	}

	return fm, nil
}
