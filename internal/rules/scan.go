// Package rules reads and writes rule trees: scanning and classifying rule
// entries, fingerprinting their content, and writing documents with the
// frontmatter-preserving merge strategy.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one top-level child of a rule root: a single document or a
// directory subtree.
type Entry struct {
	Name        string   // directory name, or file name without extension
	Path        string   // absolute path
	IsDirectory bool     // true for directory subtrees
	Files       []string // absolute paths of every file in the entry
}

// Tree is the classified content of a rule root.
type Tree struct {
	Local  []Entry // entries matching an exclusion pattern
	Global []Entry // entries that participate in synchronization
}

// Scan enumerates the immediate children of root and classifies them.
// A missing root yields an empty tree.
func Scan(root string, m *Matcher) (*Tree, error) {
	tree := &Tree{}

	children, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tree, nil
		}
		return nil, fmt.Errorf("failed to read rule root %s: %w", root, err)
	}

	for _, child := range children {
		if isHidden(child.Name()) {
			continue
		}

		entry := Entry{
			Path:        filepath.Join(root, child.Name()),
			IsDirectory: child.IsDir(),
		}

		if child.IsDir() {
			entry.Name = child.Name()
			files, err := collectFiles(entry.Path)
			if err != nil {
				return nil, err
			}
			entry.Files = files
		} else {
			entry.Name = strings.TrimSuffix(child.Name(), filepath.Ext(child.Name()))
			entry.Files = []string{entry.Path}
		}

		excluded := m.Excluded(child.Name())
		if child.IsDir() {
			excluded = m.ExcludedDir(child.Name())
		}
		if excluded {
			tree.Local = append(tree.Local, entry)
		} else {
			tree.Global = append(tree.Global, entry)
		}
	}

	return tree, nil
}

// SyncableRules returns only the global entries of root.
func SyncableRules(root string, m *Matcher) ([]Entry, error) {
	tree, err := Scan(root, m)
	if err != nil {
		return nil, err
	}
	return tree.Global, nil
}

// collectFiles returns every non-hidden file below dir in lexical order.
func collectFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	sort.Strings(files)
	return files, nil
}
