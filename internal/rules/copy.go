package rules

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyFile copies a file from src to dst with atomic write. Missing parent
// directories of dst are created; a missing src is an error.
func CopyFile(src, dst string) error {
	// Open source
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	return writeAtomicFrom(dst, srcFile, srcInfo.Mode().Perm())
}

func writeAtomic(dst string, data []byte, perm fs.FileMode) error {
	return writeAtomicFrom(dst, bytes.NewReader(data), perm)
}

// writeAtomicFrom streams r into a temp file next to dst and renames it
// into place.
func writeAtomicFrom(dst string, r io.Reader, perm fs.FileMode) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".rulesync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpPath, dst)
}

// RemoveFile deletes path and prunes directories left empty up to, but not
// including, stopAt. A file that is already gone is not an error.
func RemoveFile(path, stopAt string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	stopAt = filepath.Clean(stopAt)
	for dir := filepath.Dir(path); dir != stopAt && len(dir) > len(stopAt); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
