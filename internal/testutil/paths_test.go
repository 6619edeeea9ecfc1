package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}

	goMod := filepath.Join(root, "go.mod")
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
	if got := ProjectRoot(t); got != root {
		t.Errorf("ProjectRoot() = %q, want %q", got, root)
	}
}

func TestFindUp(t *testing.T) {
	base := t.TempDir()
	nested := filepath.Join(base, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	WriteFile(t, filepath.Join(base, "marker"), "")

	got, err := findUp(nested, "marker")
	if err != nil {
		t.Fatalf("findUp returned error: %v", err)
	}
	if got != base {
		t.Errorf("findUp() = %q, want %q", got, base)
	}

	if _, err := findUp(nested, "no-such-marker-file"); err == nil {
		t.Error("expected error for a missing marker")
	}
}
