package testutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}
	if root == "" {
		t.Fatal("FindProjectRoot returned empty string")
	}

	goMod := filepath.Join(root, "go.mod")
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
}

func TestMakeFolderAndReadFolder(t *testing.T) {
	files := map[string]string{"a.txt": "A", ".hidden": "H"}
	dir := MakeFolder(t, "album", files)

	if filepath.Base(dir) != "album" {
		t.Errorf("expected folder named album, got %s", dir)
	}

	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}

	got := ReadFolder(t, dir)
	if !reflect.DeepEqual(got, files) {
		t.Errorf("ReadFolder() = %v, want %v", got, files)
	}
}
