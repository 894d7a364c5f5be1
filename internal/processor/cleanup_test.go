package processor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateJobDirs(t *testing.T) {
	tempDir := t.TempDir()

	dirs, err := CreateJobDirs(tempDir, "rec-1")
	if err != nil {
		t.Fatalf("CreateJobDirs() error = %v", err)
	}

	if dirs.Root != filepath.Join(tempDir, "rec-1") {
		t.Errorf("root = %q, want it under the temp dir", dirs.Root)
	}
	for _, dir := range []string{dirs.Input, dirs.Output} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Creating again over an existing tree is fine.
	if _, err := CreateJobDirs(tempDir, "rec-1"); err != nil {
		t.Errorf("CreateJobDirs() on existing tree error = %v", err)
	}
}

func TestCleanupJobDirs(t *testing.T) {
	tempDir := t.TempDir()

	dirs, err := CreateJobDirs(tempDir, "rec-2")
	if err != nil {
		t.Fatalf("CreateJobDirs() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dirs.Output, "video_labeled.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	CleanupJobDirs(dirs)
	if _, err := os.Stat(dirs.Root); !os.IsNotExist(err) {
		t.Error("expected the job tree to be removed")
	}

	// Idempotent: cleaning an already-clean tree does nothing.
	CleanupJobDirs(dirs)
	CleanupJobDirs(nil)
	CleanupJobDirs(&JobDirs{})
}
