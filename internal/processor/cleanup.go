package processor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// JobDirs is the per-job scratch layout on the volume shared with the
// analysis services: downloaded inputs under Input, service outputs under
// Output, everything rooted in one directory that cleanup can remove whole.
type JobDirs struct {
	Root   string
	Input  string
	Output string
}

// CreateJobDirs creates the scratch directories for one job.
func CreateJobDirs(tempDir, recordingID string) (*JobDirs, error) {
	root := filepath.Join(tempDir, recordingID)
	dirs := &JobDirs{
		Root:   root,
		Input:  filepath.Join(root, "input"),
		Output: filepath.Join(root, "output"),
	}

	for _, dir := range []string{dirs.Input, dirs.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job directory %s: %w", dir, err)
		}
	}
	return dirs, nil
}

// CleanupJobDirs removes a job's scratch tree. It runs on every exit path,
// succeeded or failed, and never fails the job: a leftover directory is a
// disk-space problem, not a correctness one. Removing an already-removed
// tree is a no-op.
func CleanupJobDirs(dirs *JobDirs) {
	if dirs == nil || dirs.Root == "" {
		return
	}

	if err := os.RemoveAll(dirs.Root); err != nil {
		log.Warn().Err(err).Str("dir", dirs.Root).Msg("Could not remove job directory")
		return
	}
	log.Debug().Str("dir", dirs.Root).Msg("Removed job directory")
}
