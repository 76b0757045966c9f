package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ArtifactStore removes the agent's own durable record of a session.
type ArtifactStore interface {
	Delete(handle string) error
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// ClaudeArtifacts locates session transcripts written by the Claude CLI:
// <ProjectsDir>/<escaped WorkDir>/<handle>.jsonl, where every
// non-alphanumeric character of the absolute work directory becomes '-'.
type ClaudeArtifacts struct {
	ProjectsDir string
	WorkDir     string
}

// Path returns the transcript path for handle.
func (a ClaudeArtifacts) Path(handle string) (string, error) {
	dir, err := filepath.Abs(a.WorkDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.ProjectsDir, nonAlphanumeric.ReplaceAllString(dir, "-"), handle+".jsonl"), nil
}

// Delete removes the transcript for handle. A missing file is not an error.
func (a ClaudeArtifacts) Delete(handle string) error {
	if handle == "" || a.ProjectsDir == "" {
		return nil
	}
	if filepath.Base(handle) != handle {
		return fmt.Errorf("invalid session handle %q", handle)
	}

	path, err := a.Path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session artifact: %w", err)
	}
	return nil
}
