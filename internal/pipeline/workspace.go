package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// WorkspaceManager allocates isolated scratch directories, one per job.
type WorkspaceManager struct {
	Root string
}

// Workspace is a uniquely named directory holding one job's intermediate
// files. It is exclusively owned by its job and destroyed on every exit path.
type Workspace struct {
	dir  string
	once sync.Once
}

// Acquire creates a fresh workspace directory under the manager's root. The
// name is random; collisions are not a practical concern.
func (m *WorkspaceManager) Acquire() (*Workspace, error) {
	root := m.Root
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "clipforge-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns the location of a named file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Release destroys the workspace and everything in it. Calling it more than
// once is harmless; only the first call removes the directory.
func (w *Workspace) Release() error {
	var err error
	w.once.Do(func() {
		err = os.RemoveAll(w.dir)
	})
	return err
}
