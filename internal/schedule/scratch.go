package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

// scratchDir is a host directory owned by one node. Release removes it once;
// later calls are no-ops.
type scratchDir struct {
	path   string
	logger *utils.LogsManager

	once sync.Once
	err  error
}

func newScratchDir(root, prefix string, logger *utils.LogsManager) (*scratchDir, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create scratch root %s: %w", root, err)
		}
	}
	dir, err := os.MkdirTemp(root, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	// Bind mount sources must be absolute
	abs, err := filepath.Abs(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &scratchDir{path: abs, logger: logger}, nil
}

func (s *scratchDir) join(name string) string {
	return filepath.Join(s.path, name)
}

func (s *scratchDir) Release() error {
	s.once.Do(func() {
		if s.err = os.RemoveAll(s.path); s.err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to remove scratch directory %s: %v", s.path, s.err), "schedule")
		}
	})
	return s.err
}
