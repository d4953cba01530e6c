package upload

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Stage writes uploads to a directory for the duration of a request.
type Stage struct {
	dir    string
	logger *slog.Logger
}

// NewStage creates the directory if needed.
func NewStage(dir string, logger *slog.Logger) (*Stage, error) {
	if dir == "" {
		dir = "uploads"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Stage{dir: dir, logger: logger}, nil
}

// Dir returns the staging directory.
func (s *Stage) Dir() string {
	return s.dir
}

// Save writes f under a unique name and returns its path along with a
// cleanup func that removes it. Cleanup failures are logged, not returned.
func (s *Stage) Save(f *File) (string, func(), error) {
	path := filepath.Join(s.dir, uuid.NewString()+"_"+f.Name)
	if err := os.WriteFile(path, f.Data, 0o600); err != nil {
		return "", func() {}, fmt.Errorf("save upload: %w", err)
	}

	s.logger.Debug("file saved temporarily", slog.String("path", path))

	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to clean up temporary file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Debug("cleaned up temporary file", slog.String("path", path))
	}

	return path, cleanup, nil
}
