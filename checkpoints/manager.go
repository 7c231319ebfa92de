package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
)

// Manager writes tagged checkpoints into a directory as
// <dir>/<prefix>_<tag><ext>.
type Manager struct {
	dir    string
	prefix string
	format CheckpointFormat
}

func NewManager(dir, prefix string, format CheckpointFormat) *Manager {
	return &Manager{dir: dir, prefix: prefix, format: format}
}

// Path returns where the checkpoint for tag is written.
func (m *Manager) Path(tag string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s%s", m.prefix, tag, m.format.Extension()))
}

// Save writes checkpoint under its metadata tag. The file appears atomically:
// data goes to a temporary file in the same directory which is synced and
// renamed into place, so a failed save never leaves a truncated checkpoint.
func (m *Manager) Save(checkpoint *Checkpoint) (string, error) {
	tag := checkpoint.Metadata.Tag
	if tag == "" {
		return "", errors.Wrap(ErrCheckpointIO, "checkpoint has no tag")
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", errors.Wrapf(ErrCheckpointIO, "failed to create checkpoint directory: %v", err)
	}

	path := m.Path(tag)
	tmp, err := os.CreateTemp(m.dir, "."+m.prefix+"-*.tmp")
	if err != nil {
		return "", errors.Wrapf(ErrCheckpointIO, "failed to create checkpoint file: %v", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := Encode(tmp, checkpoint, m.format); err != nil {
		cleanup()
		return "", errors.Wrapf(ErrCheckpointIO, "%s: %v", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", errors.Wrapf(ErrCheckpointIO, "failed to sync checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errors.Wrapf(ErrCheckpointIO, "failed to close checkpoint: %v", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", errors.Wrapf(ErrCheckpointIO, "failed to move checkpoint into place: %v", err)
	}

	logging.Info("Saved checkpoint", logging.Checkpoint,
		"path", path, "tag", tag, "tensors", len(checkpoint.Weights))
	return path, nil
}
