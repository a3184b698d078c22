package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

const stateFileName = "state.json"

// FileBackend stores the document as <dir>/state.json.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a FileBackend in dir. The directory is created (with
// parents) on the first Save.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// Path returns the full path to the state file.
func (f *FileBackend) Path() string {
	return filepath.Join(f.dir, stateFileName)
}

func (f *FileBackend) Load() ([]byte, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}
	return data, nil
}

// Save writes the document using an atomic temp-file-then-rename pattern.
func (f *FileBackend) Save(data []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.Path()); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	committed = true
	return nil
}

func (f *FileBackend) Close() error { return nil }
