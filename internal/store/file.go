package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
)

var templateFileName = regexp.MustCompile(`^template_(\d+)\.mb$`)

// FileStore keeps one template_<id>.mb file per model id in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create template dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file a model id is stored under.
func (s *FileStore) Path(modelID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("template_%d.mb", modelID))
}

func (s *FileStore) Put(_ context.Context, modelID int, tpl fingerprint.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}

	path := s.Path(modelID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, tpl, 0o644); err != nil {
		return fmt.Errorf("write template %d: %w", modelID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write template %d: %w", modelID, err)
	}
	return nil
}

// Get returns the stored bytes verbatim. Size is checked by the caller that
// puts them on the wire.
func (s *FileStore) Get(_ context.Context, modelID int) (fingerprint.Template, error) {
	data, err := os.ReadFile(s.Path(modelID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: model %d", ErrTemplateNotFound, modelID)
		}
		return nil, fmt.Errorf("read template %d: %w", modelID, err)
	}
	return fingerprint.Template(data), nil
}

func (s *FileStore) IDs(_ context.Context) ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := templateFileName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
