package attachment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// DiskStore writes attachment bytes under root/<process_id>/<uuid><ext>.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

// Write persists content and returns the generated file name and the path
// recorded on the attachment row.
func (s *DiskStore) Write(processID int64, originalName string, content []byte) (fileName, path string, err error) {
	dir := filepath.Join(s.root, strconv.FormatInt(processID, 10))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("failed to create storage dir: %w", err)
	}

	fileName = uuid.New().String() + filepath.Ext(originalName)
	path = filepath.Join(dir, fileName)
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return "", "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return fileName, path, nil
}

func (s *DiskStore) Read(path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path))
}

func (s *DiskStore) Remove(path string) error {
	err := os.Remove(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
