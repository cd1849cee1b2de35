package attachment

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	store := NewDiskStore(t.TempDir())
	content := []byte("%PDF-1.7 test")

	fileName, path, err := store.Write(42, "pagare original.pdf", content)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Ext(fileName) != ".pdf" {
		t.Errorf("stored name %q lost its extension", fileName)
	}
	if fileName == "pagare original.pdf" {
		t.Error("stored name must not reuse the client-supplied name")
	}
	if !strings.Contains(path, "42") {
		t.Errorf("path %q not scoped to the process", path)
	}

	read, err := store.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(read, content) {
		t.Error("read content differs from written content")
	}

	if err := store.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Read(path); err == nil {
		t.Error("Read after Remove should fail")
	}
	// Removing twice is not an error.
	if err := store.Remove(path); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}
