package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

func TestFileName(t *testing.T) {
	at := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	if got := FileName("6301", at); got != "analyzed_6301_20240309_070501.jpg" {
		t.Errorf("unexpected file name %q", got)
	}
}

func TestStoreFile(t *testing.T) {
	s := config.Defaults()
	s.OutputFolder = filepath.Join(t.TempDir(), "nested", "output")
	svc := NewFiles(config.NewStatic(s))

	at := time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local)
	data := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

	path, err := svc.StoreFile("6301", at, data)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != FileName("6301", at) {
		t.Errorf("unexpected path %s", path)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("stored bytes differ")
	}

	entries, _ := os.ReadDir(s.OutputFolder)
	if len(entries) != 1 {
		t.Errorf("expected only the image in the folder, got %d entries", len(entries))
	}
}

func TestStoreFileUnwritableFolder(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	s := config.Defaults()
	s.OutputFolder = filepath.Join(blocker, "output")
	svc := NewFiles(config.NewStatic(s))

	if _, err := svc.StoreFile("6301", time.Now(), []byte{1}); !errors.Is(err, model.ErrPersist) {
		t.Errorf("expected ErrPersist, got %v", err)
	}
}
