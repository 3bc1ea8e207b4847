package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

type filesService struct {
	CfgSvc config.IService
}

func NewFiles(cfgsvc config.IService) IService {
	return &filesService{
		CfgSvc: cfgsvc,
	}
}

// FileName is the name an annotated frame of cameraID captured at t is stored under.
func FileName(cameraID string, t time.Time) string {
	return fmt.Sprintf("analyzed_%s_%s.jpg", cameraID, t.Format("20060102_150405"))
}

func (svc *filesService) StoreFile(cameraID string, at time.Time, jpeg []byte) (string, error) {
	dir := svc.CfgSvc.GetOutputFolder()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Errorf("create output folder %s: %v: %w", dir, err, model.ErrPersist)
	}

	path := filepath.Join(dir, FileName(cameraID, at))

	// Write next to the target and rename so readers never see a partial image.
	tmp, err := os.CreateTemp(dir, ".analyzed-*.jpg")
	if err != nil {
		return "", xerrors.Errorf("create temp file: %v: %w", err, model.ErrPersist)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jpeg); err != nil {
		tmp.Close()
		return "", xerrors.Errorf("write %s: %v: %w", tmp.Name(), err, model.ErrPersist)
	}
	if err := tmp.Close(); err != nil {
		return "", xerrors.Errorf("close %s: %v: %w", tmp.Name(), err, model.ErrPersist)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", xerrors.Errorf("rename to %s: %v: %w", path, err, model.ErrPersist)
	}

	return path, nil
}
