package vms

import (
	"context"

	"github.com/khaledhikmat/traffic-go/model"
)

// IService resolves camera ids into time-limited playable stream addresses.
type IService interface {
	Resolve(ctx context.Context, cameraID string) (string, error)
	// Invalidate drops the cached address so the next Resolve goes upstream.
	Invalidate(cameraID string)
	Source(cameraID string) (model.CameraSource, bool)
}
