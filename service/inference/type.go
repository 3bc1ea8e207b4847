package inference

import (
	"context"

	"github.com/khaledhikmat/traffic-go/model"
)

// IService runs object detection over one JPEG frame.
// Implementations return only vehicle detections at or above their
// confidence threshold, with boxes clamped to the frame.
type IService interface {
	Detect(ctx context.Context, jpeg []byte) ([]model.Detection, error)
	Close() error
}
