package inference

import (
	"bytes"
	"context"
	"image"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
)

type fakeService struct {
}

// NewFake returns the same three vehicles for every readable frame,
// placed relative to the frame size.
func NewFake() IService {
	return &fakeService{}
}

func (svc *fakeService) Detect(_ context.Context, jpeg []byte) ([]model.Detection, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(jpeg))
	if err != nil {
		return nil, xerrors.Errorf("read frame header: %v: %w", err, model.ErrInference)
	}

	w, h := cfg.Width, cfg.Height
	return []model.Detection{
		{Class: model.Car, Label: "car", Confidence: 0.91, Box: image.Rect(w/10, h/2, w/10+w/5, h/2+h/6)},
		{Class: model.Car, Label: "car", Confidence: 0.78, Box: image.Rect(w/2, h/2, w/2+w/6, h/2+h/7)},
		{Class: model.Truck, Label: "truck", Confidence: 0.66, Box: image.Rect(w*7/10, h/3, w*7/10+w/4, h/3+h/4)},
	}, nil
}

func (svc *fakeService) Close() error {
	return nil
}
