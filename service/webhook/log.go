package webhook

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

type logService struct {
}

// NewLog only writes alerts to the process log. It is used when no messaging
// credentials are configured.
func NewLog() IService {
	return &logService{}
}

func (svc *logService) Notify(_ context.Context, alert model.AlertEvent) error {
	lgr.Logger.Warn(
		"alert",
		slog.String("category", string(alert.Category)),
		slog.String("camera", alert.Camera),
		slog.String("detail", alert.Detail),
		slog.Time("timestamp", alert.Timestamp),
	)
	return nil
}
