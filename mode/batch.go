package mode

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/traffic-go/pipeline"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

// Batch counts vehicles on the configured camera once every interval and
// saves one annotated image per cycle.
func Batch(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	// Create an alerter stream using the simple alerter
	alertStream := pipeline.SimpleAlerter(canxCtx, svcs)

	runner := pipeline.NewBatchRunner(svcs, alertStream)
	err := runner.Run(canxCtx)

	lgr.Logger.Info(
		"batch mode exited",
		slog.String("camera", svcs.CfgSvc.GetCameraID()),
		slog.String("state", runner.State().String()),
	)
	return err
}
