package pipeline

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

const alertBuffer = 100

// SimpleAlerter delivers alerts through the webhook service one at a time.
// Delivery failures are logged and dropped.
func SimpleAlerter(canx context.Context, svcs ServicesFactory) chan model.AlertEvent {
	in := make(chan model.AlertEvent, alertBuffer)

	go func() {
		for {
			select {
			case <-canx.Done():
				lgr.Logger.Info(
					"alerter context cancelled",
					slog.Int("pending", len(in)),
				)
				return

			case alert := <-in:
				notify(canx, svcs, alert)
			}
		}
	}()

	return in
}

func notify(canx context.Context, svcs ServicesFactory, alert model.AlertEvent) {
	ctx, cancel := context.WithTimeout(canx, svcs.CfgSvc.GetNotifyTimeout())
	defer cancel()

	if err := svcs.WebhookSvc.Notify(ctx, alert); err != nil {
		lgr.Logger.Error(
			"alert delivery failed",
			slog.String("camera", alert.Camera),
			slog.String("category", string(alert.Category)),
			lgr.Err(err),
		)
		ProcError(svcs, model.GenError("alerter", err, map[string]interface{}{"camera": alert.Camera}, "alert delivery failed"))
		return
	}

	lgr.Logger.Debug(
		"alert delivered",
		slog.String("camera", alert.Camera),
		slog.String("category", string(alert.Category)),
	)
}

// EmitAlert queues an alert without blocking. It reports false when the
// alert was dropped because the queue is full.
func EmitAlert(alerts chan<- model.AlertEvent, alert model.AlertEvent) bool {
	select {
	case alerts <- alert:
		return true
	default:
		lgr.Logger.Warn(
			"alert queue full, dropping alert",
			slog.String("camera", alert.Camera),
			slog.String("category", string(alert.Category)),
		)
		return false
	}
}

// ProcError records err with the data service, logging if that fails too.
func ProcError(svcs ServicesFactory, err interface{}) {
	if svcs.DataSvc == nil {
		return
	}
	if errTemp := svcs.DataSvc.NewError(err); errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			lgr.Err(errTemp),
		)
	}
}
