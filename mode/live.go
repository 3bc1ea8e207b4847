package mode

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/pipeline"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

const readHeaderTimeout = 10 * time.Second

// Live serves the dashboard, the annotated MJPEG feed and the count feed.
// Camera loops run only while someone is watching them.
func Live(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	alertStream := pipeline.SimpleAlerter(canxCtx, svcs)

	relay := pipeline.NewRelay(canxCtx, svcs, alertStream)
	defer relay.Close()

	srv := &http.Server{
		Addr:              svcs.CfgSvc.GetHTTPAddress(),
		Handler:           NewHandler(svcs, relay),
		ReadHeaderTimeout: readHeaderTimeout,
		// Streaming handlers end with the process context.
		BaseContext: func(net.Listener) context.Context { return canxCtx },
	}

	group, groupCtx := errgroup.WithContext(canxCtx)

	group.Go(func() error {
		lgr.Logger.Info(
			"live mode listening",
			slog.String("address", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			err = xerrors.Errorf("http server: %w", err)
			pipeline.ProcError(svcs, model.GenError("live_mode", err, map[string]interface{}{"address": srv.Addr}, "http server failed"))
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdown := time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime()) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()

		lgr.Logger.Info(
			"live mode shutting down",
			slog.Duration("period", shutdown),
		)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return xerrors.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}
