package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/mode"
	"github.com/khaledhikmat/traffic-go/pipeline"
	"github.com/khaledhikmat/traffic-go/pipeline/opencv"
	"github.com/khaledhikmat/traffic-go/service/config"
	"github.com/khaledhikmat/traffic-go/service/data"
	"github.com/khaledhikmat/traffic-go/service/inference"
	"github.com/khaledhikmat/traffic-go/service/lgr"
	"github.com/khaledhikmat/traffic-go/service/storage"
	"github.com/khaledhikmat/traffic-go/service/vms"
	"github.com/khaledhikmat/traffic-go/service/webhook"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second
)

var modeProcessors = map[string]mode.Processor{
	"batch": mode.Batch,
	"live":  mode.Live,
}

func main() {
	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		lgr.Logger.Info(
			"received kill signal",
			slog.Any("signal", sig),
		)
		canxFn()
	}()

	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		lgr.Logger.Info("loading env vars from .env file")
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			lgr.Logger.Error("error loading .env file", slog.Any("error", xerrors.New(err.Error())))
			panic("error loading .env file")
		}
	}

	modeType := "batch"
	args := os.Args[1:]
	if len(args) > 0 {
		modeType = args[0]
	}

	modeProc, ok := modeProcessors[modeType]
	if !ok {
		lgr.Logger.Error("invalid mode", slog.String("mode", modeType))
		panic("invalid mode")
	}

	// Config service
	cfgSvc := config.NewEnvVars()
	if err := cfgSvc.Validate(); err != nil {
		lgr.Logger.Error("invalid configuration", slog.Any("error", xerrors.New(err.Error())))
		panic("invalid configuration")
	}

	logFile := lgr.Init(cfgSvc.GetLogFolder(), cfgSvc.GetLogLevel())
	defer logFile.Close()

	// Data service
	dataSvc := data.NewFilesDB(cfgSvc)
	defer dataSvc.Close()
	// storage service
	storageSvc := storage.NewFiles(cfgSvc)
	// vms service
	vmsSvc := vms.NewNaver(cfgSvc)
	// webhook service
	webhookSvc := webhook.New(cfgSvc)
	// inference service
	inferenceSvc, err := newInference(cfgSvc)
	if err != nil {
		lgr.Logger.Error("error creating detector", lgr.Err(err))
		panic("error creating detector")
	}
	defer inferenceSvc.Close()

	svcs := pipeline.ServicesFactory{
		CfgSvc:       cfgSvc,
		DataSvc:      dataSvc,
		StorageSvc:   storageSvc,
		VmsSvc:       vmsSvc,
		InferenceSvc: inferenceSvc,
		WebhookSvc:   webhookSvc,
		Framer:       newFramer(cfgSvc),
		Tracer:       otel.Tracer("github.com/khaledhikmat/traffic-go"),
	}

	lgr.Logger.Info(
		"traffic pod starting",
		slog.String("mode", modeType),
		slog.String("camera", cfgSvc.GetCameraID()),
		slog.String("detector", cfgSvc.GetDetectorType()),
		slog.String("framer", cfgSvc.GetFramerType()),
	)

	// Create mode processor result
	modeProcResult := make(chan error, 1)

	// Start the mode processor
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs)
	}()

	// Wait for cancellation or mode proc
	select {
	case <-canxCtx.Done():
		lgr.Logger.Info(
			"traffic pod context cancelled",
		)

	case err := <-modeProcResult:
		logProcExit(err)
		// The processor is done, nothing else to wait for
		canxFn()
		return
	}

	// Wait in a non-blocking way for `waitOnShutdown` for all the go routines to exit
	// This is needed because the go routines may need to report errors as they are existing
	lgr.Logger.Info(
		"traffic pod is waiting for all go routines to exit",
	)
	if !awaitProcessor(modeProcResult, waitOnShutdown) {
		lgr.Logger.Info(
			"traffic pod shutdown waiting period expired. Exiting now",
			slog.Duration("period", waitOnShutdown),
		)
	}
}

// awaitProcessor waits up to period for the mode processor result and
// reports whether it arrived.
func awaitProcessor(results <-chan error, period time.Duration) bool {
	timer := time.NewTimer(period)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case err := <-results:
		logProcExit(err)
		return true
	}
}

func logProcExit(err error) {
	if err != nil {
		lgr.Logger.Info(
			"traffic pod mode processor exited",
			slog.Any("error", xerrors.New(err.Error())),
		)
	}
}

func newInference(cfgSvc config.IService) (inference.IService, error) {
	switch cfgSvc.GetDetectorType() {
	case config.DetectorRemote:
		return inference.NewRemote(cfgSvc), nil
	case config.DetectorFake:
		return inference.NewFake(), nil
	default:
		return opencv.NewYoloDetector(cfgSvc)
	}
}

func newFramer(cfgSvc config.IService) pipeline.FrameSource {
	if cfgSvc.GetFramerType() == config.FramerOpenCV {
		return opencv.NewFramer(cfgSvc)
	}
	return pipeline.NewFFmpegFramer(cfgSvc)
}
