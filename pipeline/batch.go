package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

type State int32

const (
	StateIdle State = iota
	StateResolving
	StateCapturing
	StateAnalyzing
	StatePersisting
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateCapturing:
		return "capturing"
	case StateAnalyzing:
		return "analyzing"
	case StatePersisting:
		return "persisting"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BatchRunner captures a window of frames every interval, averages the
// vehicle counts and persists one annotated image per cycle.
type BatchRunner struct {
	svcs      ServicesFactory
	camera    string
	annotator *Annotator
	alerts    chan<- model.AlertEvent
	tracer    trace.Tracer

	state atomic.Int32
}

func NewBatchRunner(svcs ServicesFactory, alerts chan<- model.AlertEvent) *BatchRunner {
	tracer := svcs.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &BatchRunner{
		svcs:      svcs,
		camera:    svcs.CfgSvc.GetCameraID(),
		annotator: NewAnnotator(svcs.CfgSvc.GetConfidenceThreshold()),
		alerts:    alerts,
		tracer:    tracer,
	}
}

func (r *BatchRunner) State() State {
	return State(r.state.Load())
}

func (r *BatchRunner) setState(s State) {
	r.state.Store(int32(s))
}

// Run repeats cycles until canx is cancelled. Failed cycles have already
// been reported and do not stop the loop.
func (r *BatchRunner) Run(canx context.Context) error {
	lgr.Logger.Info(
		"batch runner starting",
		slog.String("camera", r.camera),
		slog.Duration("interval", r.svcs.CfgSvc.GetCycleInterval()),
		slog.Duration("window", r.svcs.CfgSvc.GetCaptureWindow()),
		slog.Duration("poll", r.svcs.CfgSvc.GetCapturePollInterval()),
	)

	for {
		r.safeCycle(canx)

		r.setState(StateSleeping)
		if err := sleep(canx, r.svcs.CfgSvc.GetCycleInterval()); err != nil {
			r.setState(StateIdle)
			lgr.Logger.Info(
				"batch runner context cancelled",
				slog.String("camera", r.camera),
			)
			return nil
		}
		r.setState(StateIdle)
	}
}

func (r *BatchRunner) safeCycle(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			err := xerrors.Errorf("panic while %s: %v", r.State(), p)
			lgr.Logger.Error(
				"batch cycle panicked",
				slog.String("camera", r.camera),
				lgr.Err(err),
			)
			EmitAlert(r.alerts, model.NewAlert(r.camera, err, "batch cycle crashed"))
			ProcError(r.svcs, model.GenError("batch_runner", err, map[string]interface{}{"camera": r.camera}, "batch cycle crashed"))
		}
	}()

	if _, err := r.RunCycle(ctx); err != nil {
		lgr.Logger.Debug(
			"batch cycle aborted",
			slog.String("camera", r.camera),
			lgr.Err(err),
		)
	}
}

// RunCycle runs a single resolve, capture, analyze and persist pass.
// Any failure aborts the cycle with exactly one alert.
func (r *BatchRunner) RunCycle(ctx context.Context) (model.CycleResult, error) {
	result := model.CycleResult{
		ID:        uuid.NewString(),
		Camera:    r.camera,
		StartedAt: time.Now(),
	}

	ctx, span := r.tracer.Start(ctx, "batch.cycle", trace.WithAttributes(
		attribute.String("camera", r.camera),
		attribute.String("cycle", result.ID),
	))
	defer span.End()

	fail := func(err error, stage string) (model.CycleResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		if ctx.Err() != nil {
			return result, err
		}

		lgr.Logger.WarnContext(ctx,
			"batch cycle failed",
			slog.String("camera", r.camera),
			slog.String("cycle", result.ID),
			slog.String("state", r.State().String()),
			lgr.Err(err),
		)
		EmitAlert(r.alerts, model.NewAlert(r.camera, err, "%s", stage))
		ProcError(r.svcs, model.GenError("batch_runner", err,
			map[string]interface{}{"camera": r.camera, "cycle": result.ID, "state": r.State().String()},
			"cycle aborted: %s", stage))
		return result, err
	}

	r.setState(StateResolving)
	address, err := r.svcs.VmsSvc.Resolve(ctx, r.camera)
	if err != nil {
		return fail(err, "stream address resolution failed")
	}

	r.setState(StateCapturing)
	frames, err := r.capture(ctx, address)
	if err != nil {
		if errors.Is(err, model.ErrDecode) || errors.Is(err, model.ErrEndOfStream) {
			r.svcs.VmsSvc.Invalidate(r.camera)
		}
		return fail(err, fmt.Sprintf("capture aborted after %d frames", len(frames)))
	}

	r.setState(StateAnalyzing)
	result.ClassTotals = map[model.VehicleClass]int{}
	detections := make([][]model.Detection, len(frames))
	for i, frame := range frames {
		started := time.Now()
		dets, err := r.svcs.InferenceSvc.Detect(ctx, frame.Data)
		if err != nil {
			return fail(err, fmt.Sprintf("detection failed on frame %d of %d", i+1, len(frames)))
		}
		detections[i] = dets

		counts := r.annotator.CountByClass(dets)
		for _, c := range model.VehicleClasses {
			result.ClassTotals[c] += counts[c]
		}
		result.FrameCounts = append(result.FrameCounts, Total(counts))

		if r.svcs.DataSvc != nil {
			r.svcs.DataSvc.NewFrameStats(model.FrameStats{
				Camera:        r.camera,
				Source:        "batch",
				Counts:        counts,
				InferenceTime: time.Since(started),
				Timestamp:     frame.Timestamp,
			})
		}
	}

	result.Average = Mean(result.FrameCounts)
	result.Rounded = Round(result.Average)

	mid := len(frames) / 2
	annotated, err := r.annotator.Annotate(frames[mid], detections[mid], &result.Average)
	if err != nil {
		return fail(err, "annotation failed")
	}

	r.setState(StatePersisting)
	path, err := r.svcs.StorageSvc.StoreFile(r.camera, result.StartedAt, annotated.Data)
	if err != nil {
		return fail(err, "saving annotated frame failed")
	}
	result.ImagePath = path
	result.FinishedAt = time.Now()

	if r.svcs.DataSvc != nil {
		if err := r.svcs.DataSvc.NewCycleResult(result); err != nil {
			lgr.Logger.Error(
				"failed to record cycle result",
				slog.String("cycle", result.ID),
				lgr.Err(err),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("frames", len(frames)),
		attribute.Float64("average", result.Average),
	)
	lgr.Logger.InfoContext(ctx,
		"batch cycle finished",
		slog.String("camera", r.camera),
		slog.String("cycle", result.ID),
		slog.Any("frameCounts", result.FrameCounts),
		slog.Float64("average", result.Average),
		slog.Int("rounded", result.Rounded),
		slog.String("image", result.ImagePath),
	)
	return result, nil
}

// capture polls the handle once every poll interval for the capture window.
func (r *BatchRunner) capture(ctx context.Context, address string) ([]FrameData, error) {
	handle, err := r.svcs.Framer.Open(ctx, address)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	window := r.svcs.CfgSvc.GetCaptureWindow()
	poll := r.svcs.CfgSvc.GetCapturePollInterval()
	n := FrameBudget(window, poll)
	if n == 0 {
		return nil, xerrors.Errorf("capture window %v with poll %v holds no frames: %w", window, poll, model.ErrDecode)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	frames := make([]FrameData, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return frames, ctx.Err()
			case <-ticker.C:
			}
		}

		frame, err := handle.Next(ctx)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// FrameBudget is the number of polls that fit in a capture window.
func FrameBudget(window, poll time.Duration) int {
	if poll <= 0 {
		return 0
	}
	return int((window + poll - 1) / poll)
}

// Mean of per-frame totals; zero for no frames.
func Mean(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	sum := 0
	for _, c := range counts {
		sum += c
	}
	return float64(sum) / float64(len(counts))
}

// Round to the nearest integer, halves away from zero.
func Round(x float64) int {
	return int(math.Round(x))
}
