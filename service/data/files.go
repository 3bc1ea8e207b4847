package data

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

const journalFile = "results.log"

type filesDBService struct {
	CfgSvc  config.IService
	metrics *metrics

	mu      sync.Mutex
	journal io.WriteCloser
}

// NewFilesDB appends cycle results and errors as JSON lines to a rotating
// journal in the log folder.
func NewFilesDB(cfgsvc config.IService) IService {
	return newFilesDB(cfgsvc, &lumberjack.Logger{
		Filename:   filepath.Join(cfgsvc.GetLogFolder(), journalFile),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
}

func newFilesDB(cfgsvc config.IService, journal io.WriteCloser) *filesDBService {
	return &filesDBService{
		CfgSvc:  cfgsvc,
		metrics: newMetrics(),
		journal: journal,
	}
}

func (svc *filesDBService) NewCycleResult(result model.CycleResult) error {
	svc.metrics.cycles.WithLabelValues(result.Camera).Inc()
	svc.metrics.cycleAverage.WithLabelValues(result.Camera).Set(result.Average)
	svc.metrics.cycleDuration.WithLabelValues(result.Camera).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())

	return newEntity(svc, "cycle", result)
}

func (svc *filesDBService) NewFrameStats(stats model.FrameStats) error {
	svc.metrics.framesAnalyzed.WithLabelValues(stats.Camera, stats.Source).Inc()
	svc.metrics.inferenceTime.WithLabelValues(stats.Source).Observe(stats.InferenceTime.Seconds())
	for _, class := range model.VehicleClasses {
		svc.metrics.vehicles.WithLabelValues(stats.Camera, string(class)).Set(float64(stats.Counts[class]))
	}
	return nil
}

func (svc *filesDBService) NewError(err interface{}) error {
	// Determine if the error is custom
	var customErr model.CustomError
	switch e := err.(type) {
	case model.CustomError:
		customErr = e
	case error:
		if !errors.As(e, &customErr) {
			customErr = model.CustomError{
				Processor:  "N/A",
				Category:   model.Categorize(e),
				Inner:      e,
				Message:    e.Error(),
				StackTrace: "N/A",
			}
		}
	default:
		return xerrors.Errorf("unsupported error value %T", err)
	}

	svc.metrics.errors.WithLabelValues(customErr.Processor, string(customErr.Category)).Inc()

	inner := ""
	if customErr.Inner != nil {
		inner = customErr.Inner.Error()
	}

	errorData := struct {
		Processor  string                 `json:"processor"`
		Category   model.ErrorCategory    `json:"category"`
		Inner      string                 `json:"innerError"`
		Message    string                 `json:"message"`
		StackTrace string                 `json:"stackTrace"`
		Misc       map[string]interface{} `json:"misc"`
	}{
		Processor:  customErr.Processor,
		Category:   customErr.Category,
		Inner:      inner,
		Message:    customErr.Message,
		StackTrace: customErr.StackTrace,
		Misc:       customErr.Misc,
	}
	return newEntity(svc, "error", errorData)
}

func (svc *filesDBService) SetSubscribers(camera string, n int) {
	svc.metrics.subscribers.WithLabelValues(camera).Set(float64(n))
}

func (svc *filesDBService) Handler() http.Handler {
	return svc.metrics.handler()
}

func (svc *filesDBService) Close() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.journal.Close()
}

// newEntity writes one journal line tagged with its kind.
func newEntity[T any](svc *filesDBService, kind string, entity T) error {
	line, err := json.Marshal(struct {
		Timestamp int64  `json:"timestamp"`
		Kind      string `json:"kind"`
		Entity    T      `json:"entity"`
	}{
		Timestamp: time.Now().Unix(),
		Kind:      kind,
		Entity:    entity,
	})
	if err != nil {
		return xerrors.Errorf("marshal %s: %v: %w", kind, err, model.ErrPersist)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if _, err := svc.journal.Write(append(line, '\n')); err != nil {
		return xerrors.Errorf("write %s: %v: %w", kind, err, model.ErrPersist)
	}
	return nil
}
