package data

import (
	"net/http"

	"github.com/khaledhikmat/traffic-go/model"
)

// IService records what the pipeline produced: cycle results and errors go
// to the results journal, everything feeds the metrics registry.
type IService interface {
	NewCycleResult(result model.CycleResult) error
	NewFrameStats(stats model.FrameStats) error
	NewError(err interface{}) error
	SetSubscribers(camera string, n int)

	// Handler serves the metrics registry in the Prometheus text format.
	Handler() http.Handler
	Close() error
}
