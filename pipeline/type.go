package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
	"github.com/khaledhikmat/traffic-go/service/data"
	"github.com/khaledhikmat/traffic-go/service/inference"
	"github.com/khaledhikmat/traffic-go/service/storage"
	"github.com/khaledhikmat/traffic-go/service/vms"
	"github.com/khaledhikmat/traffic-go/service/webhook"
)

// FrameData is one JPEG-encoded frame.
type FrameData struct {
	Data      []byte
	Timestamp time.Time
	// Seq counts frames decoded by the handle that produced this one.
	Seq uint64
}

// FrameSource opens a decoded view of a stream address.
type FrameSource interface {
	Open(ctx context.Context, address string) (FrameHandle, error)
}

// FrameHandle yields the most recent decoded frame. Frames decoded between
// two Next calls are discarded.
type FrameHandle interface {
	Next(ctx context.Context) (FrameData, error)
	Close() error
}

type ServicesFactory struct {
	CfgSvc       config.IService
	DataSvc      data.IService
	StorageSvc   storage.IService
	VmsSvc       vms.IService
	InferenceSvc inference.IService
	WebhookSvc   webhook.IService
	Framer       FrameSource
	Tracer       trace.Tracer
}

// Signature of alerter function
type Alerter func(canx context.Context, svcs ServicesFactory) chan model.AlertEvent
