// Package opencv holds the gocv backed frame source and YOLO detector.
package opencv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/pipeline"
	"github.com/khaledhikmat/traffic-go/service/config"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

// How long Close waits for a blocked Read to return.
const closeGrace = 3 * time.Second

// Framer decodes stream addresses in-process with OpenCV's FFmpeg backend.
type Framer struct {
	fps     int
	timeout time.Duration
}

func NewFramer(cfgSvc config.IService) *Framer {
	fps := cfgSvc.GetRelayFPS()
	if fps <= 0 {
		fps = 1
	}
	return &Framer{
		fps:     fps,
		timeout: cfgSvc.GetDecodeTimeout(),
	}
}

func (f *Framer) Open(ctx context.Context, address string) (pipeline.FrameHandle, error) {
	// Opening reads the stream headers and can hang on a stalled upstream.
	capture, err := pipeline.OpenWithin(ctx, f.timeout,
		func() (*gocv.VideoCapture, error) {
			return gocv.OpenVideoCaptureWithAPI(address, gocv.VideoCaptureFFmpeg)
		},
		func(c *gocv.VideoCapture) { c.Close() },
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Errorf("open capture: %w", ctxErr)
		}
		return nil, xerrors.Errorf("open capture: %v: %w", err, model.ErrDecode)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, xerrors.Errorf("capture did not open: %w", model.ErrDecode)
	}

	lgr.Logger.Debug(
		"opencv capture opened",
		slog.String("openCV", gocv.Version()),
		slog.Int("fps", f.fps),
	)

	readCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		box:    pipeline.NewMailbox(f.timeout),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.read(readCtx, capture, time.Second/time.Duration(f.fps))
	return h, nil
}

type handle struct {
	box    *pipeline.Mailbox
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// read owns the capture: OpenCV captures must not be closed while a Read is
// in flight, so the capture is released here and nowhere else.
func (h *handle) read(ctx context.Context, capture *gocv.VideoCapture, every time.Duration) {
	defer close(h.done)
	defer capture.Close()

	img := gocv.NewMat()
	defer img.Close()

	var seq uint64
	var last time.Time
	for {
		if ctx.Err() != nil {
			h.box.Fail(xerrors.Errorf("frame handle closed: %w", model.ErrEndOfStream))
			return
		}

		if ok := capture.Read(&img); !ok {
			h.box.Fail(xerrors.Errorf("stream ended after %d frames: %w", seq, model.ErrEndOfStream))
			return
		}
		if img.Empty() {
			continue
		}

		// Decode every frame but only encode at the relay rate.
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < every {
			continue
		}
		last = now

		buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
		if err != nil {
			h.box.Fail(xerrors.Errorf("encode frame %d: %v: %w", seq+1, err, model.ErrDecode))
			return
		}
		data := append([]byte(nil), buf.GetBytes()...)
		buf.Close()

		seq++
		h.box.Put(pipeline.FrameData{Data: data, Timestamp: now, Seq: seq})
	}
}

func (h *handle) Next(ctx context.Context) (pipeline.FrameData, error) {
	return h.box.Next(ctx)
}

func (h *handle) Close() error {
	h.once.Do(func() {
		h.cancel()

		timer := time.NewTimer(closeGrace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			lgr.Logger.Warn(
				"opencv capture still reading after close",
				slog.Duration("grace", closeGrace),
			)
		}
	})
	return nil
}
