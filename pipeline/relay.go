package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

// Time a stopped camera loop gets to release its decoder.
const relayStopGrace = 3 * time.Second

// Relay runs one analyze loop per camera while anyone is watching it and
// fans the annotated frames and per-frame counts out to the watchers.
type Relay struct {
	canx      context.Context
	svcs      ServicesFactory
	alerts    chan<- model.AlertEvent
	annotator *Annotator

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	camera string
	frames *Broadcaster[FrameData]
	counts *Broadcaster[model.FrameCount]
	cancel context.CancelFunc
	done   chan struct{}

	watchers int
	idle     *time.Timer
}

func NewRelay(canx context.Context, svcs ServicesFactory, alerts chan<- model.AlertEvent) *Relay {
	return &Relay{
		canx:      canx,
		svcs:      svcs,
		alerts:    alerts,
		annotator: NewAnnotator(svcs.CfgSvc.GetConfidenceThreshold()),
		streams:   map[string]*stream{},
	}
}

// SubscribeFrames attaches to the annotated frames of camera, starting its
// loop if needed. The returned func detaches and is safe to call twice.
func (r *Relay) SubscribeFrames(camera string) (Subscription[FrameData], func()) {
	s := r.acquire(camera)
	sub := s.frames.Subscribe()
	return sub, r.releaser(s, func() { s.frames.Unsubscribe(sub.ID) })
}

// SubscribeCounts attaches to the per-frame vehicle counts of camera.
func (r *Relay) SubscribeCounts(camera string) (Subscription[model.FrameCount], func()) {
	s := r.acquire(camera)
	sub := s.counts.Subscribe()
	return sub, r.releaser(s, func() { s.counts.Unsubscribe(sub.ID) })
}

// Snapshot returns the latest annotated frame of camera, waiting for the
// first one when the camera is not being watched yet.
func (r *Relay) Snapshot(ctx context.Context, camera string) (FrameData, error) {
	sub, release := r.SubscribeFrames(camera)
	defer release()

	timer := time.NewTimer(r.svcs.CfgSvc.GetDecodeTimeout())
	defer timer.Stop()

	select {
	case frame, ok := <-sub.C:
		if !ok {
			return FrameData{}, xerrors.Errorf("relay closed: %w", model.ErrEndOfStream)
		}
		return frame, nil
	case <-timer.C:
		return FrameData{}, xerrors.Errorf("no analyzed frame for camera %s yet: %w", camera, model.ErrDecode)
	case <-ctx.Done():
		return FrameData{}, ctx.Err()
	}
}

// Watchers reports how many subscriptions camera has.
func (r *Relay) Watchers(camera string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[camera]; ok {
		return s.watchers
	}
	return 0
}

// Close stops every camera loop and ends all subscriptions.
func (r *Relay) Close() {
	r.mu.Lock()
	streams := make([]*stream, 0, len(r.streams))
	for camera, s := range r.streams {
		if s.idle != nil {
			s.idle.Stop()
		}
		delete(r.streams, camera)
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		r.stop(s)
	}
}

func (r *Relay) acquire(camera string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[camera]
	if !ok {
		ctx, cancel := context.WithCancel(r.canx)
		s = &stream{
			camera: camera,
			frames: NewBroadcaster[FrameData](),
			counts: NewBroadcaster[model.FrameCount](),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		r.streams[camera] = s
		go r.loop(ctx, s)

		lgr.Logger.Info(
			"relay loop started",
			slog.String("camera", camera),
		)
	}
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.watchers++
	r.setWatchers(camera, s.watchers)
	return s
}

func (r *Relay) releaser(s *stream, unsubscribe func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			r.release(s)
		})
	}
}

func (r *Relay) release(s *stream) {
	r.mu.Lock()
	s.watchers--
	r.setWatchers(s.camera, s.watchers)
	if s.watchers > 0 || r.streams[s.camera] != s {
		r.mu.Unlock()
		return
	}

	idle := r.svcs.CfgSvc.GetRelayIdleTimeout()
	if idle > 0 {
		s.idle = time.AfterFunc(idle, func() {
			r.mu.Lock()
			if s.watchers > 0 || r.streams[s.camera] != s {
				r.mu.Unlock()
				return
			}
			delete(r.streams, s.camera)
			r.mu.Unlock()
			r.stop(s)
		})
		r.mu.Unlock()
		return
	}

	delete(r.streams, s.camera)
	r.mu.Unlock()
	r.stop(s)
}

func (r *Relay) setWatchers(camera string, n int) {
	if r.svcs.DataSvc != nil {
		r.svcs.DataSvc.SetSubscribers(camera, n)
	}
}

func (r *Relay) stop(s *stream) {
	s.cancel()

	timer := time.NewTimer(relayStopGrace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		lgr.Logger.Warn(
			"relay loop did not stop within grace period",
			slog.String("camera", s.camera),
			slog.Duration("grace", relayStopGrace),
		)
	}

	s.frames.Close()
	s.counts.Close()
	lgr.Logger.Info(
		"relay loop stopped",
		slog.String("camera", s.camera),
	)
}

// loop restarts the analyze session with exponential backoff until ctx ends.
// Every RelayMaxFailures consecutive failures raise one alert.
func (r *Relay) loop(ctx context.Context, s *stream) {
	defer close(s.done)

	backoff := &Backoff{
		Base: r.svcs.CfgSvc.GetRelayBackoffBase(),
		Max:  r.svcs.CfgSvc.GetRelayBackoffMax(),
	}
	maxFailures := max(1, r.svcs.CfgSvc.GetRelayMaxFailures())
	failures := 0

	for {
		err := r.session(ctx, s, func() {
			failures = 0
			backoff.Reset()
		})
		if ctx.Err() != nil {
			return
		}

		failures++
		r.svcs.VmsSvc.Invalidate(s.camera)

		delay := backoff.Next()
		lgr.Logger.Warn(
			"relay session failed",
			slog.String("camera", s.camera),
			slog.Int("failures", failures),
			slog.Duration("retryIn", delay),
			lgr.Err(err),
		)

		if failures%maxFailures == 0 {
			EmitAlert(r.alerts, model.NewAlert(s.camera, err, "live stream failed %d times in a row", failures))
			ProcError(r.svcs, model.GenError("stream_relay", err,
				map[string]interface{}{"camera": s.camera, "failures": failures},
				"live stream keeps failing"))
		}

		if err := sleep(ctx, delay); err != nil {
			return
		}
	}
}

// session runs resolve, open, then next, detect, annotate and publish until
// something fails. onFrame is called after every published frame. A panic
// ends the session like any other failure.
func (r *Relay) session(ctx context.Context, s *stream, onFrame func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.Errorf("relay session panicked: %v", p)
			lgr.Logger.Error(
				"relay session panicked",
				slog.String("camera", s.camera),
				lgr.Err(err),
			)
		}
	}()

	address, err := r.svcs.VmsSvc.Resolve(ctx, s.camera)
	if err != nil {
		return err
	}

	handle, err := r.svcs.Framer.Open(ctx, address)
	if err != nil {
		return err
	}
	defer handle.Close()

	for {
		frame, err := handle.Next(ctx)
		if err != nil {
			return err
		}

		started := time.Now()
		dets, err := r.svcs.InferenceSvc.Detect(ctx, frame.Data)
		if err != nil {
			return err
		}
		inferenceTime := time.Since(started)

		counts := r.annotator.CountByClass(dets)
		annotated, err := r.annotator.Annotate(frame, dets, nil)
		if err != nil {
			return err
		}

		s.frames.Publish(annotated)
		s.counts.Publish(model.FrameCount{
			Camera:    s.camera,
			Total:     Total(counts),
			Counts:    counts,
			Timestamp: frame.Timestamp,
		})
		if r.svcs.DataSvc != nil {
			r.svcs.DataSvc.NewFrameStats(model.FrameStats{
				Camera:        s.camera,
				Source:        "relay",
				Counts:        counts,
				InferenceTime: inferenceTime,
				Timestamp:     frame.Timestamp,
			})
		}
		onFrame()
	}
}
