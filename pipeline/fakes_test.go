package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

type fakeData struct {
	mu          sync.Mutex
	cycles      []model.CycleResult
	frames      []model.FrameStats
	errors      []interface{}
	subscribers map[string]int
}

func (f *fakeData) NewCycleResult(r model.CycleResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles = append(f.cycles, r)
	return nil
}

func (f *fakeData) NewFrameStats(s model.FrameStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, s)
	return nil
}

func (f *fakeData) NewError(err interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
	return nil
}

func (f *fakeData) SetSubscribers(camera string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribers == nil {
		f.subscribers = map[string]int{}
	}
	f.subscribers[camera] = n
}

func (f *fakeData) Handler() http.Handler { return http.NotFoundHandler() }
func (f *fakeData) Close() error          { return nil }

type fakeWebhook struct {
	mu     sync.Mutex
	alerts []model.AlertEvent
	err    error
	hang   bool
}

func (f *fakeWebhook) Notify(ctx context.Context, a model.AlertEvent) error {
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

func (f *fakeWebhook) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeVms struct {
	mu          sync.Mutex
	address     string
	err         error
	resolves    int
	invalidated int
}

func (f *fakeVms) Resolve(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return f.address, f.err
}

func (f *fakeVms) Invalidate(_ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeVms) Source(id string) (model.CameraSource, bool) {
	return model.CameraSource{ID: id, Address: f.address}, f.address != ""
}

// fakeDetector returns dets[i % len] for the i-th call.
type fakeDetector struct {
	mu    sync.Mutex
	dets  [][]model.Detection
	err   error
	calls int
}

func (f *fakeDetector) Detect(_ context.Context, _ []byte) ([]model.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.dets) == 0 {
		return nil, nil
	}
	return f.dets[i%len(f.dets)], nil
}

func (f *fakeDetector) Close() error { return nil }

// fakeSource hands out handles that serve frame repeatedly. failAfter > 0
// makes each handle fail with failErr after that many frames; openErr fails Open.
type fakeSource struct {
	mu        sync.Mutex
	frame     FrameData
	failAfter int
	failErr   error
	openErr   error
	opens     int
	closes    int
}

func (f *fakeSource) Open(ctx context.Context, _ string) (FrameHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeHandle{src: f}, nil
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

type fakeHandle struct {
	src  *fakeSource
	seq  uint64
	once sync.Once
}

func (h *fakeHandle) Next(ctx context.Context) (FrameData, error) {
	if err := ctx.Err(); err != nil {
		return FrameData{}, err
	}
	h.src.mu.Lock()
	failAfter, failErr, frame := h.src.failAfter, h.src.failErr, h.src.frame
	h.src.mu.Unlock()

	if failAfter > 0 && int(h.seq) >= failAfter {
		return FrameData{}, failErr
	}
	time.Sleep(time.Millisecond)
	h.seq++
	frame.Seq = h.seq
	frame.Timestamp = time.Now()
	return frame, nil
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() {
		h.src.mu.Lock()
		h.src.closes++
		h.src.mu.Unlock()
	})
	return nil
}

type fakeStorage struct {
	mu    sync.Mutex
	err   error
	saved [][]byte
}

func (f *fakeStorage) StoreFile(cameraID string, at time.Time, jpeg []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, jpeg)
	return "output/analyzed_" + cameraID + "_" + at.Format("20060102_150405") + ".jpg", nil
}

func testConfig(mutate func(s *config.Settings)) config.IService {
	s := config.Defaults()
	s.DetectorType = config.DetectorFake
	s.CaptureWindow = 50 * time.Millisecond
	s.CapturePollInterval = 10 * time.Millisecond
	s.CycleInterval = 10 * time.Millisecond
	s.NotifyTimeout = 50 * time.Millisecond
	s.RelayBackoffBase = time.Millisecond
	s.RelayBackoffMax = 4 * time.Millisecond
	if mutate != nil {
		mutate(&s)
	}
	return config.NewStatic(s)
}
