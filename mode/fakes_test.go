package mode

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/pipeline"
	"github.com/khaledhikmat/traffic-go/service/config"
)

type fakeResolver struct {
	mu      sync.Mutex
	address string
	err     error
	camera  string
}

func (f *fakeResolver) Resolve(ctx context.Context, camera string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.camera = camera
	return f.address, f.err
}

func (f *fakeResolver) Invalidate(_ string) {}

func (f *fakeResolver) Source(id string) (model.CameraSource, bool) {
	return model.CameraSource{ID: id, Address: f.address}, f.address != ""
}

type fakeRelay struct {
	frames   *pipeline.Broadcaster[pipeline.FrameData]
	counts   *pipeline.Broadcaster[model.FrameCount]
	snapErr  error
	cameras  chan string
	released atomic.Int32
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		frames:  pipeline.NewBroadcaster[pipeline.FrameData](),
		counts:  pipeline.NewBroadcaster[model.FrameCount](),
		cameras: make(chan string, 10),
	}
}

func (f *fakeRelay) SubscribeFrames(camera string) (pipeline.Subscription[pipeline.FrameData], func()) {
	f.cameras <- camera
	sub := f.frames.Subscribe()
	return sub, func() {
		f.frames.Unsubscribe(sub.ID)
		f.released.Add(1)
	}
}

func (f *fakeRelay) SubscribeCounts(camera string) (pipeline.Subscription[model.FrameCount], func()) {
	f.cameras <- camera
	sub := f.counts.Subscribe()
	return sub, func() {
		f.counts.Unsubscribe(sub.ID)
		f.released.Add(1)
	}
}

func (f *fakeRelay) Snapshot(_ context.Context, _ string) (pipeline.FrameData, error) {
	if f.snapErr != nil {
		return pipeline.FrameData{}, f.snapErr
	}
	frame, ok := f.frames.Latest()
	if !ok {
		return pipeline.FrameData{}, model.ErrDecode
	}
	return frame, nil
}

type fakeData struct{}

func (fakeData) NewCycleResult(model.CycleResult) error { return nil }
func (fakeData) NewFrameStats(model.FrameStats) error   { return nil }
func (fakeData) NewError(interface{}) error             { return nil }
func (fakeData) SetSubscribers(string, int)             {}
func (fakeData) Close() error                           { return nil }

func (fakeData) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("traffic_cycles_total 0\n"))
	})
}

func testConfig(mutate func(s *config.Settings)) config.IService {
	s := config.Defaults()
	s.DetectorType = config.DetectorFake
	s.HTTPAddress = "127.0.0.1:0"
	s.ModeMaxShutdownTime = 1
	s.CycleInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&s)
	}
	return config.NewStatic(s)
}
