package pipeline

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

type relayFixture struct {
	vms      *fakeVms
	source   *fakeSource
	detector *fakeDetector
	data     *fakeData
	alerts   chan model.AlertEvent
	relay    *Relay
}

func newRelayFixture(t *testing.T, mutate func(s *config.Settings)) *relayFixture {
	t.Helper()
	f := &relayFixture{
		vms:      &fakeVms{address: "https://cdn.example/6301/playlist.m3u8"},
		source:   &fakeSource{frame: testFrame(t, 320, 240)},
		detector: &fakeDetector{dets: [][]model.Detection{cars(2)}},
		data:     &fakeData{},
		alerts:   make(chan model.AlertEvent, 20),
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.relay = NewRelay(ctx, ServicesFactory{
		CfgSvc:       testConfig(mutate),
		DataSvc:      f.data,
		VmsSvc:       f.vms,
		InferenceSvc: f.detector,
		Framer:       f.source,
	}, f.alerts)

	t.Cleanup(func() {
		f.relay.Close()
		cancel()
	})
	return f
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a value")
	}
	var zero T
	return zero
}

func TestRelayServesAnnotatedFramesAndCounts(t *testing.T) {
	f := newRelayFixture(t, nil)

	frames, releaseFrames := f.relay.SubscribeFrames("6301")
	counts, releaseCounts := f.relay.SubscribeCounts("6301")

	frame := receive(t, frames.C)
	if _, err := jpeg.Decode(bytes.NewReader(frame.Data)); err != nil {
		t.Fatalf("published frame is not a jpeg: %v", err)
	}
	if bytes.Equal(frame.Data, f.source.frame.Data) {
		t.Error("expected the published frame to be annotated")
	}

	count := receive(t, counts.C)
	if count.Camera != "6301" || count.Total != 2 || count.Counts[model.Car] != 2 {
		t.Errorf("unexpected count %+v", count)
	}

	if got := f.relay.Watchers("6301"); got != 2 {
		t.Errorf("expected 2 watchers, got %d", got)
	}
	if opens, _ := f.source.counts(); opens != 1 {
		t.Errorf("expected both subscribers to share one decoder, got %d opens", opens)
	}

	releaseFrames()
	releaseFrames()
	if got := f.relay.Watchers("6301"); got != 1 {
		t.Errorf("expected release to be idempotent, got %d watchers", got)
	}
	releaseCounts()

	waitFor(t, time.Second, func() bool {
		_, closes := f.source.counts()
		return closes == 1
	})
	if got := f.relay.Watchers("6301"); got != 0 {
		t.Errorf("expected no watchers, got %d", got)
	}
	for range frames.C {
	}
}

func TestRelayEscalatesRepeatedFailures(t *testing.T) {
	f := newRelayFixture(t, func(s *config.Settings) { s.RelayMaxFailures = 3 })
	f.source.openErr = xerrors.Errorf("start ffmpeg: %w", model.ErrDecode)

	_, release := f.relay.SubscribeFrames("6301")
	defer release()

	first := receive(t, f.alerts)
	second := receive(t, f.alerts)
	if first.Category != model.CategoryDecode || second.Category != model.CategoryDecode {
		t.Errorf("unexpected alerts %+v %+v", first, second)
	}

	opens, _ := f.source.counts()
	if opens < 6 {
		t.Errorf("expected an alert every 3 failures, got 2 alerts after %d attempts", opens)
	}
	f.vms.mu.Lock()
	invalidated := f.vms.invalidated
	f.vms.mu.Unlock()
	if invalidated < 6 {
		t.Errorf("expected every decode failure to invalidate the address, got %d", invalidated)
	}
}

func TestRelaySuccessResetsFailureCount(t *testing.T) {
	f := newRelayFixture(t, func(s *config.Settings) { s.RelayMaxFailures = 2 })
	f.source.failAfter = 1
	f.source.failErr = xerrors.Errorf("stream ended: %w", model.ErrEndOfStream)

	_, release := f.relay.SubscribeFrames("6301")
	defer release()

	waitFor(t, 2*time.Second, func() bool {
		opens, _ := f.source.counts()
		return opens >= 5
	})
	select {
	case a := <-f.alerts:
		t.Errorf("sessions that publish frames must not escalate, got %+v", a)
	default:
	}
}

func TestRelayIdleTimeoutKeepsLoop(t *testing.T) {
	f := newRelayFixture(t, func(s *config.Settings) { s.RelayIdleTimeout = time.Minute })

	sub, release := f.relay.SubscribeFrames("6301")
	receive(t, sub.C)
	release()

	sub, release = f.relay.SubscribeFrames("6301")
	defer release()
	receive(t, sub.C)

	if opens, closes := f.source.counts(); opens != 1 || closes != 0 {
		t.Errorf("expected the loop to survive a short gap, got %d opens / %d closes", opens, closes)
	}
}

func TestRelaySnapshot(t *testing.T) {
	f := newRelayFixture(t, nil)

	frame, err := f.relay.Snapshot(context.Background(), "6301")
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Data) == 0 {
		t.Error("expected snapshot data")
	}
	waitFor(t, time.Second, func() bool { return f.relay.Watchers("6301") == 0 })
}

func TestRelayRecoversFromPanics(t *testing.T) {
	alerts := make(chan model.AlertEvent, 10)
	source := &fakeSource{frame: testFrame(t, 320, 240)}
	vms := &fakeVms{address: "https://cdn.example/6301/playlist.m3u8"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewRelay(ctx, ServicesFactory{
		CfgSvc:       testConfig(func(s *config.Settings) { s.RelayMaxFailures = 2 }),
		DataSvc:      &fakeData{},
		VmsSvc:       vms,
		InferenceSvc: panickyDetector{},
		Framer:       source,
	}, alerts)
	defer relay.Close()

	_, release := relay.SubscribeFrames("6301")
	defer release()

	alert := receive(t, alerts)
	if alert.Category != model.CategoryInternal {
		t.Errorf("expected a crashed session to alert as internal, got %s", alert.Category)
	}
	if opens, _ := source.counts(); opens < 2 {
		t.Errorf("expected the loop to restart after the panic, got %d opens", opens)
	}
	waitFor(t, time.Second, func() bool {
		opens, closes := source.counts()
		return closes >= opens-1
	})
}
