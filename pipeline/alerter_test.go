package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/khaledhikmat/traffic-go/model"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSimpleAlerterDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hook := &fakeWebhook{}
	svcs := ServicesFactory{CfgSvc: testConfig(nil), WebhookSvc: hook, DataSvc: &fakeData{}}
	alerts := SimpleAlerter(ctx, svcs)

	EmitAlert(alerts, model.NewAlert("6301", model.ErrDecode, "capture aborted"))
	EmitAlert(alerts, model.NewAlert("6301", model.ErrUpstreamAuth, "resolve failed"))

	waitFor(t, time.Second, func() bool { return hook.count() == 2 })
	if hook.alerts[1].Category != model.CategoryUpstreamAuth {
		t.Errorf("unexpected category %s", hook.alerts[1].Category)
	}
}

func TestSimpleAlerterSwallowsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := &fakeData{}
	hook := &fakeWebhook{err: model.ErrNotify}
	alerts := SimpleAlerter(ctx, ServicesFactory{CfgSvc: testConfig(nil), WebhookSvc: hook, DataSvc: data})

	EmitAlert(alerts, model.NewAlert("6301", model.ErrDecode, "first"))
	EmitAlert(alerts, model.NewAlert("6301", model.ErrDecode, "second"))

	waitFor(t, time.Second, func() bool { return hook.count() == 2 })
	waitFor(t, time.Second, func() bool {
		data.mu.Lock()
		defer data.mu.Unlock()
		return len(data.errors) == 2
	})

	data.mu.Lock()
	custom, ok := data.errors[0].(model.CustomError)
	data.mu.Unlock()
	if !ok || !errors.Is(custom, model.ErrNotify) {
		t.Errorf("expected notify failure to be recorded, got %#v", data.errors[0])
	}
}

func TestEmitAlertNeverBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hook := &fakeWebhook{hang: true}
	alerts := SimpleAlerter(ctx, ServicesFactory{CfgSvc: testConfig(nil), WebhookSvc: hook})

	start := time.Now()
	accepted := 0
	for i := 0; i < alertBuffer*2; i++ {
		if EmitAlert(alerts, model.NewAlert("6301", model.ErrDecode, "alert %d", i)) {
			accepted++
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("emitting took %v with a hung notifier", time.Since(start))
	}
	if accepted < alertBuffer || accepted > alertBuffer+1 {
		t.Errorf("expected the queue to accept about %d alerts, accepted %d", alertBuffer, accepted)
	}
}

func TestProcErrorRecordsWithDataService(t *testing.T) {
	// Without a data service the error is dropped.
	ProcError(ServicesFactory{}, errors.New("nowhere to go"))

	data := &fakeData{}
	ProcError(ServicesFactory{DataSvc: data}, model.GenError("live_mode", errors.New("bind failed"), nil, "http server failed"))

	data.mu.Lock()
	defer data.mu.Unlock()
	if len(data.errors) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(data.errors))
	}
	if _, ok := data.errors[0].(model.CustomError); !ok {
		t.Errorf("expected a CustomError, got %#v", data.errors[0])
	}
}
