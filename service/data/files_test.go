package data

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

func newTestDB() (*filesDBService, *bufferCloser) {
	buf := &bufferCloser{}
	return newFilesDB(config.NewStatic(config.Defaults()), buf), buf
}

func journalLines(t *testing.T, r io.Reader) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("journal line is not json: %v", err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestNewCycleResult(t *testing.T) {
	svc, buf := newTestDB()
	start := time.Now()

	err := svc.NewCycleResult(model.CycleResult{
		ID:          "c1",
		Camera:      "6301",
		StartedAt:   start,
		FinishedAt:  start.Add(16 * time.Second),
		FrameCounts: []int{3, 4, 5},
		Average:     4,
		Rounded:     4,
		ImagePath:   "output/analyzed_6301_20240309_070501.jpg",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(svc.metrics.cycles.WithLabelValues("6301")); got != 1 {
		t.Errorf("expected 1 cycle, got %v", got)
	}
	if got := testutil.ToFloat64(svc.metrics.cycleAverage.WithLabelValues("6301")); got != 4 {
		t.Errorf("expected average 4, got %v", got)
	}

	lines := journalLines(t, &buf.Buffer)
	if len(lines) != 1 || lines[0]["kind"] != "cycle" {
		t.Fatalf("unexpected journal %v", lines)
	}
	entity := lines[0]["entity"].(map[string]interface{})
	if entity["camera"] != "6301" || entity["rounded"].(float64) != 4 {
		t.Errorf("unexpected entity %v", entity)
	}
}

func TestNewError(t *testing.T) {
	svc, buf := newTestDB()

	custom := model.GenError("batch_runner", model.ErrDecode, map[string]interface{}{"camera": "6301"}, "capture aborted")
	if err := svc.NewError(custom); err != nil {
		t.Fatal(err)
	}
	if err := svc.NewError(errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if err := svc.NewError("not an error"); err == nil {
		t.Error("expected non-error values to be rejected")
	}

	if got := testutil.ToFloat64(svc.metrics.errors.WithLabelValues("batch_runner", "decode")); got != 1 {
		t.Errorf("expected 1 decode error, got %v", got)
	}
	if got := testutil.ToFloat64(svc.metrics.errors.WithLabelValues("N/A", "internal")); got != 1 {
		t.Errorf("expected 1 internal error, got %v", got)
	}

	lines := journalLines(t, &buf.Buffer)
	if len(lines) != 2 {
		t.Fatalf("expected 2 journal lines, got %d", len(lines))
	}
	entity := lines[0]["entity"].(map[string]interface{})
	if entity["processor"] != "batch_runner" || entity["category"] != "decode" {
		t.Errorf("unexpected error entity %v", entity)
	}
}

func TestFrameStatsAndHandler(t *testing.T) {
	svc, _ := newTestDB()

	svc.NewFrameStats(model.FrameStats{
		Camera:        "6301",
		Source:        "relay",
		Counts:        map[model.VehicleClass]int{model.Car: 7, model.Bus: 1},
		InferenceTime: 40 * time.Millisecond,
	})
	svc.SetSubscribers("6301", 2)

	if got := testutil.ToFloat64(svc.metrics.vehicles.WithLabelValues("6301", "car")); got != 7 {
		t.Errorf("expected 7 cars, got %v", got)
	}
	if got := testutil.ToFloat64(svc.metrics.vehicles.WithLabelValues("6301", "truck")); got != 0 {
		t.Errorf("expected 0 trucks, got %v", got)
	}

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`traffic_relay_subscribers{camera="6301"} 2`,
		`traffic_frames_analyzed_total{camera="6301",source="relay"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
