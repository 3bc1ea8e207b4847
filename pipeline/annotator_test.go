package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"reflect"
	"testing"
	"time"

	"github.com/khaledhikmat/traffic-go/model"
)

func testFrame(t *testing.T, w, h int) FrameData {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return FrameData{Data: buf.Bytes(), Timestamp: time.Unix(1700000000, 0), Seq: 4}
}

var testDetections = []model.Detection{
	{Class: model.Car, Label: "car", Confidence: 0.91, Box: image.Rect(10, 200, 120, 260)},
	{Class: model.Car, Label: "car", Confidence: 0.55, Box: image.Rect(300, 200, 380, 250)},
	{Class: model.Truck, Label: "truck", Confidence: 0.72, Box: image.Rect(400, 100, 600, 220)},
	{Class: model.Bus, Label: "bus", Confidence: 0.3, Box: image.Rect(0, 0, 50, 50)},
	{Class: "person", Label: "person", Confidence: 0.99, Box: image.Rect(0, 0, 20, 40)},
}

func TestCountByClass(t *testing.T) {
	a := NewAnnotator(0.5)
	counts := a.CountByClass(testDetections)

	expected := map[model.VehicleClass]int{model.Car: 2, model.Truck: 1, model.Bus: 0, model.Motorcycle: 0}
	if !reflect.DeepEqual(counts, expected) {
		t.Errorf("expected %v, got %v", expected, counts)
	}
	if Total(counts) != 3 {
		t.Errorf("expected total 3, got %d", Total(counts))
	}

	if got := Total(NewAnnotator(0.95).CountByClass(testDetections)); got != 0 {
		t.Errorf("detections below threshold must not be counted, got %d", got)
	}
}

func TestStatsLines(t *testing.T) {
	counts := map[model.VehicleClass]int{model.Truck: 1, model.Car: 2, model.Bus: 0, model.Motorcycle: 0}

	if got := statsLines(counts, nil); !reflect.DeepEqual(got, []string{"Vehicles: 3", "  car: 2", "  truck: 1"}) {
		t.Errorf("unexpected single frame panel %q", got)
	}

	avg := 4.26
	want := []string{"Avg Vehicles: 4.3", "(Frame: 3)", "  car: 2", "  truck: 1"}
	if got := statsLines(counts, &avg); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	if got := statsLines(map[model.VehicleClass]int{}, nil); !reflect.DeepEqual(got, []string{"Vehicles: 0"}) {
		t.Errorf("unexpected empty panel %q", got)
	}
}

func TestAnnotateIsDeterministic(t *testing.T) {
	a := NewAnnotator(0.5)
	frame := testFrame(t, 640, 360)
	avg := 2.5

	first, err := a.Annotate(frame, testDetections, &avg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Annotate(frame, testDetections, &avg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("identical inputs produced different images")
	}
	if first.Seq != frame.Seq || !first.Timestamp.Equal(frame.Timestamp) {
		t.Errorf("frame metadata not preserved: %+v", first)
	}

	img, err := jpeg.Decode(bytes.NewReader(first.Data))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 640, 360) {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}

	plain, err := a.Annotate(frame, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(plain.Data, first.Data) {
		t.Error("expected detections to change the image")
	}
}

func TestAnnotateRejectsGarbage(t *testing.T) {
	_, err := NewAnnotator(0.5).Annotate(FrameData{Data: []byte("nope")}, nil, nil)
	if !errors.Is(err, model.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}

func TestDrawBoxStaysInside(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	drawBox(img, image.Rect(40, 40, 80, 80), color.RGBA{255, 0, 0, 255}, 3)

	if got := img.RGBAAt(41, 45); got.R != 255 {
		t.Errorf("expected left edge to be drawn, got %v", got)
	}
	if got := img.RGBAAt(45, 45); got.R != 0 {
		t.Errorf("expected interior untouched, got %v", got)
	}
}
