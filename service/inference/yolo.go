package inference

import (
	"bufio"
	"image"
	"math"
	"os"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
)

const (
	// InputSize is the square blob size the YOLO models are exported with.
	InputSize = 640
	// NMSThreshold is the IoU above which overlapping boxes of a class are merged.
	NMSThreshold = 0.45
)

// DecodeYOLO turns a raw YOLO output tensor into vehicle detections for a
// frame of frameW x frameH pixels. Two layouts are accepted:
//
//	[1, N, 5+C]  YOLOv5 rows: cx, cy, w, h, objectness, class scores
//	[1, 4+C, N]  YOLOv8 columns: cx, cy, w, h, class scores
//
// Coordinates are in InputSize pixels. Boxes are rescaled, clamped to the
// frame and de-duplicated per class with NMS.
func DecodeYOLO(out []float32, dims []int, frameW, frameH int, threshold float32, labels []string) ([]model.Detection, error) {
	if len(dims) == 2 {
		dims = []int{1, dims[0], dims[1]}
	}
	if len(dims) != 3 || dims[0] != 1 {
		return nil, xerrors.Errorf("unexpected yolo output dims %v: %w", dims, model.ErrInference)
	}
	if dims[1]*dims[2] != len(out) {
		return nil, xerrors.Errorf("yolo output has %d values for dims %v: %w", len(out), dims, model.ErrInference)
	}
	if frameW <= 0 || frameH <= 0 {
		return nil, xerrors.Errorf("invalid frame size %dx%d: %w", frameW, frameH, model.ErrInference)
	}

	// v8 exports are transposed: few attribute rows, many candidate columns.
	transposed := dims[1] < dims[2]
	candidates, attrs := dims[1], dims[2]
	if transposed {
		candidates, attrs = dims[2], dims[1]
	}

	classOffset := 5
	if transposed {
		classOffset = 4
	}
	if attrs <= classOffset {
		return nil, xerrors.Errorf("yolo output has %d attributes: %w", attrs, model.ErrInference)
	}

	at := func(row, col int) float32 {
		if transposed {
			return out[col*candidates+row]
		}
		return out[row*attrs+col]
	}

	sx := float64(frameW) / InputSize
	sy := float64(frameH) / InputSize
	bounds := image.Rect(0, 0, frameW, frameH)

	var dets []model.Detection
	for i := 0; i < candidates; i++ {
		objectness := float32(1)
		if !transposed {
			objectness = at(i, 4)
			if objectness < threshold {
				continue
			}
		}

		classID := -1
		best := float32(0)
		for c := classOffset; c < attrs; c++ {
			if s := at(i, c); s > best {
				best = s
				classID = c - classOffset
			}
		}

		class, ok := model.VehicleClassFromCOCO(classID)
		if !ok {
			continue
		}

		conf := objectness * best
		if conf < threshold {
			continue
		}

		cx, cy := float64(at(i, 0)), float64(at(i, 1))
		w, h := float64(at(i, 2)), float64(at(i, 3))
		box := image.Rect(
			int(math.Round((cx-w/2)*sx)),
			int(math.Round((cy-h/2)*sy)),
			int(math.Round((cx+w/2)*sx)),
			int(math.Round((cy+h/2)*sy)),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}

		dets = append(dets, model.Detection{
			Class:      class,
			Label:      labelFor(labels, classID, class),
			Confidence: conf,
			Box:        box,
		})
	}

	return NMS(dets, NMSThreshold), nil
}

// NMS keeps the most confident box of every group of same-class boxes whose
// IoU exceeds iou. The result is ordered by descending confidence.
func NMS(dets []model.Detection, iou float64) []model.Detection {
	sorted := make([]model.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]model.Detection, 0, len(sorted))
	for _, d := range sorted {
		overlaps := false
		for _, k := range kept {
			if k.Class == d.Class && IoU(k.Box, d.Box) > iou {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

// IoU is the intersection over union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	i := area(inter)
	u := area(a) + area(b) - i
	if u <= 0 {
		return 0
	}
	return i / u
}

func area(r image.Rectangle) float64 {
	return float64(r.Dx()) * float64(r.Dy())
}

// LoadLabels reads one class name per line. An empty path yields no labels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open labels %s: %w", path, err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("read labels %s: %w", path, err)
	}
	return labels, nil
}

func labelFor(labels []string, classID int, class model.VehicleClass) string {
	if classID >= 0 && classID < len(labels) && labels[classID] != "" {
		return labels[classID]
	}
	return string(class)
}

// clampBox converts an [x1, y1, x2, y2] box into a rectangle inside bounds.
func clampBox(bbox []float32, bounds image.Rectangle) image.Rectangle {
	if len(bbox) < 4 {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Round(float64(bbox[0]))),
		int(math.Round(float64(bbox[1]))),
		int(math.Round(float64(bbox[2]))),
		int(math.Round(float64(bbox[3]))),
	).Intersect(bounds)
}
