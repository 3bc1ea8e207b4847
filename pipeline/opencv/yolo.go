package opencv

import (
	"context"
	"image"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
	"github.com/khaledhikmat/traffic-go/service/inference"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

type yoloService struct {
	// gocv.Net is not safe for concurrent use.
	mu        sync.Mutex
	net       gocv.Net
	labels    []string
	threshold float32
}

// NewYoloDetector loads an ONNX YOLO model and runs it with OpenCV DNN,
// on CUDA when DEVICE=cuda and on the CPU otherwise.
func NewYoloDetector(cfgSvc config.IService) (inference.IService, error) {
	modelPath := cfgSvc.GetModelPath()
	if _, err := os.Stat(modelPath); err != nil {
		return nil, xerrors.Errorf("yolo model %s: %v: %w", modelPath, err, model.ErrInference)
	}

	labels, err := inference.LoadLabels(cfgSvc.GetLabelsPath())
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, model.ErrInference)
	}

	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, xerrors.Errorf("error reading yolo model %s: %w", modelPath, model.ErrInference)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if cfgSvc.GetDevice() == "cuda" {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDAFP16
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, xerrors.Errorf("error setting backend: %v: %w", err, model.ErrInference)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, xerrors.Errorf("error setting target: %v: %w", err, model.ErrInference)
	}

	lgr.Logger.Info(
		"yolo detector loaded",
		slog.String("model", modelPath),
		slog.String("device", cfgSvc.GetDevice()),
		slog.Int("labels", len(labels)),
		slog.String("openCV", gocv.Version()),
	)

	return &yoloService{
		net:       net,
		labels:    labels,
		threshold: cfgSvc.GetConfidenceThreshold(),
	}, nil
}

func (svc *yoloService) Detect(ctx context.Context, jpeg []byte) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, xerrors.Errorf("decode frame: %v: %w", err, model.ErrInference)
	}
	defer frame.Close()
	if frame.Empty() {
		return nil, xerrors.Errorf("decoded frame is empty: %w", model.ErrInference)
	}

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(inference.InputSize, inference.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.net.SetInput(blob, "")
	output := svc.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, xerrors.Errorf("read yolo output: %v: %w", err, model.ErrInference)
	}

	return inference.DecodeYOLO(data, output.Size(), frame.Cols(), frame.Rows(), svc.threshold, svc.labels)
}

func (svc *yoloService) Close() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.net.Close()
}
