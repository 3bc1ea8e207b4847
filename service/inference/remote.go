package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

const remoteTimeout = 15 * time.Second

type remoteDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

type remoteResult struct {
	Detections      []remoteDetection `json:"detections"`
	InferenceTimeMs float32           `json:"inference_time_ms"`
}

type remoteService struct {
	endpoint  string
	threshold float32
	client    *http.Client
}

// NewRemote calls an HTTP detection service that accepts a multipart
// `file` upload on /detect.
func NewRemote(cfgSvc config.IService) IService {
	return &remoteService{
		endpoint:  strings.TrimRight(cfgSvc.GetDetectorEndpoint(), "/"),
		threshold: cfgSvc.GetConfidenceThreshold(),
		client:    &http.Client{Timeout: remoteTimeout},
	}
}

func (svc *remoteService) Detect(ctx context.Context, jpeg []byte) ([]model.Detection, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(jpeg))
	if err != nil {
		return nil, xerrors.Errorf("read frame header: %v: %w", err, model.ErrInference)
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, xerrors.Errorf("create form file: %v: %w", err, model.ErrInference)
	}
	if _, err := fw.Write(jpeg); err != nil {
		return nil, xerrors.Errorf("write form file: %v: %w", err, model.ErrInference)
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.3f", svc.threshold)); err != nil {
		return nil, xerrors.Errorf("write threshold: %v: %w", err, model.ErrInference)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.endpoint+"/detect", &b)
	if err != nil {
		return nil, xerrors.Errorf("build detect request: %v: %w", err, model.ErrInference)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := svc.client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("detect request: %v: %w", err, model.ErrInference)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.Errorf("detect returned HTTP %d (%s): %w", resp.StatusCode, strings.TrimSpace(string(body)), model.ErrInference)
	}

	var result remoteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, xerrors.Errorf("decode detect response: %v: %w", err, model.ErrInference)
	}

	bounds := image.Rect(0, 0, cfg.Width, cfg.Height)
	dets := make([]model.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		class, ok := model.ParseVehicleClass(strings.ToLower(d.Class))
		if !ok || d.Confidence < svc.threshold {
			continue
		}
		box := clampBox(d.BBox, bounds)
		if box.Empty() {
			continue
		}
		dets = append(dets, model.Detection{
			Class:      class,
			Label:      d.Class,
			Confidence: d.Confidence,
			Box:        box,
		})
	}
	return dets, nil
}

func (svc *remoteService) Close() error {
	svc.client.CloseIdleConnections()
	return nil
}
