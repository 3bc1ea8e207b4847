package vms

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	referer   = "https://map.naver.com/"

	requestTimeout = 10 * time.Second
	// Auth plus api request.
	flightTimeout = 2 * requestTimeout
)

type cctvResponse struct {
	Message struct {
		Result struct {
			CctvList []cctvEntry `json:"cctvList"`
		} `json:"result"`
	} `json:"message"`
}

type cctvEntry struct {
	Channel json.Number `json:"channel"`
	HlsURL  string      `json:"hlsUrl"`
}

type naverService struct {
	CfgSvc  config.IService
	authURL string
	apiURL  string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	sources map[string]model.CameraSource
	group   singleflight.Group
}

// NewNaver resolves cameras through the Naver map CCTV API.
func NewNaver(cfgSvc config.IService) IService {
	return &naverService{
		CfgSvc:  cfgSvc,
		authURL: cfgSvc.GetUpstreamAuthURL(),
		apiURL:  cfgSvc.GetUpstreamAPIURL(),
		ttl:     cfgSvc.GetStreamAddressTTL(),
		now:     time.Now,
		sources: map[string]model.CameraSource{},
	}
}

func (svc *naverService) Resolve(ctx context.Context, cameraID string) (string, error) {
	if src, ok := svc.cached(cameraID); ok {
		return src.Address, nil
	}

	// The flight outlives any single caller; each caller stops waiting on its own ctx.
	results := svc.group.DoChan(cameraID, func() (interface{}, error) {
		// Another caller may have finished while we waited for the group.
		if src, ok := svc.cached(cameraID); ok {
			return src.Address, nil
		}

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()

		address, err := svc.fetch(flightCtx, cameraID)
		if err != nil {
			return "", err
		}

		now := svc.now()
		svc.mu.Lock()
		svc.sources[cameraID] = model.CameraSource{
			ID:         cameraID,
			Endpoint:   svc.endpoint(cameraID),
			Address:    address,
			ResolvedAt: now,
			ExpiresAt:  now.Add(svc.ttl),
		}
		svc.mu.Unlock()

		lgr.Logger.Debug(
			"stream address resolved",
			slog.String("camera", cameraID),
			slog.Duration("ttl", svc.ttl),
		)
		return address, nil
	})

	select {
	case <-ctx.Done():
		return "", xerrors.Errorf("camera %s: resolve: %w", cameraID, ctx.Err())
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (svc *naverService) Invalidate(cameraID string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if src, ok := svc.sources[cameraID]; ok {
		src.Address = ""
		svc.sources[cameraID] = src
	}
}

func (svc *naverService) Source(cameraID string) (model.CameraSource, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	src, ok := svc.sources[cameraID]
	return src, ok
}

func (svc *naverService) cached(cameraID string) (model.CameraSource, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	src, ok := svc.sources[cameraID]
	if !ok || !src.Valid(svc.now()) {
		return model.CameraSource{}, false
	}
	return src, true
}

func (svc *naverService) endpoint(cameraID string) string {
	return strings.ReplaceAll(svc.apiURL, "{id}", cameraID)
}

// fetch obtains session cookies and then looks the camera up in the CCTV list.
func (svc *naverService) fetch(ctx context.Context, cameraID string) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", xerrors.Errorf("cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: requestTimeout}

	if err := svc.authenticate(ctx, client); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.endpoint(cameraID), nil)
	if err != nil {
		return "", xerrors.Errorf("camera %s: build api request: %w", cameraID, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", xerrors.Errorf("camera %s: api request: %w", cameraID, ctxErr)
		}
		return "", xerrors.Errorf("camera %s: api request: %v: %w", cameraID, err, model.ErrUpstreamAuth)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", xerrors.Errorf("camera %s: api returned HTTP %d: %w", cameraID, resp.StatusCode, model.ErrUpstreamAuth)
	}

	return extractHLSURL(resp.Body, cameraID)
}

func (svc *naverService) authenticate(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.authURL, nil)
	if err != nil {
		return xerrors.Errorf("build auth request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return xerrors.Errorf("auth request: %w", ctxErr)
		}
		return xerrors.Errorf("auth request: %v: %w", err, model.ErrUpstreamAuth)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Errorf("auth returned HTTP %d: %w", resp.StatusCode, model.ErrUpstreamAuth)
	}
	return nil
}

func extractHLSURL(body io.Reader, cameraID string) (string, error) {
	var payload cctvResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return "", xerrors.Errorf("camera %s: decode api response: %v: %w", cameraID, err, model.ErrUpstreamFormat)
	}

	for _, cctv := range payload.Message.Result.CctvList {
		if !sameChannel(cctv.Channel, cameraID) {
			continue
		}
		if cctv.HlsURL != "" {
			return cctv.HlsURL, nil
		}
	}

	return "", xerrors.Errorf("camera %s: %w", cameraID, model.ErrUpstreamFormat)
}

// sameChannel compares numerically when both sides are numbers; the API sends channels as integers.
func sameChannel(channel json.Number, cameraID string) bool {
	if string(channel) == cameraID {
		return true
	}
	a, errA := channel.Int64()
	b, errB := strconv.ParseInt(cameraID, 10, 64)
	return errA == nil && errB == nil && a == b
}

