package mode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/pipeline"
	"github.com/khaledhikmat/traffic-go/service/lgr"
)

const (
	frameBoundary = "frame"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// How long one MJPEG part may take to reach a client before it is dropped.
var feedWriteWait = 10 * time.Second

// Relay is what the HTTP surface needs from the stream relay.
type Relay interface {
	SubscribeFrames(camera string) (pipeline.Subscription[pipeline.FrameData], func())
	SubscribeCounts(camera string) (pipeline.Subscription[model.FrameCount], func())
	Snapshot(ctx context.Context, camera string) (pipeline.FrameData, error)
}

type handler struct {
	svcs     pipeline.ServicesFactory
	relay    Relay
	upgrader websocket.Upgrader
}

// NewHandler wires every live mode route behind permissive CORS.
func NewHandler(svcs pipeline.ServicesFactory, relay Relay) http.Handler {
	h := &handler{
		svcs:  svcs,
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	static := svcs.CfgSvc.GetStaticFolder()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.index)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(static))))
	mux.HandleFunc("GET /api/hls-url", h.hlsURL)
	mux.HandleFunc("GET /api/video_feed", h.videoFeed)
	mux.HandleFunc("GET /api/snapshot", h.snapshot)
	mux.HandleFunc("GET /api/ws/counts", h.countsFeed)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if svcs.DataSvc != nil {
		mux.Handle("GET /metrics", svcs.DataSvc.Handler())
	}

	return cors(mux)
}

// cors allows every origin, echoing it back so credentials keep working.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Add("Vary", "Origin")
		} else {
			header.Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == http.MethodOptions {
			header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				header.Set("Access-Control-Allow-Headers", requested)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(h.svcs.CfgSvc.GetStaticFolder(), "index.html")
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func (h *handler) hlsURL(w http.ResponseWriter, r *http.Request) {
	camera, ok := cameraParam(w, r)
	if !ok {
		return
	}

	address, err := h.svcs.VmsSvc.Resolve(r.Context(), camera)
	if err != nil {
		// Resolution failures are 4xx; 424 means the upstream would not serve it.
		status := http.StatusFailedDependency
		if errors.Is(err, model.ErrUpstreamFormat) {
			status = http.StatusNotFound
		}
		lgr.Logger.Warn(
			"hls url request failed",
			slog.String("camera", camera),
			slog.Int("status", status),
			lgr.Err(err),
		)
		writeError(w, status, fmt.Sprintf("cannot resolve stream for CCTV ID %s: %v", camera, err))
		return
	}

	id, _ := strconv.Atoi(camera)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"url":     address,
		"hls_url": address,
		"cctv_id": id,
	})
}

func (h *handler) videoFeed(w http.ResponseWriter, r *http.Request) {
	camera, ok := cameraParam(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	rc := http.NewResponseController(w)
	sub, release := h.relay.SubscribeFrames(camera)
	defer release()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+frameBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lgr.Logger.Info(
		"video feed client connected",
		slog.String("camera", camera),
		slog.String("remote", r.RemoteAddr),
	)

	frames := 0
	defer func() {
		lgr.Logger.Info(
			"video feed client disconnected",
			slog.String("camera", camera),
			slog.String("remote", r.RemoteAddr),
			slog.Int("frames", frames),
		)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if err := rc.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return
			}
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", frameBoundary, len(frame.Data)); err != nil {
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			frames++
		}
	}
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	camera, ok := cameraParam(w, r)
	if !ok {
		return
	}

	frame, err := h.relay.Snapshot(r.Context(), camera)
	if err != nil {
		lgr.Logger.Warn(
			"snapshot unavailable",
			slog.String("camera", camera),
			lgr.Err(err),
		)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("no analyzed frame for CCTV ID %s", camera))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Data)
}

func (h *handler) countsFeed(w http.ResponseWriter, r *http.Request) {
	camera, ok := cameraParam(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		lgr.Logger.Warn(
			"websocket upgrade failed",
			slog.String("camera", camera),
			lgr.Err(err),
		)
		return
	}
	defer conn.Close()

	sub, release := h.relay.SubscribeCounts(camera)
	defer release()

	// Reading is what processes pongs and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case count, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(count); err != nil {
				return
			}
		}
	}
}

// cameraParam reads cctv_id, answering 400 when it is not a positive integer.
// The id is returned in canonical form so "06301" and "6301" share a relay.
func cameraParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := strconv.Atoi(r.URL.Query().Get("cctv_id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "cctv_id must be a positive integer")
		return "", false
	}
	return strconv.Itoa(id), true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		lgr.Logger.Debug(
			"failed to write response",
			lgr.Err(err),
		)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
