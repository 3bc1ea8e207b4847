package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DetectorYolo   = "yolo"
	DetectorRemote = "remote"
	DetectorFake   = "fake"

	FramerFFmpeg = "ffmpeg"
	FramerOpenCV = "opencv"
)

// Settings holds every value the process reads from its environment.
type Settings struct {
	RunTimeEnv          string
	ModeMaxShutdownTime int
	CameraID            string
	OutputFolder        string
	LogFolder           string
	LogLevel            string
	StaticFolder        string
	HTTPAddress         string

	UpstreamAuthURL  string
	UpstreamAPIURL   string
	StreamAddressTTL time.Duration

	FramerType    string
	FFmpegPath    string
	DecodeTimeout time.Duration

	DetectorType        string
	DetectorEndpoint    string
	ModelPath           string
	LabelsPath          string
	ConfidenceThreshold float32
	Device              string

	CycleInterval       time.Duration
	CaptureWindow       time.Duration
	CapturePollInterval time.Duration

	RelayFPS         int
	RelayMaxFailures int
	RelayBackoffBase time.Duration
	RelayBackoffMax  time.Duration
	RelayIdleTimeout time.Duration

	NotifyTimeout    time.Duration
	TelegramBotToken string
	TelegramChatID   string
}

// Defaults returns the settings used when a variable is not set.
func Defaults() Settings {
	return Settings{
		RunTimeEnv:          "dev",
		ModeMaxShutdownTime: 5,
		CameraID:            "6301",
		OutputFolder:        "./output",
		LogFolder:           "./logs",
		LogLevel:            "info",
		StaticFolder:        "./static",
		HTTPAddress:         ":8000",

		UpstreamAuthURL:  "https://nam.veta.naver.com/nac/1",
		UpstreamAPIURL:   "https://map.naver.com/p/api/cctv?cctvId={id}",
		StreamAddressTTL: 5 * time.Minute,

		FramerType:    FramerFFmpeg,
		FFmpegPath:    "ffmpeg",
		DecodeTimeout: 10 * time.Second,

		DetectorType:        DetectorYolo,
		ModelPath:           "",
		ConfidenceThreshold: 0.5,
		Device:              "cpu",

		CycleInterval:       60 * time.Second,
		CaptureWindow:       15 * time.Second,
		CapturePollInterval: 1 * time.Second,

		RelayFPS:         5,
		RelayMaxFailures: 3,
		RelayBackoffBase: 500 * time.Millisecond,
		RelayBackoffMax:  10 * time.Second,
		RelayIdleTimeout: 0,

		NotifyTimeout: 5 * time.Second,
	}
}

type settingsService struct {
	s Settings
}

// NewStatic serves the given settings as they are.
func NewStatic(s Settings) IService {
	return &settingsService{s: s}
}

// NewEnvVars reads the process environment on top of Defaults.
// The caller loads any .env file before calling it.
func NewEnvVars() IService {
	d := Defaults()
	return &settingsService{s: Settings{
		RunTimeEnv:          getEnv("RUN_TIME_ENV", d.RunTimeEnv),
		ModeMaxShutdownTime: getEnvAsInt("MODE_MAX_SHUTDOWN_SECONDS", d.ModeMaxShutdownTime),
		CameraID:            getEnv("CCTV_ID", d.CameraID),
		OutputFolder:        getEnv("OUTPUT_DIR", d.OutputFolder),
		LogFolder:           getEnv("LOG_DIR", d.LogFolder),
		LogLevel:            getEnv("LOG_LEVEL", d.LogLevel),
		StaticFolder:        getEnv("STATIC_DIR", d.StaticFolder),
		HTTPAddress:         getEnv("HTTP_ADDR", d.HTTPAddress),

		UpstreamAuthURL:  getEnv("UPSTREAM_AUTH_URL", d.UpstreamAuthURL),
		UpstreamAPIURL:   getEnv("UPSTREAM_API_URL", d.UpstreamAPIURL),
		StreamAddressTTL: getEnvAsSeconds("STREAM_ADDRESS_TTL_SECONDS", d.StreamAddressTTL),

		FramerType:    strings.ToLower(getEnv("FRAMER_TYPE", d.FramerType)),
		FFmpegPath:    getEnv("FFMPEG_PATH", d.FFmpegPath),
		DecodeTimeout: getEnvAsSeconds("DECODE_TIMEOUT_SECONDS", d.DecodeTimeout),

		DetectorType:        strings.ToLower(getEnv("DETECTOR_TYPE", d.DetectorType)),
		DetectorEndpoint:    getEnv("DETECTOR_ENDPOINT", d.DetectorEndpoint),
		ModelPath:           getEnv("YOLO_MODEL", d.ModelPath),
		LabelsPath:          getEnv("YOLO_LABELS", d.LabelsPath),
		ConfidenceThreshold: getEnvAsFloat32("CONFIDENCE_THRESHOLD", d.ConfidenceThreshold),
		Device:              strings.ToLower(getEnv("DEVICE", d.Device)),

		CycleInterval:       getEnvAsSeconds("INTERVAL_SECONDS", d.CycleInterval),
		CaptureWindow:       getEnvAsSeconds("CAPTURE_WINDOW_SECONDS", d.CaptureWindow),
		CapturePollInterval: getEnvAsSeconds("CAPTURE_POLL_SECONDS", d.CapturePollInterval),

		RelayFPS:         getEnvAsInt("RELAY_FPS", d.RelayFPS),
		RelayMaxFailures: getEnvAsInt("RELAY_MAX_FAILURES", d.RelayMaxFailures),
		RelayBackoffBase: getEnvAsMillis("RELAY_BACKOFF_BASE_MS", d.RelayBackoffBase),
		RelayBackoffMax:  getEnvAsSeconds("RELAY_BACKOFF_MAX_SECONDS", d.RelayBackoffMax),
		RelayIdleTimeout: getEnvAsSeconds("RELAY_IDLE_SECONDS", d.RelayIdleTimeout),

		NotifyTimeout:    getEnvAsSeconds("NOTIFY_TIMEOUT_SECONDS", d.NotifyTimeout),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}}
}

func (svc *settingsService) GetRunTimeEnv() string { return svc.s.RunTimeEnv }
func (svc *settingsService) GetModeMaxShutdownTime() int { return svc.s.ModeMaxShutdownTime }
func (svc *settingsService) GetCameraID() string { return svc.s.CameraID }
func (svc *settingsService) GetOutputFolder() string { return svc.s.OutputFolder }
func (svc *settingsService) GetLogFolder() string { return svc.s.LogFolder }
func (svc *settingsService) GetLogLevel() string { return svc.s.LogLevel }
func (svc *settingsService) GetStaticFolder() string { return svc.s.StaticFolder }
func (svc *settingsService) GetHTTPAddress() string { return svc.s.HTTPAddress }
func (svc *settingsService) GetUpstreamAuthURL() string { return svc.s.UpstreamAuthURL }
func (svc *settingsService) GetUpstreamAPIURL() string { return svc.s.UpstreamAPIURL }
func (svc *settingsService) GetFramerType() string { return svc.s.FramerType }
func (svc *settingsService) GetFFmpegPath() string { return svc.s.FFmpegPath }
func (svc *settingsService) GetDecodeTimeout() time.Duration { return svc.s.DecodeTimeout }
func (svc *settingsService) GetDetectorType() string { return svc.s.DetectorType }
func (svc *settingsService) GetDetectorEndpoint() string { return svc.s.DetectorEndpoint }
func (svc *settingsService) GetModelPath() string { return svc.s.ModelPath }
func (svc *settingsService) GetLabelsPath() string { return svc.s.LabelsPath }
func (svc *settingsService) GetDevice() string { return svc.s.Device }
func (svc *settingsService) GetRelayFPS() int { return svc.s.RelayFPS }
func (svc *settingsService) GetRelayMaxFailures() int { return svc.s.RelayMaxFailures }
func (svc *settingsService) GetTelegramBotToken() string { return svc.s.TelegramBotToken }
func (svc *settingsService) GetTelegramChatID() string { return svc.s.TelegramChatID }

func (svc *settingsService) GetStreamAddressTTL() time.Duration { return svc.s.StreamAddressTTL }
func (svc *settingsService) GetConfidenceThreshold() float32 { return svc.s.ConfidenceThreshold }
func (svc *settingsService) GetCycleInterval() time.Duration { return svc.s.CycleInterval }
func (svc *settingsService) GetCaptureWindow() time.Duration { return svc.s.CaptureWindow }
func (svc *settingsService) GetCapturePollInterval() time.Duration { return svc.s.CapturePollInterval }
func (svc *settingsService) GetRelayBackoffBase() time.Duration { return svc.s.RelayBackoffBase }
func (svc *settingsService) GetRelayBackoffMax() time.Duration { return svc.s.RelayBackoffMax }
func (svc *settingsService) GetRelayIdleTimeout() time.Duration { return svc.s.RelayIdleTimeout }
func (svc *settingsService) GetNotifyTimeout() time.Duration { return svc.s.NotifyTimeout }

// Validate reports every missing or out of range setting at once.
func (svc *settingsService) Validate() error {
	var problems []string

	if svc.s.CameraID == "" {
		problems = append(problems, "CCTV_ID is required")
	}

	switch svc.s.DetectorType {
	case DetectorYolo:
		if svc.s.ModelPath == "" {
			problems = append(problems, "YOLO_MODEL is required when DETECTOR_TYPE=yolo")
		}
	case DetectorRemote:
		if svc.s.DetectorEndpoint == "" {
			problems = append(problems, "DETECTOR_ENDPOINT is required when DETECTOR_TYPE=remote")
		}
	case DetectorFake:
	default:
		problems = append(problems, fmt.Sprintf("unknown DETECTOR_TYPE %q", svc.s.DetectorType))
	}

	if svc.s.FramerType != FramerFFmpeg && svc.s.FramerType != FramerOpenCV {
		problems = append(problems, fmt.Sprintf("unknown FRAMER_TYPE %q", svc.s.FramerType))
	}

	if svc.s.ConfidenceThreshold < 0 || svc.s.ConfidenceThreshold > 1 {
		problems = append(problems, "CONFIDENCE_THRESHOLD must be within [0, 1]")
	}

	if svc.s.CapturePollInterval <= 0 {
		problems = append(problems, "CAPTURE_POLL_SECONDS must be positive")
	}

	if svc.s.CaptureWindow < svc.s.CapturePollInterval {
		problems = append(problems, "CAPTURE_WINDOW_SECONDS must be at least CAPTURE_POLL_SECONDS")
	}

	if svc.s.RelayMaxFailures < 1 {
		problems = append(problems, "RELAY_MAX_FAILURES must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
