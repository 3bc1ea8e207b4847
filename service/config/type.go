package config

import "time"

type IService interface {
	GetRunTimeEnv() string
	GetModeMaxShutdownTime() int
	GetCameraID() string
	GetOutputFolder() string
	GetLogFolder() string
	GetLogLevel() string
	GetStaticFolder() string
	GetHTTPAddress() string

	GetUpstreamAuthURL() string
	GetUpstreamAPIURL() string
	GetStreamAddressTTL() time.Duration

	GetFramerType() string
	GetFFmpegPath() string
	GetDecodeTimeout() time.Duration

	GetDetectorType() string
	GetDetectorEndpoint() string
	GetModelPath() string
	GetLabelsPath() string
	GetConfidenceThreshold() float32
	GetDevice() string

	GetCycleInterval() time.Duration
	GetCaptureWindow() time.Duration
	GetCapturePollInterval() time.Duration

	GetRelayFPS() int
	GetRelayMaxFailures() int
	GetRelayBackoffBase() time.Duration
	GetRelayBackoffMax() time.Duration
	GetRelayIdleTimeout() time.Duration

	GetNotifyTimeout() time.Duration
	GetTelegramBotToken() string
	GetTelegramChatID() string

	Validate() error
}
