package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
	"github.com/khaledhikmat/traffic-go/service/config"
)

const telegramAPI = "https://api.telegram.org"

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

type telegramService struct {
	CfgSvc  config.IService
	apiBase string
	client  *http.Client
}

// NewTelegram sends alerts as HTML messages to the configured chat.
// Each call is bounded by the notify timeout.
func NewTelegram(cfgsvc config.IService) IService {
	return &telegramService{
		CfgSvc:  cfgsvc,
		apiBase: telegramAPI,
		client:  &http.Client{Timeout: cfgsvc.GetNotifyTimeout()},
	}
}

// New picks Telegram when both credentials are set and the log notifier otherwise.
func New(cfgsvc config.IService) IService {
	if cfgsvc.GetTelegramBotToken() == "" || cfgsvc.GetTelegramChatID() == "" {
		return NewLog()
	}
	return NewTelegram(cfgsvc)
}

func (svc *telegramService) Notify(ctx context.Context, alert model.AlertEvent) error {
	payload := map[string]interface{}{
		"chat_id":    svc.CfgSvc.GetTelegramChatID(),
		"text":       FormatAlert(alert),
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("marshal payload: %v: %w", err, model.ErrNotify)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", svc.apiBase, svc.CfgSvc.GetTelegramBotToken())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("build request: %v: %w", err, model.ErrNotify)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := svc.client.Do(req)
	if err != nil {
		// Do not leak the bot token embedded in the URL.
		return xerrors.Errorf("send message: %v: %w", unwrapURLError(err), model.ErrNotify)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return xerrors.Errorf("read response: %v: %w", err, model.ErrNotify)
	}

	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return xerrors.Errorf("telegram returned HTTP %d: %w", resp.StatusCode, model.ErrNotify)
	}
	if !tr.OK {
		return xerrors.Errorf("telegram api error %d: %s: %w", tr.ErrorCode, tr.Description, model.ErrNotify)
	}
	return nil
}

// FormatAlert renders an alert as a Telegram HTML message.
func FormatAlert(alert model.AlertEvent) string {
	return fmt.Sprintf("<b>[traffic] %s</b>\ncamera: <code>%s</code>\n%s\n<i>%s</i>",
		html.EscapeString(string(alert.Category)),
		html.EscapeString(alert.Camera),
		html.EscapeString(alert.Detail),
		alert.Timestamp.Format("2006-01-02 15:04:05"),
	)
}

func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
