package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
)

// TelnyxConfig Telnyx 配置
type TelnyxConfig struct {
	APIKey             string
	ConnectionID       string // Call Control 应用ID
	MessagingProfileID string
	BaseURL            string
}

// Telnyx 通过 Call Control v2 接口控制通话
type Telnyx struct {
	base
	config TelnyxConfig
	rest   restClient
}

// NewTelnyx 创建 Telnyx 实现
func NewTelnyx(config TelnyxConfig, opts Options, logger *zap.Logger, collector *metrics.Collector) (*Telnyx, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("telnyx api_key 不能为空")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.telnyx.com/v2"
	}
	t := &Telnyx{
		base:   newBase(types.ProviderTelnyx, opts, logger, collector),
		config: config,
	}
	t.rest = restClient{
		baseURL:     config.BaseURL,
		httpClient:  &http.Client{},
		auth:        func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+config.APIKey) },
		decodeError: decodeTelnyxError,
	}
	return t, nil
}

// Name 运营商标识
func (t *Telnyx) Name() types.Provider { return types.ProviderTelnyx }

// Start Telnyx 只有回调，无需长连接
func (t *Telnyx) Start(context.Context) error { return nil }

// SendMessage 发送短信，mediaURL 非空时为彩信
func (t *Telnyx) SendMessage(ctx context.Context, to, body, mediaURL string) (types.MessageResult, error) {
	req := map[string]any{
		"from": t.from(""),
		"to":   to,
		"text": body,
	}
	if mediaURL != "" {
		req["media_urls"] = []string{mediaURL}
	}
	if t.config.MessagingProfileID != "" {
		req["messaging_profile_id"] = t.config.MessagingProfileID
	}
	if t.opts.StatusCallbackURL != "" {
		req["webhook_url"] = t.opts.StatusCallbackURL
	}

	var res struct {
		Data struct {
			ID string `json:"id"`
			To []struct {
				Status string `json:"status"`
			} `json:"to"`
		} `json:"data"`
	}
	if err := t.call(ctx, "send_message", func(ctx context.Context) error {
		return t.rest.postJSON(ctx, "/messages", req, &res)
	}); err != nil {
		return types.MessageResult{}, err
	}
	result := types.MessageResult{ID: res.Data.ID, Status: "queued"}
	if len(res.Data.To) > 0 && res.Data.To[0].Status != "" {
		result.Status = res.Data.To[0].Status
	}
	return result, nil
}

// Dial 发起外呼，返回 call_control_id
func (t *Telnyx) Dial(ctx context.Context, to string, opts types.CallOptions) (string, error) {
	req := map[string]any{
		"connection_id": t.config.ConnectionID,
		"to":            to,
		"from":          t.from(opts.From),
	}
	if opts.Timeout > 0 {
		req["timeout_secs"] = int(opts.Timeout.Seconds())
	}
	callback := opts.StatusCallback
	if callback == "" {
		callback = t.opts.StatusCallbackURL
	}
	if callback != "" {
		req["webhook_url"] = callback
	}
	if opts.MachineDetect {
		req["answering_machine_detection"] = "detect"
	}

	var res struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := t.call(ctx, "dial", func(ctx context.Context) error {
		return t.rest.postJSON(ctx, "/calls", req, &res)
	}); err != nil {
		return "", err
	}
	return res.Data.CallControlID, nil
}

// Answer 应答来电
func (t *Telnyx) Answer(ctx context.Context, callID string) error {
	return t.action(ctx, "answer", callID, "answer", map[string]any{})
}

// StartStream 开启双向媒体流
func (t *Telnyx) StartStream(ctx context.Context, callID string) error {
	return t.action(ctx, "start_stream", callID, "streaming_start", map[string]any{
		"stream_url":                t.streamURL(callID),
		"stream_track":              "inbound_track",
		"stream_bidirectional_mode": "rtp",
	})
}

// StopStream 关闭媒体流
func (t *Telnyx) StopStream(ctx context.Context, callID string) error {
	return t.action(ctx, "stop_stream", callID, "streaming_stop", map[string]any{})
}

// Hangup 挂断
func (t *Telnyx) Hangup(ctx context.Context, callID string) error {
	return t.action(ctx, "hangup", callID, "hangup", map[string]any{})
}

// WebhookReply Telnyx 只需要 2xx
func (t *Telnyx) WebhookReply(types.NormalizedEvent) (string, []byte) { return "", nil }

// Events Telnyx 没有推送事件流
func (t *Telnyx) Events() <-chan []byte { return nil }

// Close 无需释放资源
func (t *Telnyx) Close() error { return nil }

func (t *Telnyx) action(ctx context.Context, op, callID, action string, body map[string]any) error {
	return t.call(ctx, op, func(ctx context.Context) error {
		return t.rest.postJSON(ctx, "/calls/"+url.PathEscape(callID)+"/actions/"+action, body, nil)
	})
}

// decodeTelnyxError 解析 {"errors":[{"code","title","detail"}]} 错误体
func decodeTelnyxError(status int, body []byte) error {
	var apiErr struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	pe := &types.ProviderError{Status: status, Retryable: retryableStatus(status)}
	if err := json.Unmarshal(body, &apiErr); err == nil && len(apiErr.Errors) > 0 {
		first := apiErr.Errors[0]
		pe.Code = first.Code
		pe.Message = first.Title
		if first.Detail != "" {
			pe.Message += ": " + first.Detail
		}
	} else {
		pe.Message = string(body)
	}
	return pe
}
