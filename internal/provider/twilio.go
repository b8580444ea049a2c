package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
)

// TwilioConfig Twilio 配置
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
}

// holdTwiML 保持通话直到下一次 TwiML 更新
const holdTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Pause length="3600"/></Response>`

// Twilio 通过 REST 接口与 TwiML 控制通话
//
// Twilio 在收到来电回调的 TwiML 时即接通，因此来电回调先回复保持，
// Answer 与 StopStream 把通话切回保持，StartStream 切换到 <Connect><Stream>。
type Twilio struct {
	base
	config TwilioConfig
	rest   restClient
}

// NewTwilio 创建 Twilio 实现
func NewTwilio(config TwilioConfig, opts Options, logger *zap.Logger, collector *metrics.Collector) (*Twilio, error) {
	if config.AccountSID == "" || config.AuthToken == "" {
		return nil, fmt.Errorf("twilio account_sid 与 auth_token 不能为空")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	t := &Twilio{
		base:   newBase(types.ProviderTwilio, opts, logger, collector),
		config: config,
	}
	t.rest = restClient{
		baseURL:     config.BaseURL,
		httpClient:  &http.Client{},
		auth:        func(req *http.Request) { req.SetBasicAuth(config.AccountSID, config.AuthToken) },
		decodeError: decodeTwilioError,
	}
	return t, nil
}

// Name 运营商标识
func (t *Twilio) Name() types.Provider { return types.ProviderTwilio }

// Start Twilio 只有回调，无需长连接
func (t *Twilio) Start(context.Context) error { return nil }

type twilioResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// SendMessage 发送短信，mediaURL 非空时为彩信
func (t *Twilio) SendMessage(ctx context.Context, to, body, mediaURL string) (types.MessageResult, error) {
	var res twilioResource
	err := t.call(ctx, "send_message", func(ctx context.Context) error {
		data := url.Values{}
		data.Set("To", to)
		data.Set("From", t.from(""))
		data.Set("Body", body)
		if mediaURL != "" {
			data.Set("MediaUrl", mediaURL)
		}
		if t.opts.StatusCallbackURL != "" {
			data.Set("StatusCallback", t.opts.StatusCallbackURL)
		}
		return t.rest.postForm(ctx, t.accountPath("/Messages.json"), data, &res)
	})
	if err != nil {
		return types.MessageResult{}, err
	}
	return types.MessageResult{ID: res.SID, Status: res.Status}, nil
}

// Dial 发起外呼，接通后保持，等待 StartStream
func (t *Twilio) Dial(ctx context.Context, to string, opts types.CallOptions) (string, error) {
	var res twilioResource
	err := t.call(ctx, "dial", func(ctx context.Context) error {
		data := url.Values{}
		data.Set("To", to)
		data.Set("From", t.from(opts.From))
		data.Set("Twiml", holdTwiML)
		callback := opts.StatusCallback
		if callback == "" {
			callback = t.opts.StatusCallbackURL
		}
		if callback != "" {
			data.Set("StatusCallback", callback)
			for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
				data.Add("StatusCallbackEvent", ev)
			}
		}
		if opts.Timeout > 0 {
			data.Set("Timeout", strconv.Itoa(int(opts.Timeout.Seconds())))
		}
		if opts.MachineDetect {
			data.Set("MachineDetection", "Enable")
		}
		return t.rest.postForm(ctx, t.accountPath("/Calls.json"), data, &res)
	})
	if err != nil {
		return "", err
	}
	return res.SID, nil
}

// Answer 把来电切到保持
func (t *Twilio) Answer(ctx context.Context, callID string) error {
	return t.updateCall(ctx, "answer", callID, url.Values{"Twiml": {holdTwiML}})
}

// StartStream 把通话接到媒体连接
func (t *Twilio) StartStream(ctx context.Context, callID string) error {
	return t.updateCall(ctx, "start_stream", callID, url.Values{"Twiml": {t.streamTwiML(callID)}})
}

// StopStream 断开媒体连接并保持通话
func (t *Twilio) StopStream(ctx context.Context, callID string) error {
	return t.updateCall(ctx, "stop_stream", callID, url.Values{"Twiml": {holdTwiML}})
}

// Hangup 挂断
func (t *Twilio) Hangup(ctx context.Context, callID string) error {
	return t.updateCall(ctx, "hangup", callID, url.Values{"Status": {"completed"}})
}

// WebhookReply 来电回调回复保持，其余回调回复空 TwiML
func (t *Twilio) WebhookReply(ev types.NormalizedEvent) (string, []byte) {
	if ev.Kind == types.KindCallInbound {
		return "text/xml", []byte(holdTwiML)
	}
	return "text/xml", []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

// Events Twilio 没有推送事件流
func (t *Twilio) Events() <-chan []byte { return nil }

// Close 无需释放资源
func (t *Twilio) Close() error { return nil }

func (t *Twilio) updateCall(ctx context.Context, op, callID string, data url.Values) error {
	return t.call(ctx, op, func(ctx context.Context) error {
		return t.rest.postForm(ctx, t.accountPath("/Calls/"+url.PathEscape(callID)+".json"), data, nil)
	})
}

func (t *Twilio) accountPath(suffix string) string {
	return "/Accounts/" + url.PathEscape(t.config.AccountSID) + suffix
}

func (t *Twilio) streamTwiML(callID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s"><Parameter name="call_id" value="%s"/></Stream></Connect></Response>`,
		xmlEscape(t.streamURL(callID)), xmlEscape(callID))
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// decodeTwilioError 解析 {"code","message","status"} 错误体
func decodeTwilioError(status int, body []byte) error {
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	pe := &types.ProviderError{Status: status, Retryable: retryableStatus(status)}
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Code != 0 || apiErr.Message != "") {
		if apiErr.Code != 0 {
			pe.Code = strconv.Itoa(apiErr.Code)
		}
		pe.Message = apiErr.Message
	} else {
		pe.Message = string(body)
	}
	return pe
}
