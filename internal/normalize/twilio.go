package normalize

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ai_telco_bridge/internal/types"
)

// Twilio 载荷为 application/x-www-form-urlencoded
type Twilio struct {
	clock Clock
}

// NewTwilio 创建 Twilio 转换器
func NewTwilio(clock Clock) *Twilio {
	return &Twilio{clock: clock}
}

// Provider 返回运营商标识
func (n *Twilio) Provider() types.Provider { return types.ProviderTwilio }

// Normalize 转换 Twilio 回调
func (n *Twilio) Normalize(body []byte) (types.NormalizedEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("表单解析失败: %v", err))
	}
	if len(values) == 0 {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "空载荷")
	}

	raw := make(map[string]any, len(values))
	fields := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			raw[k] = v[0]
		} else {
			raw[k] = append([]string(nil), v...)
		}
		fields[k] = values.Get(k)
	}

	at := occurredAt(n.clock, stringField(fields, "Timestamp"), time.RFC1123Z, time.RFC1123, time.RFC3339)

	switch {
	case stringField(fields, "StreamSid") != "" && stringField(fields, "StreamEvent") != "":
		return n.stream(fields, raw, at)
	case stringField(fields, "CallSid") != "" && stringField(fields, "Digits") != "":
		return types.NewEvent(types.KindDtmfReceived, n.Provider(), at, types.DtmfPayload{
			CallID: stringField(fields, "CallSid"),
			Digit:  stringField(fields, "Digits"),
		}, raw), nil
	case stringField(fields, "MessageSid", "SmsSid") != "":
		return n.message(fields, raw, at)
	case stringField(fields, "CallSid") != "":
		return n.call(fields, raw, at)
	}
	return types.NormalizedEvent{}, unrecognized(n.Provider(), "缺少 CallSid/MessageSid/StreamSid")
}

func (n *Twilio) message(fields, raw map[string]any, at time.Time) (types.NormalizedEvent, error) {
	id := stringField(fields, "MessageSid", "SmsSid")
	status := stringField(fields, "MessageStatus", "SmsStatus")
	numMedia, _ := strconv.Atoi(stringField(fields, "NumMedia"))

	switch status {
	case "received":
		payload := types.MessagePayload{
			MessageID: id,
			From:      stringField(fields, "From"),
			To:        stringField(fields, "To"),
			Body:      stringField(fields, "Body"),
			MediaURLs: twilioMediaURLs(fields, numMedia),
		}
		kind := types.KindSmsInbound
		if numMedia > 0 {
			kind = types.KindMmsInbound
		}
		return types.NewEvent(kind, n.Provider(), at, payload, raw), nil
	case "delivered":
		kind := types.KindSmsDelivered
		if numMedia > 0 {
			kind = types.KindMmsDelivered
		}
		return types.NewEvent(kind, n.Provider(), at, types.DeliveryPayload{MessageID: id, Status: status}, raw), nil
	case "failed", "undelivered":
		return types.NewEvent(types.KindSmsFailed, n.Provider(), at, types.DeliveryPayload{
			MessageID: id,
			Status:    status,
			ErrorCode: stringField(fields, "ErrorCode"),
		}, raw), nil
	}
	return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的短信状态 %q", status))
}

func (n *Twilio) call(fields, raw map[string]any, at time.Time) (types.NormalizedEvent, error) {
	id := stringField(fields, "CallSid")
	status := stringField(fields, "CallStatus")
	direction := types.DirectionOutbound
	if stringField(fields, "Direction") == "inbound" {
		direction = types.DirectionInbound
	}
	callPayload := types.CallPayload{
		CallID:    id,
		From:      stringField(fields, "From"),
		To:        stringField(fields, "To"),
		Direction: direction,
	}

	switch status {
	case "ringing":
		if direction != types.DirectionInbound {
			break
		}
		return types.NewEvent(types.KindCallInbound, n.Provider(), at, callPayload, raw), nil
	case "in-progress":
		return types.NewEvent(types.KindCallAnswered, n.Provider(), at, callPayload, raw), nil
	case "completed":
		return types.NewEvent(types.KindCallHangup, n.Provider(), at, types.HangupPayload{CallID: id, Cause: status}, raw), nil
	case "busy", "no-answer", "failed", "canceled":
		return types.NewEvent(types.KindCallFailed, n.Provider(), at, types.HangupPayload{CallID: id, Cause: status}, raw), nil
	}
	return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的通话状态 %q (direction=%s)", status, direction))
}

func (n *Twilio) stream(fields, raw map[string]any, at time.Time) (types.NormalizedEvent, error) {
	payload := types.StreamPayload{
		CallID:   stringField(fields, "CallSid"),
		StreamID: stringField(fields, "StreamSid"),
	}
	if payload.CallID == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "媒体流事件缺少 CallSid")
	}
	switch event := stringField(fields, "StreamEvent"); event {
	case "stream-started":
		return types.NewEvent(types.KindMediaStreamStarted, n.Provider(), at, payload, raw), nil
	case "stream-stopped", "stream-error":
		return types.NewEvent(types.KindMediaStreamStopped, n.Provider(), at, payload, raw), nil
	default:
		return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的媒体流事件 %q", event))
	}
}

// twilioMediaURLs 收集 MediaUrl0..MediaUrlN
func twilioMediaURLs(fields map[string]any, numMedia int) []string {
	var keys []string
	for k := range fields {
		if strings.HasPrefix(k, "MediaUrl") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(keys[i], "MediaUrl"))
		b, _ := strconv.Atoi(strings.TrimPrefix(keys[j], "MediaUrl"))
		return a < b
	})
	urls := make([]string, 0, numMedia)
	for _, k := range keys {
		if v := stringField(fields, k); v != "" {
			urls = append(urls, v)
		}
	}
	return urls
}
