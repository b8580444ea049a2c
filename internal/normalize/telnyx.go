package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"ai_telco_bridge/internal/types"
)

// Telnyx 载荷为 JSON，兼容两种形态：
//
//	{"type":"call.initiated","call_id":"...","from":"...","to":"..."}
//	{"data":{"event_type":"call.initiated","occurred_at":"...","payload":{...}}}
type Telnyx struct {
	clock Clock
}

// NewTelnyx 创建 Telnyx 转换器
func NewTelnyx(clock Clock) *Telnyx {
	return &Telnyx{clock: clock}
}

// Provider 返回运营商标识
func (n *Telnyx) Provider() types.Provider { return types.ProviderTelnyx }

var telnyxFailureCauses = map[string]bool{
	"call_rejected": true,
	"user_busy":     true,
	"timeout":       true,
	"not_found":     true,
}

// Normalize 转换 Telnyx 回调
func (n *Telnyx) Normalize(body []byte) (types.NormalizedEvent, error) {
	raw, err := decodeJSONObject(body)
	if err != nil {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), err.Error())
	}

	eventType, payload, when := telnyxEnvelope(raw)
	if eventType == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "缺少事件类型")
	}
	at := occurredAt(n.clock, when, time.RFC3339Nano, "2006-01-02 15:04:05.999999Z07:00")
	callID := stringField(payload, "call_id", "call_control_id")

	switch eventType {
	case "call.initiated", "call.answered":
		if callID == "" {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), eventType+" 缺少 call_id")
		}
		cp := types.CallPayload{
			CallID: callID,
			From:   telnyxAddress(payload["from"]),
			To:     telnyxAddress(payload["to"]),
		}
		switch stringField(payload, "direction") {
		case "", "incoming", "inbound":
			cp.Direction = types.DirectionInbound
		default:
			cp.Direction = types.DirectionOutbound
		}
		if eventType == "call.answered" {
			return types.NewEvent(types.KindCallAnswered, n.Provider(), at, cp, raw), nil
		}
		if cp.Direction != types.DirectionInbound {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), "外呼的 call.initiated 不对应任何事件")
		}
		return types.NewEvent(types.KindCallInbound, n.Provider(), at, cp, raw), nil

	case "call.hangup", "call.failed":
		if callID == "" {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), eventType+" 缺少 call_id")
		}
		cause := stringField(payload, "hangup_cause", "failure_reason")
		kind := types.KindCallHangup
		if eventType == "call.failed" || telnyxFailureCauses[cause] {
			kind = types.KindCallFailed
		}
		return types.NewEvent(kind, n.Provider(), at, types.HangupPayload{CallID: callID, Cause: cause}, raw), nil

	case "call.dtmf.received":
		digit := stringField(payload, "digit")
		if callID == "" || digit == "" {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), "按键事件缺少 call_id 或 digit")
		}
		return types.NewEvent(types.KindDtmfReceived, n.Provider(), at, types.DtmfPayload{CallID: callID, Digit: digit}, raw), nil

	case "streaming.started", "streaming.stopped":
		if callID == "" {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), eventType+" 缺少 call_id")
		}
		sp := types.StreamPayload{CallID: callID, StreamID: stringField(payload, "stream_id", "stream_url")}
		kind := types.KindMediaStreamStarted
		if eventType == "streaming.stopped" {
			kind = types.KindMediaStreamStopped
		}
		return types.NewEvent(kind, n.Provider(), at, sp, raw), nil

	case "message.received":
		return n.inboundMessage(payload, raw, at)

	case "message.finalized", "message.sent":
		return n.delivery(payload, raw, at)
	}
	return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的事件类型 %q", eventType))
}

func (n *Telnyx) inboundMessage(payload, raw map[string]any, at time.Time) (types.NormalizedEvent, error) {
	id := stringField(payload, "id", "message_id")
	if id == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "短信缺少 id")
	}
	mp := types.MessagePayload{
		MessageID: id,
		From:      telnyxAddress(payload["from"]),
		To:        telnyxAddress(payload["to"]),
		Body:      stringField(payload, "text", "body"),
	}
	if media, ok := payload["media"].([]any); ok {
		for _, item := range media {
			if m, ok := item.(map[string]any); ok {
				if u := stringField(m, "url"); u != "" {
					mp.MediaURLs = append(mp.MediaURLs, u)
				}
			}
		}
	}
	kind := types.KindSmsInbound
	if len(mp.MediaURLs) > 0 || stringField(payload, "type") == "MMS" {
		kind = types.KindMmsInbound
	}
	return types.NewEvent(kind, n.Provider(), at, mp, raw), nil
}

func (n *Telnyx) delivery(payload, raw map[string]any, at time.Time) (types.NormalizedEvent, error) {
	id := stringField(payload, "id", "message_id")
	if id == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "回执缺少 id")
	}
	status := stringField(payload, "status")
	if to, ok := payload["to"].([]any); ok && len(to) > 0 {
		if first, ok := to[0].(map[string]any); ok {
			if s := stringField(first, "status"); s != "" {
				status = s
			}
		}
	}
	dp := types.DeliveryPayload{MessageID: id, Status: status}

	switch status {
	case "delivered":
		kind := types.KindSmsDelivered
		if stringField(payload, "type") == "MMS" {
			kind = types.KindMmsDelivered
		}
		return types.NewEvent(kind, n.Provider(), at, dp, raw), nil
	case "delivery_failed", "sending_failed", "failed":
		if errs, ok := payload["errors"].([]any); ok && len(errs) > 0 {
			if first, ok := errs[0].(map[string]any); ok {
				dp.ErrorCode = fmt.Sprint(first["code"])
			}
		}
		return types.NewEvent(types.KindSmsFailed, n.Provider(), at, dp, raw), nil
	}
	return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的投递状态 %q", status))
}

// telnyxEnvelope 解出事件类型、事件体和时间
func telnyxEnvelope(raw map[string]any) (string, map[string]any, string) {
	if data, ok := raw["data"].(map[string]any); ok {
		payload, _ := data["payload"].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		return stringField(data, "event_type"), payload, stringField(data, "occurred_at")
	}
	return stringField(raw, "type", "event_type"), raw, stringField(raw, "occurred_at")
}

// telnyxAddress 号码可能是字符串、{"phone_number":...} 或其数组
func telnyxAddress(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return stringField(t, "phone_number")
	case []any:
		if len(t) > 0 {
			return telnyxAddress(t[0])
		}
	}
	return ""
}

// decodeJSONObject 解析 JSON 对象，数字保持原样
func decodeJSONObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("JSON解析失败: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("载荷不是 JSON 对象")
	}
	return raw, nil
}
