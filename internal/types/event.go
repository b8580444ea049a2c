package types

import "time"

// NormalizedEvent 与运营商无关的标准化事件
//
// Raw 与 MessagePayload.MediaURLs 在构造时复制，之后与调用方的数据无关。
// 事件按值传递，副本之间共享这些切片，使用方只读不写。
type NormalizedEvent struct {
	Kind       EventKind
	Provider   Provider
	OccurredAt time.Time
	CallID     string
	MessageID  string
	Payload    Payload
	raw        map[string]any
}

// NewEvent 创建标准化事件
func NewEvent(kind EventKind, provider Provider, occurredAt time.Time, payload Payload, raw map[string]any) NormalizedEvent {
	ev := NormalizedEvent{
		Kind:       kind,
		Provider:   provider,
		OccurredAt: occurredAt,
		Payload:    payload,
		raw:        copyRaw(raw),
	}
	switch p := payload.(type) {
	case CallPayload:
		ev.CallID = p.CallID
	case HangupPayload:
		ev.CallID = p.CallID
	case StreamPayload:
		ev.CallID = p.CallID
	case DtmfPayload:
		ev.CallID = p.CallID
	case MessagePayload:
		ev.MessageID = p.MessageID
		if p.MediaURLs != nil {
			p.MediaURLs = append([]string(nil), p.MediaURLs...)
			ev.Payload = p
		}
	case DeliveryPayload:
		ev.MessageID = p.MessageID
	}
	return ev
}

// Raw 返回原始载荷的副本
func (e NormalizedEvent) Raw() map[string]any {
	return copyRaw(e.raw)
}

// Payload 事件载荷，按事件类型区分
type Payload interface {
	payload()
}

// MessagePayload 短信/彩信上行
type MessagePayload struct {
	MessageID string
	From      string
	To        string
	Body      string
	MediaURLs []string
}

// DeliveryPayload 短信/彩信投递回执
type DeliveryPayload struct {
	MessageID string
	Status    string
	ErrorCode string
}

// CallPayload 呼入/应答
type CallPayload struct {
	CallID    string
	From      string
	To        string
	Direction Direction
}

// HangupPayload 挂断/失败
type HangupPayload struct {
	CallID string
	Cause  string
}

// StreamPayload 媒体流开始/结束
type StreamPayload struct {
	CallID   string
	StreamID string
}

// DtmfPayload 按键
type DtmfPayload struct {
	CallID string
	Digit  string
}

func (MessagePayload) payload()  {}
func (DeliveryPayload) payload() {}
func (CallPayload) payload()     {}
func (HangupPayload) payload()   {}
func (StreamPayload) payload()   {}
func (DtmfPayload) payload()     {}

func copyRaw(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyRaw(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
