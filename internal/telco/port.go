// Package telco 汇总事件转换、通话会话、语音会话与媒体转发，对外提供统一的电信能力接口
package telco

import (
	"context"
	"net/http"
	"time"

	"ai_telco_bridge/internal/audio"
	"ai_telco_bridge/internal/call"
	"ai_telco_bridge/internal/dtmf"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

// Port 电信能力接口
//
// 通话命令先按会话状态校验再调用运营商，状态不允许时返回类型化错误。
type Port interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	ParseWebhook(provider types.Provider, body []byte) (types.NormalizedEvent, error)
	// HandleWebhook 转换并按通话顺序处理回调，返回给运营商的应答
	HandleWebhook(ctx context.Context, provider types.Provider, body []byte) (WebhookReply, error)

	SendSMS(ctx context.Context, to, body string) (types.MessageResult, error)
	SendMMS(ctx context.Context, to, body, mediaURL string) (types.MessageResult, error)

	InitiateCall(ctx context.Context, to string, opts types.CallOptions) (call.Info, error)
	AnswerCall(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
	StreamAudio(ctx context.Context, callID string, src audio.Source) error
	StopAudio(ctx context.Context, callID string) error
	StartVoiceConversation(ctx context.Context, callID string, opts voice.Options) (*voice.Session, error)
	// Voice 通话当前挂载的语音会话
	Voice(callID string) (*voice.Session, error)
	ControlPlayback(callID string, action dtmf.PlaybackAction) error

	Call(callID string) (call.Info, error)
	Calls() []call.Info

	// ServeMedia 服务运营商的媒体连接
	ServeMedia(w http.ResponseWriter, r *http.Request, callID string)

	// Subscribe 订阅事件，buffer<=0 时使用默认缓冲；返回的函数取消订阅并关闭通道
	Subscribe(buffer int) (<-chan Event, func())
}

// WebhookReply 回调应答
type WebhookReply struct {
	ContentType string
	Body        []byte
}

// Event 订阅者收到的事件，按具体类型区分
type Event interface {
	OccurredAt() time.Time
}

// SmsReceived 收到短信或彩信
type SmsReceived struct {
	Message types.MessagePayload
	MMS     bool
	At      time.Time
}

// MessageStatus 短信/彩信投递回执
type MessageStatus struct {
	Delivery types.DeliveryPayload
	Kind     types.EventKind
	At       time.Time
}

// CallReceived 来电
type CallReceived struct {
	Call types.CallPayload
	At   time.Time
}

// CallAnswered 通话接通，来电应答与外呼被接听都会触发
type CallAnswered struct {
	CallID    string
	Direction types.Direction
	At        time.Time
}

// CallEnded 通话结束，State 为 Ended 或 Failed
type CallEnded struct {
	CallID  string
	State   types.CallState
	Cause   string
	Failure error
	At      time.Time
}

// PlaybackControl 按键映射出的播放控制动作
type PlaybackControl struct {
	CallID string
	Action dtmf.PlaybackAction
	At     time.Time
}

// VoiceEvent 语音会话的文本、打断与错误事件，音频不经过订阅
type VoiceEvent struct {
	CallID string
	Event  voice.Event
	At     time.Time
}

func (e SmsReceived) OccurredAt() time.Time     { return e.At }
func (e MessageStatus) OccurredAt() time.Time   { return e.At }
func (e CallReceived) OccurredAt() time.Time    { return e.At }
func (e CallAnswered) OccurredAt() time.Time    { return e.At }
func (e CallEnded) OccurredAt() time.Time       { return e.At }
func (e PlaybackControl) OccurredAt() time.Time { return e.At }
func (e VoiceEvent) OccurredAt() time.Time      { return e.At }
