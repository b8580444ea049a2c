// Package types 定义基本类型
package types

import (
	"fmt"
	"time"
)

// Provider 运营商标识
type Provider string

// 已支持的运营商
const (
	ProviderTwilio     Provider = "twilio"
	ProviderTelnyx     Provider = "telnyx"
	ProviderFreeSWITCH Provider = "freeswitch"
)

// ParseProvider 解析运营商标识
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderTwilio, ProviderTelnyx, ProviderFreeSWITCH:
		return p, nil
	default:
		return "", fmt.Errorf("未知的运营商: %q", s)
	}
}

// EventKind 标准化事件类型
type EventKind string

// 事件类型是封闭集合，新增类型需同步修改 AllEventKinds
const (
	KindSmsInbound         EventKind = "sms.inbound"
	KindSmsDelivered       EventKind = "sms.delivered"
	KindSmsFailed          EventKind = "sms.failed"
	KindMmsInbound         EventKind = "mms.inbound"
	KindMmsDelivered       EventKind = "mms.delivered"
	KindCallInbound        EventKind = "call.inbound"
	KindCallAnswered       EventKind = "call.answered"
	KindCallHangup         EventKind = "call.hangup"
	KindCallFailed         EventKind = "call.failed"
	KindMediaStreamStarted EventKind = "media.stream.started"
	KindMediaStreamStopped EventKind = "media.stream.stopped"
	KindDtmfReceived       EventKind = "dtmf.received"
)

// AllEventKinds 返回全部事件类型
func AllEventKinds() []EventKind {
	return []EventKind{
		KindSmsInbound, KindSmsDelivered, KindSmsFailed,
		KindMmsInbound, KindMmsDelivered,
		KindCallInbound, KindCallAnswered, KindCallHangup, KindCallFailed,
		KindMediaStreamStarted, KindMediaStreamStopped,
		KindDtmfReceived,
	}
}

// Direction 通话方向
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallState 通话状态
type CallState int

// 定义通话状态常量
const (
	CallStateRinging CallState = iota
	CallStateDialing
	CallStateAnswered
	CallStateStreaming
	CallStateEnded
	CallStateFailed
)

var callStateNames = map[CallState]string{
	CallStateRinging:   "ringing",
	CallStateDialing:   "dialing",
	CallStateAnswered:  "answered",
	CallStateStreaming: "streaming",
	CallStateEnded:     "ended",
	CallStateFailed:    "failed",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

// IsTerminal 是否为终止状态
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// MessageResult 短信发送结果
type MessageResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CallOptions 外呼选项
type CallOptions struct {
	From           string        // 主叫号码，为空时使用配置的默认号码
	Timeout        time.Duration // 振铃超时
	StatusCallback string        // 状态回调地址
	MachineDetect  bool          // 是否开启答录机检测
}

// AudioFrameSize 20ms μ-law 8kHz 帧大小
const AudioFrameSize = 160
