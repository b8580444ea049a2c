// Package voice 管理通话与 AI 语音后端之间的语音会话
package voice

import (
	"context"
	"errors"
)

// BackendEventType 后端事件类型
type BackendEventType string

const (
	BackendTranscript      BackendEventType = "transcript"
	BackendResponseStarted BackendEventType = "response.started"
	BackendResponseText    BackendEventType = "response.text"
	BackendResponseAudio   BackendEventType = "response.audio"
	BackendSpeechStarted   BackendEventType = "speech.started"
	BackendError           BackendEventType = "error"
)

// BackendEvent 后端上报的原始事件
type BackendEvent struct {
	Type  BackendEventType
	Text  string
	Final bool
	Audio []byte
	Err   error
}

// Backend 语音后端连接（语音识别、对话、语音合成）
//
// 实现必须允许并发调用 Send*；Events 在连接断开后关闭。
type Backend interface {
	SendAudio(ctx context.Context, chunk []byte) error
	SendText(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	Events() <-chan BackendEvent
	Close() error
}

// Dialer 为通话建立后端连接
type Dialer interface {
	Dial(ctx context.Context, callID string) (Backend, error)
}

// ErrBackendGone 后端连接意外断开
var ErrBackendGone = errors.New("语音后端连接已断开")
