package types

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	ErrUnrecognizedPayload = errors.New("无法识别的事件载荷")
	ErrInvalidTransition   = errors.New("非法的状态转换")
	ErrSessionNotFound     = errors.New("通话会话不存在")
	ErrSessionTerminated   = errors.New("通话会话已结束")
	ErrSessionClosed       = errors.New("语音会话已关闭")
	ErrSessionBusy         = errors.New("通话会话有进行中的操作，请稍后重试")
	ErrTransportRejected   = errors.New("媒体连接被拒绝")
	ErrUnsupported         = errors.New("运营商不支持该操作")
)

// WebSocket 关闭码（4000-4999 为应用自定义区间）
const (
	CloseNoSession = 4404 // 无对应通话会话
	CloseNoSink    = 4409 // 通话尚未挂载音频
	CloseCallEnded = 4410 // 通话已结束
	CloseReplaced  = 4411 // 被新的媒体连接替换
)

// UnrecognizedPayloadError 载荷无法识别
type UnrecognizedPayloadError struct {
	Provider Provider
	Reason   string
}

func (e *UnrecognizedPayloadError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrUnrecognizedPayload, e.Provider, e.Reason)
}

func (e *UnrecognizedPayloadError) Is(target error) bool {
	return target == ErrUnrecognizedPayload
}

// InvalidTransitionError 状态转换非法
type InvalidTransitionError struct {
	CallID string
	From   CallState
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: call=%s state=%s action=%s", ErrInvalidTransition, e.CallID, e.From, e.Action)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ProviderError 运营商调用失败
type ProviderError struct {
	Provider  Provider
	Op        string
	Code      string
	Status    int
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s 调用失败", e.Provider, e.Op)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TransportRejectedError 媒体连接被拒绝
type TransportRejectedError struct {
	CallID string
	Code   int
	Reason string
}

func (e *TransportRejectedError) Error() string {
	return fmt.Sprintf("%s: call=%s code=%d %s", ErrTransportRejected, e.CallID, e.Code, e.Reason)
}

func (e *TransportRejectedError) Is(target error) bool {
	return target == ErrTransportRejected
}

// IsRetryable 调用方是否可以退避重试
func IsRetryable(err error) bool {
	if errors.Is(err, ErrSessionBusy) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
