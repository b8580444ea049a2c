package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/types"
)

// EventType 语音会话事件类型
type EventType string

const (
	EventTranscript    EventType = "transcript"
	EventResponseText  EventType = "response.text"
	EventResponseAudio EventType = "response.audio"
	EventInterruption  EventType = "interruption"
	EventError         EventType = "error"
)

// Event 语音会话事件
type Event struct {
	Type  EventType
	Text  string
	Final bool
	Audio []byte
	Err   error
}

// Options 语音会话选项
type Options struct {
	Interruptible bool          // 用户开口时自动打断当前回复
	OpTimeout     time.Duration // 单次后端调用超时
	MaxPending    int           // 待投递事件上限
}

const (
	defaultOpTimeout  = 5 * time.Second
	defaultMaxPending = 256
)

// Session 一次通话对应的语音会话
//
// 所有后端事件经同一个分发协程按到达顺序投递到 Events()。
// 输出通道无缓冲，事件只有在被消费时才离开待投递队列，
// 因此 Interrupt 之后不会再投递打断前那一轮的回复音频。
type Session struct {
	id      string
	callID  string
	backend Backend
	opts    Options
	logger  *zap.Logger

	events      chan Event
	interruptCh chan chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// Open 拨号并创建语音会话
func Open(ctx context.Context, dialer Dialer, callID string, opts Options, logger *zap.Logger) (*Session, error) {
	backend, err := dialer.Dial(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("连接语音后端失败: %w", err)
	}
	return NewSession(callID, backend, opts, logger), nil
}

// NewSession 在已建立的后端连接上创建语音会话
func NewSession(callID string, backend Backend, opts Options, logger *zap.Logger) *Session {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	s := &Session{
		id:          id,
		callID:      callID,
		backend:     backend,
		opts:        opts,
		logger:      logger.With(zap.String("component", "voice"), zap.String("call_id", callID), zap.String("voice_session", id)),
		events:      make(chan Event),
		interruptCh: make(chan chan struct{}),
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// ID 会话ID
func (s *Session) ID() string { return s.id }

// CallID 所属通话
func (s *Session) CallID() string { return s.callID }

// Events 事件流，会话关闭后关闭
func (s *Session) Events() <-chan Event { return s.events }

// SendAudio 发送来电方音频
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.closed.Load() {
		return types.ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.backend.SendAudio(ctx, chunk); err != nil {
		if s.closed.Load() {
			return types.ErrSessionClosed
		}
		return fmt.Errorf("发送音频失败: %w", err)
	}
	return nil
}

// SendText 发送文本输入
func (s *Session) SendText(ctx context.Context, text string) error {
	if s.closed.Load() {
		return types.ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.backend.SendText(ctx, text); err != nil {
		if s.closed.Load() {
			return types.ErrSessionClosed
		}
		return fmt.Errorf("发送文本失败: %w", err)
	}
	return nil
}

// Interrupt 打断当前回复
//
// 返回时已排队的回复音频均已丢弃，Interruption 事件排在下一段回复音频之前。
// 随后通知后端取消生成。
func (s *Session) Interrupt(ctx context.Context) error {
	if s.closed.Load() {
		return types.ErrSessionClosed
	}
	ack := make(chan struct{})
	select {
	case s.interruptCh <- ack:
	case <-s.done:
		return types.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ack

	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.backend.Interrupt(ctx); err != nil {
		return fmt.Errorf("通知后端打断失败: %w", err)
	}
	return nil
}

// Close 关闭会话并释放后端连接，重复调用无副作用
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.backend.Close()
		s.wg.Wait()
		s.logger.Debug("语音会话已关闭")
	})
	return err
}

// Closed 会话是否已关闭
func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.events)

	var pending []Event
	interrupted := false
	in := s.backend.Events()

	interrupt := func() {
		kept := pending[:0]
		for _, ev := range pending {
			if ev.Type != EventResponseAudio {
				kept = append(kept, ev)
			}
		}
		pending = append(kept, Event{Type: EventInterruption})
		interrupted = true
	}

	push := func(ev Event) {
		if len(pending) >= s.opts.MaxPending {
			dropAt := 0
			for i, p := range pending {
				if p.Type == EventResponseAudio {
					dropAt = i
					break
				}
			}
			s.logger.Warn("待投递事件过多，丢弃最早的事件", zap.String("type", string(pending[dropAt].Type)))
			pending = append(pending[:dropAt], pending[dropAt+1:]...)
		}
		pending = append(pending, ev)
	}

	for {
		var out chan Event
		var next Event
		if len(pending) > 0 {
			out = s.events
			next = pending[0]
		}

		select {
		case <-s.done:
			return

		case ack := <-s.interruptCh:
			interrupt()
			close(ack)

		case out <- next:
			pending = pending[1:]

		case be, ok := <-in:
			if !ok {
				in = nil
				if !s.closed.Load() {
					push(Event{Type: EventError, Err: ErrBackendGone})
				}
				continue
			}
			switch be.Type {
			case BackendResponseStarted:
				interrupted = false
			case BackendResponseAudio:
				if interrupted {
					continue
				}
				push(Event{Type: EventResponseAudio, Audio: be.Audio})
			case BackendResponseText:
				if interrupted {
					continue
				}
				push(Event{Type: EventResponseText, Text: be.Text})
			case BackendTranscript:
				push(Event{Type: EventTranscript, Text: be.Text, Final: be.Final})
			case BackendSpeechStarted:
				if s.opts.Interruptible && !interrupted {
					interrupt()
					s.cancelBackendResponse()
				}
			case BackendError:
				push(Event{Type: EventError, Err: be.Err})
			default:
				s.logger.Debug("忽略未知的后端事件", zap.String("type", string(be.Type)))
			}
		}
	}
}

// cancelBackendResponse 异步通知后端取消当前回复
func (s *Session) cancelBackendResponse() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
		defer cancel()
		if err := s.backend.Interrupt(ctx); err != nil && !s.closed.Load() {
			s.logger.Warn("通知后端打断失败", zap.Error(err))
		}
	}()
}
