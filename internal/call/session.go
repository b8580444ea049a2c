// Package call 管理通话会话的状态机与会话注册表
//
// 状态转换在会话互斥锁内完成；音频帧投递只读取原子发布的 Route，
// 不经过状态锁，写出时也不持有任何会话锁。每个 Route 带一道闸门：
// 投递在闸门读锁内校验 Route 未退役再写出；替换去向时旧 Route 先退役，
// 再等待闸门内的写出结束，因此替换返回之后不会再有帧送到旧的去向。
// 通话结束时旧 Route 只退役不等待，媒体连接随即关闭。
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ai_telco_bridge/internal/audio"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

var (
	// ErrNoSink 通话当前没有音频去向
	ErrNoSink = errors.New("通话没有挂载音频")
	// ErrStaleRoute 投递方持有的 Route 已被替换
	ErrStaleRoute = errors.New("音频去向已变更")
	// ErrNoTransport 通话当前没有媒体连接
	ErrNoTransport = errors.New("通话没有媒体连接")
)

// Transport 运营商侧的媒体连接
type Transport interface {
	SendFrame(ctx context.Context, frame []byte) error
	Clear(ctx context.Context) error
	Close(code int, reason string) error
}

// Route 通话当前的音频去向，Voice 与 Playback 至多一个非空
type Route struct {
	Voice    *voice.Session
	Playback audio.Source

	gate    sync.RWMutex
	retired atomic.Bool
}

// enter 进入闸门，Route 已退役时返回 false
func (r *Route) enter() bool {
	r.gate.RLock()
	if r.retired.Load() {
		r.gate.RUnlock()
		return false
	}
	return true
}

func (r *Route) leave() { r.gate.RUnlock() }

// release 退役并关闭音频去向，drain 为真时先等待闸门内的投递结束
func (r *Route) release(logger *zap.Logger, drain bool) {
	if r == nil {
		return
	}
	r.retired.Store(true)
	if drain {
		r.gate.Lock()
		defer r.gate.Unlock()
	}
	if r.Voice != nil {
		if err := r.Voice.Close(); err != nil {
			logger.Warn("关闭语音会话失败", zap.Error(err))
		}
	}
	if r.Playback != nil {
		if err := r.Playback.Close(); err != nil {
			logger.Warn("关闭音频源失败", zap.Error(err))
		}
	}
}

// Params 新建会话参数
type Params struct {
	CallID    string
	Provider  types.Provider
	Direction types.Direction
	From      string
	To        string
}

// Info 会话快照
type Info struct {
	CallID    string          `json:"call_id"`
	Provider  types.Provider  `json:"provider"`
	Direction types.Direction `json:"direction"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	State     string          `json:"state"`
	Pending   string          `json:"pending,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Cause     string          `json:"cause,omitempty"`
	Failure   string          `json:"failure,omitempty"`
}

// Transition 一次状态变更，终止状态附带原因
type Transition struct {
	CallID    string
	Provider  types.Provider
	Direction types.Direction
	From      types.CallState
	To        types.CallState
	Cause     string
	Failure   error
}

// Session 通话会话
type Session struct {
	params    Params
	createdAt time.Time
	clock     func() time.Time
	logger    *zap.Logger
	observe   func(Transition)

	mu            sync.Mutex
	state         types.CallState
	pending       string
	cancelPending context.CancelFunc
	failure       error
	cause         string
	endedAt       time.Time
	done          chan struct{}

	routeMu   sync.RWMutex
	route     atomic.Pointer[Route]
	transport Transport
	changed   chan struct{}
}

func newSession(p Params, clock func() time.Time, logger *zap.Logger, observe func(Transition)) *Session {
	initial := types.CallStateRinging
	if p.Direction == types.DirectionOutbound {
		initial = types.CallStateDialing
	}
	return &Session{
		params:    p,
		createdAt: clock(),
		clock:     clock,
		logger:    logger.With(zap.String("call_id", p.CallID)),
		observe:   observe,
		state:     initial,
		done:      make(chan struct{}),
		changed:   make(chan struct{}),
	}
}

// ID 通话ID
func (s *Session) ID() string { return s.params.CallID }

// Provider 所属运营商
func (s *Session) Provider() types.Provider { return s.params.Provider }

// State 当前状态
func (s *Session) State() types.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure 进入 Failed 的原因
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Done 会话进入终止状态时关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Info 返回会话快照
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		CallID:    s.params.CallID,
		Provider:  s.params.Provider,
		Direction: s.params.Direction,
		From:      s.params.From,
		To:        s.params.To,
		State:     s.state.String(),
		Pending:   s.pending,
		CreatedAt: s.createdAt,
		EndedAt:   s.endedAt,
		Cause:     s.cause,
	}
	if s.failure != nil {
		info.Failure = s.failure.Error()
	}
	return info
}

// Answer 应答来电或外呼，remote 在锁外执行运营商调用
//
// 调用期间会话处于 pending，并发命令收到 ErrSessionBusy。
// 不可重试的运营商错误使会话进入 Failed。
func (s *Session) Answer(ctx context.Context, remote func(context.Context) error) error {
	opCtx, err := s.begin(ctx, "answer", types.CallStateRinging, types.CallStateDialing)
	if err != nil {
		return err
	}

	var rerr error
	if remote != nil {
		rerr = remote(opCtx)
	}

	s.mu.Lock()
	s.finish()
	if s.state.IsTerminal() {
		err := s.terminatedErr()
		s.mu.Unlock()
		return err
	}
	if rerr != nil {
		if types.IsRetryable(rerr) {
			s.mu.Unlock()
			return rerr
		}
		release := s.teardown(types.CallStateFailed, "answer_failed", rerr)
		s.mu.Unlock()
		release()
		return rerr
	}
	if s.state == types.CallStateRinging || s.state == types.CallStateDialing {
		s.transition(types.CallStateAnswered)
	}
	s.mu.Unlock()
	return nil
}

// MarkAnswered 处理运营商上报的应答，已应答时为空操作
func (s *Session) MarkAnswered() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case types.CallStateRinging, types.CallStateDialing:
		s.transition(types.CallStateAnswered)
		return nil
	case types.CallStateAnswered, types.CallStateStreaming:
		return nil
	default:
		return s.terminatedErr()
	}
}

// AttachVoice 挂载语音会话，open 在锁外建立后端连接
//
// 已挂载的音频会被替换并关闭。prepare 在新去向发布之后、pending 结束之前执行，
// 用于开启运营商侧媒体流，可为 nil。期间挂断会取消 open 与 prepare，
// 新建的语音会话随之关闭并返回 ErrSessionTerminated。
func (s *Session) AttachVoice(ctx context.Context, open func(context.Context) (*voice.Session, error), prepare func(context.Context) error) (*Route, error) {
	opCtx, err := s.begin(ctx, "attachVoice", types.CallStateAnswered, types.CallStateStreaming)
	if err != nil {
		return nil, err
	}

	vs, oerr := open(opCtx)
	if oerr != nil {
		s.mu.Lock()
		s.finish()
		if s.state.IsTerminal() {
			oerr = s.terminatedErr()
		}
		s.mu.Unlock()
		if vs != nil {
			_ = vs.Close()
		}
		return nil, oerr
	}

	route := &Route{Voice: vs}
	if err := s.attach(opCtx, route, prepare); err != nil {
		return nil, err
	}
	return route, nil
}

// AttachPlayback 挂载播放音频源，src 的所有权转移给会话，失败时已关闭
//
// prepare 的含义同 AttachVoice。
func (s *Session) AttachPlayback(ctx context.Context, src audio.Source, prepare func(context.Context) error) (*Route, error) {
	opCtx, err := s.begin(ctx, "attachPlayback", types.CallStateAnswered, types.CallStateStreaming)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	route := &Route{Playback: src}
	if err := s.attach(opCtx, route, prepare); err != nil {
		return nil, err
	}
	return route, nil
}

// attach 在 pending 期间发布 route 并执行 prepare，调用方已 begin
//
// prepare 失败时撤下 route 回到 Answered；会话在此期间结束时返回 ErrSessionTerminated。
func (s *Session) attach(opCtx context.Context, route *Route, prepare func(context.Context) error) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		err := s.terminatedErr()
		s.finish()
		s.mu.Unlock()
		route.release(s.logger, false)
		return err
	}
	old := s.publish(route)
	if s.state == types.CallStateAnswered {
		s.transition(types.CallStateStreaming)
	}
	s.mu.Unlock()
	old.release(s.logger, true)

	var perr error
	if prepare != nil {
		perr = prepare(opCtx)
	}

	s.mu.Lock()
	s.finish()
	if s.state.IsTerminal() {
		err := s.terminatedErr()
		s.mu.Unlock()
		return err
	}
	if perr == nil {
		s.mu.Unlock()
		return nil
	}
	var current *Route
	if s.route.Load() == route {
		current = s.publish(nil)
		s.transition(types.CallStateAnswered)
	}
	s.mu.Unlock()
	current.release(s.logger, true)
	return perr
}

// Detach 卸载当前音频，已卸载时为空操作
func (s *Session) Detach() error {
	s.mu.Lock()
	if s.state == types.CallStateAnswered && s.pending == "" {
		s.mu.Unlock()
		return nil
	}
	if err := s.check("detachAudio", types.CallStateStreaming); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.publish(nil)
	s.transition(types.CallStateAnswered)
	s.mu.Unlock()

	old.release(s.logger, true)
	return nil
}

// DetachRoute 仅当 route 仍是当前去向时卸载，用于播放自然结束
func (s *Session) DetachRoute(route *Route) bool {
	s.mu.Lock()
	if s.state != types.CallStateStreaming || s.route.Load() != route {
		s.mu.Unlock()
		return false
	}
	old := s.publish(nil)
	s.transition(types.CallStateAnswered)
	s.mu.Unlock()

	old.release(s.logger, true)
	return true
}

// Hangup 本地挂断：取消进行中的运营商调用，立即拆除会话，再通知运营商
func (s *Session) Hangup(ctx context.Context, remote func(context.Context) error) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		err := s.terminatedErr()
		s.mu.Unlock()
		return err
	}
	release := s.teardown(types.CallStateEnded, "local_hangup", nil)
	s.mu.Unlock()
	release()

	if remote != nil {
		return remote(ctx)
	}
	return nil
}

// RemoteHangup 处理运营商上报的挂断
func (s *Session) RemoteHangup(cause string) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		err := s.terminatedErr()
		s.mu.Unlock()
		return err
	}
	s.logger.Debug("对端挂断", zap.String("cause", cause))
	release := s.teardown(types.CallStateEnded, cause, nil)
	s.mu.Unlock()
	release()
	return nil
}

// Fail 运营商错误使会话进入 Failed
func (s *Session) Fail(cause string, failure error) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		err := s.terminatedErr()
		s.mu.Unlock()
		return err
	}
	release := s.teardown(types.CallStateFailed, cause, failure)
	s.mu.Unlock()
	release()
	return nil
}

// BindTransport 绑定媒体连接，已有连接会以 CloseReplaced 关闭
//
// 返回的 unbind 仅在 t 仍是当前连接时解除绑定。
func (s *Session) BindTransport(t Transport) (unbind func(), err error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return nil, &types.TransportRejectedError{CallID: s.ID(), Code: types.CloseCallEnded, Reason: "通话已结束"}
	}
	if s.state != types.CallStateStreaming || s.route.Load() == nil {
		state := s.state
		s.mu.Unlock()
		return nil, &types.TransportRejectedError{CallID: s.ID(), Code: types.CloseNoSink, Reason: "通话尚未挂载音频: " + state.String()}
	}
	s.routeMu.Lock()
	old := s.transport
	s.transport = t
	s.notify()
	s.routeMu.Unlock()
	s.mu.Unlock()

	if old != nil {
		s.logger.Info("媒体连接被替换")
		_ = old.Close(types.CloseReplaced, "被新的媒体连接替换")
	}

	return func() {
		s.routeMu.Lock()
		defer s.routeMu.Unlock()
		if s.transport == t {
			s.transport = nil
			s.notify()
		}
	}, nil
}

// WatchRoute 返回当前去向、媒体连接，以及二者任一变化时关闭的通道
func (s *Session) WatchRoute() (*Route, Transport, <-chan struct{}) {
	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	return s.route.Load(), s.transport, s.changed
}

// CurrentRoute 当前音频去向
func (s *Session) CurrentRoute() *Route {
	return s.route.Load()
}

// DeliverInbound 把来电方音频送到当前语音会话，播放期间的来电方音频被丢弃
func (s *Session) DeliverInbound(ctx context.Context, frame []byte) error {
	r := s.route.Load()
	if r == nil {
		return ErrNoSink
	}
	if r.Voice == nil {
		return nil
	}
	if !r.enter() {
		return ErrStaleRoute
	}
	defer r.leave()
	return r.Voice.SendAudio(ctx, frame)
}

// DeliverOutbound 经媒体连接向来电方发送音频，owner 不是当前去向时返回 ErrStaleRoute
//
// 写出时不持有会话锁，挂断无需等待慢速的媒体连接。
func (s *Session) DeliverOutbound(ctx context.Context, owner *Route, frame []byte) error {
	if !owner.enter() {
		return ErrStaleRoute
	}
	defer owner.leave()
	t, err := s.outbound(owner)
	if err != nil {
		return err
	}
	return t.SendFrame(ctx, frame)
}

// ClearOutbound 清空运营商侧已缓冲的待播放音频
func (s *Session) ClearOutbound(ctx context.Context, owner *Route) error {
	if !owner.enter() {
		return ErrStaleRoute
	}
	defer owner.leave()
	t, err := s.outbound(owner)
	if err != nil {
		return err
	}
	return t.Clear(ctx)
}

// outbound 校验 owner 仍是当前去向并取出媒体连接
func (s *Session) outbound(owner *Route) (Transport, error) {
	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	if s.route.Load() != owner {
		return nil, ErrStaleRoute
	}
	if s.transport == nil {
		return nil, ErrNoTransport
	}
	return s.transport, nil
}

// begin 校验状态并进入 pending
func (s *Session) begin(ctx context.Context, action string, allowed ...types.CallState) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(action, allowed...); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.pending = action
	s.cancelPending = cancel
	return opCtx, nil
}

// finish 退出 pending，调用方持有 s.mu
func (s *Session) finish() {
	s.pending = ""
	if s.cancelPending != nil {
		s.cancelPending()
		s.cancelPending = nil
	}
}

// check 校验命令是否允许，调用方持有 s.mu
func (s *Session) check(action string, allowed ...types.CallState) error {
	if s.state.IsTerminal() {
		return s.terminatedErr()
	}
	if s.pending != "" {
		return fmt.Errorf("%w: call=%s pending=%s", types.ErrSessionBusy, s.ID(), s.pending)
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return &types.InvalidTransitionError{CallID: s.ID(), From: s.state, Action: action}
}

func (s *Session) terminatedErr() error {
	return fmt.Errorf("%w: call=%s state=%s", types.ErrSessionTerminated, s.ID(), s.state)
}

// transition 调用方持有 s.mu
func (s *Session) transition(to types.CallState) {
	from := s.state
	s.state = to
	s.logger.Debug("通话状态变更", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.observe != nil {
		s.observe(Transition{
			CallID:    s.params.CallID,
			Provider:  s.params.Provider,
			Direction: s.params.Direction,
			From:      from,
			To:        to,
			Cause:     s.cause,
			Failure:   s.failure,
		})
	}
}

// publish 原子替换音频去向，调用方持有 s.mu
func (s *Session) publish(r *Route) *Route {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	old := s.route.Swap(r)
	s.notify()
	return old
}

// notify 调用方持有 routeMu 写锁
func (s *Session) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// teardown 进入终止状态并摘除全部资源，返回的函数在锁外释放资源
func (s *Session) teardown(to types.CallState, cause string, failure error) func() {
	s.finish()
	s.cause = cause
	s.failure = failure
	s.endedAt = s.clock()
	s.transition(to)
	close(s.done)

	s.routeMu.Lock()
	old := s.route.Swap(nil)
	t := s.transport
	s.transport = nil
	s.notify()
	s.routeMu.Unlock()

	return func() {
		if t != nil {
			_ = t.Close(types.CloseCallEnded, "通话已结束")
		}
		old.release(s.logger, false)
	}
}

func (s *Session) endedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsTerminal() && s.endedAt.Before(t)
}
