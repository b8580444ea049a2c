package telco

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ai_telco_bridge/internal/audio"
	"ai_telco_bridge/internal/call"
	"ai_telco_bridge/internal/dtmf"
	"ai_telco_bridge/internal/media"
	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/normalize"
	"ai_telco_bridge/internal/provider"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

// Config 服务配置
type Config struct {
	Registry        call.RegistryConfig
	Media           media.Config
	Voice           voice.Options // StartVoiceConversation 未指定的选项取这里的值
	DTMF            dtmf.Table    // 为 nil 时使用默认按键表
	EventBuffer     int           // 订阅者默认缓冲
	DispatchWorkers int           // 事件处理协程数，同一通话的事件总由同一协程处理
	QueueSize       int           // 每个处理协程的队列长度
}

var _ Port = (*Service)(nil)

var (
	errServiceNotStarted = errors.New("服务未启动")
	errServiceStopped    = errors.New("服务已停止")
)

// Service 电信能力接口的实现
type Service struct {
	config      Config
	carrier     provider.Carrier
	dialer      voice.Dialer
	normalizers *normalize.Registry
	mapper      *dtmf.Mapper
	registry    *call.Registry
	relay       *media.Relay
	hub         *hub
	logger      *zap.Logger
	metrics     *metrics.Collector

	queues []chan job

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	streamMu  sync.Mutex
	streaming map[string]bool // 运营商侧已开启媒体流的通话
}

type job struct {
	event types.NormalizedEvent
	done  chan error
}

// New 创建服务，dialer 为 nil 时不支持语音会话
func New(config Config, carrier provider.Carrier, dialer voice.Dialer, logger *zap.Logger, collector *metrics.Collector) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DispatchWorkers <= 0 {
		config.DispatchWorkers = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 128
	}
	if config.Media.FrameInterval <= 0 {
		config.Media.FrameInterval = 20 * time.Millisecond
	}

	s := &Service{
		config:      config,
		carrier:     carrier,
		dialer:      dialer,
		normalizers: normalize.NewRegistry(nil),
		mapper:      dtmf.NewMapper(config.DTMF),
		logger:      logger.With(zap.String("component", "telco")),
		metrics:     collector,
		streaming:   make(map[string]bool),
	}
	s.hub = newHub(config.EventBuffer, s.logger, collector)

	regConfig := config.Registry
	hook := regConfig.OnTransition
	regConfig.OnTransition = func(t call.Transition) {
		s.onTransition(t)
		if hook != nil {
			hook(t)
		}
	}
	s.registry = call.NewRegistry(regConfig, logger, collector)
	s.relay = media.NewRelay(config.Media, s.registry, s.mapper, s, logger, collector)

	s.queues = make([]chan job, config.DispatchWorkers)
	for i := range s.queues {
		s.queues[i] = make(chan job, config.QueueSize)
	}
	return s
}

// Start 连接运营商并启动事件处理，ctx 结束时后台协程随之退出
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("服务已启动")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.carrier.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("启动运营商连接失败: %w", err)
	}

	group, gctx := errgroup.WithContext(runCtx)
	for _, q := range s.queues {
		q := q
		group.Go(func() error {
			s.work(gctx, q)
			return nil
		})
	}
	group.Go(func() error {
		return s.registry.Run(gctx)
	})
	if events := s.carrier.Events(); events != nil {
		group.Go(func() error {
			s.consume(gctx, events)
			return nil
		})
	}

	s.ctx = gctx
	s.cancel = cancel
	s.group = group
	s.started = true
	s.logger.Info("电信服务已启动", zap.String("provider", string(s.carrier.Name())))
	return nil
}

// Stop 停止事件处理，结束全部通话并关闭运营商连接与订阅
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	group := s.group
	s.mu.Unlock()

	waited := make(chan error, 1)
	go func() { waited <- group.Wait() }()
	var err error
	select {
	case err = <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("等待事件处理退出超时: %w", ctx.Err())
	}

	s.registry.CloseAll("shutdown")
	s.relay.Close()
	if cerr := s.carrier.Close(); cerr != nil {
		s.logger.Warn("关闭运营商连接失败", zap.Error(cerr))
	}
	s.hub.close()
	s.logger.Info("电信服务已停止")
	return err
}

// ParseWebhook 转换回调载荷，失败时记录日志并返回 ErrUnrecognizedPayload
func (s *Service) ParseWebhook(p types.Provider, body []byte) (types.NormalizedEvent, error) {
	ev, err := s.normalizers.Normalize(p, body)
	if err != nil {
		s.metrics.RecordUnrecognized(string(p))
		s.logger.Warn("无法识别的回调载荷", zap.String("provider", string(p)), zap.Error(err))
		return types.NormalizedEvent{}, err
	}
	s.metrics.RecordEvent(string(ev.Provider), string(ev.Kind))
	return ev, nil
}

// HandleWebhook 转换回调并等待其按通话顺序处理完成
func (s *Service) HandleWebhook(ctx context.Context, p types.Provider, body []byte) (WebhookReply, error) {
	if p != s.carrier.Name() {
		s.metrics.RecordUnrecognized(string(p))
		return WebhookReply{}, &types.UnrecognizedPayloadError{Provider: p, Reason: "未启用的运营商"}
	}
	ev, err := s.ParseWebhook(p, body)
	if err != nil {
		return WebhookReply{}, err
	}

	done := make(chan error, 1)
	runCtx, err := s.enqueue(ctx, job{event: ev, done: done})
	if err != nil {
		return WebhookReply{}, err
	}
	select {
	case err = <-done:
	case <-ctx.Done():
		return WebhookReply{}, ctx.Err()
	case <-runCtx.Done():
		return WebhookReply{}, errServiceStopped
	}
	if err != nil {
		return WebhookReply{}, err
	}

	contentType, reply := s.carrier.WebhookReply(ev)
	return WebhookReply{ContentType: contentType, Body: reply}, nil
}

// enqueue 按通话ID（短信按消息ID）选择处理协程，返回服务的运行 ctx
func (s *Service) enqueue(ctx context.Context, j job) (context.Context, error) {
	s.mu.Lock()
	runCtx := s.ctx
	s.mu.Unlock()
	if runCtx == nil {
		return nil, errServiceNotStarted
	}

	key := j.event.CallID
	if key == "" {
		key = j.event.MessageID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	q := s.queues[h.Sum32()%uint32(len(s.queues))]

	select {
	case q <- j:
		return runCtx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-runCtx.Done():
		return nil, errServiceStopped
	}
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			err := s.apply(j.event)
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

// consume 处理运营商长连接推送的事件
func (s *Service) consume(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			ev, err := s.ParseWebhook(s.carrier.Name(), raw)
			if err != nil {
				continue
			}
			if _, err := s.enqueue(ctx, job{event: ev}); err != nil {
				return
			}
		}
	}
}

// apply 把标准化事件作用到会话并通知订阅者
//
// 找不到会话或会话已结束的通话事件只记录日志，不作为错误返回给运营商。
func (s *Service) apply(ev types.NormalizedEvent) error {
	logger := s.logger.With(zap.String("kind", string(ev.Kind)), zap.String("call_id", ev.CallID))

	switch p := ev.Payload.(type) {
	case types.CallPayload:
		if ev.Kind == types.KindCallInbound {
			direction := p.Direction
			if direction == "" {
				direction = types.DirectionInbound
			}
			_, err := s.registry.Create(call.Params{
				CallID:    p.CallID,
				Provider:  ev.Provider,
				Direction: direction,
				From:      p.From,
				To:        p.To,
			})
			if errors.Is(err, call.ErrSessionExists) {
				logger.Debug("重复的来电事件")
				return nil
			}
			if err != nil {
				return err
			}
			s.hub.publish(CallReceived{Call: p, At: ev.OccurredAt})
			return nil
		}
		sess, err := s.registry.Get(p.CallID)
		if err != nil {
			logger.Warn("应答事件没有对应的通话会话")
			return nil
		}
		if err := sess.MarkAnswered(); err != nil {
			logger.Debug("忽略应答事件", zap.Error(err))
		}

	case types.HangupPayload:
		sess, err := s.registry.Get(p.CallID)
		if err != nil {
			logger.Debug("挂断事件没有对应的通话会话")
			return nil
		}
		if ev.Kind == types.KindCallFailed {
			err = sess.Fail(p.Cause, &types.ProviderError{
				Provider: ev.Provider,
				Op:       "call",
				Code:     p.Cause,
				Message:  "运营商上报通话失败",
			})
		} else {
			err = sess.RemoteHangup(p.Cause)
		}
		if err != nil {
			logger.Debug("会话已结束", zap.Error(err))
		}

	case types.DtmfPayload:
		s.PlaybackControl(p.CallID, s.mapper.Map(p.Digit))

	case types.StreamPayload:
		logger.Info("运营商媒体流状态变更", zap.String("stream_id", p.StreamID))
		if ev.Kind == types.KindMediaStreamStopped {
			s.setStreaming(p.CallID, false)
		}

	case types.MessagePayload:
		s.hub.publish(SmsReceived{Message: p, MMS: ev.Kind == types.KindMmsInbound, At: ev.OccurredAt})

	case types.DeliveryPayload:
		s.hub.publish(MessageStatus{Delivery: p, Kind: ev.Kind, At: ev.OccurredAt})
	}
	return nil
}

// onTransition 在会话锁内调用，只发布事件
func (s *Service) onTransition(t call.Transition) {
	now := time.Now()
	switch {
	case t.To == types.CallStateAnswered && (t.From == types.CallStateRinging || t.From == types.CallStateDialing):
		s.hub.publish(CallAnswered{CallID: t.CallID, Direction: t.Direction, At: now})
	case t.To.IsTerminal():
		s.setStreaming(t.CallID, false)
		s.hub.publish(CallEnded{CallID: t.CallID, State: t.To, Cause: t.Cause, Failure: t.Failure, At: now})
	}
}

// SendSMS 发送短信
func (s *Service) SendSMS(ctx context.Context, to, body string) (types.MessageResult, error) {
	if to == "" {
		return types.MessageResult{}, errors.New("接收号码不能为空")
	}
	return s.carrier.SendMessage(ctx, to, body, "")
}

// SendMMS 发送彩信
func (s *Service) SendMMS(ctx context.Context, to, body, mediaURL string) (types.MessageResult, error) {
	if to == "" || mediaURL == "" {
		return types.MessageResult{}, errors.New("接收号码与媒体地址不能为空")
	}
	return s.carrier.SendMessage(ctx, to, body, mediaURL)
}

// InitiateCall 发起外呼，运营商受理后创建 Dialing 状态的会话
func (s *Service) InitiateCall(ctx context.Context, to string, opts types.CallOptions) (call.Info, error) {
	if to == "" {
		return call.Info{}, errors.New("被叫号码不能为空")
	}
	callID, err := s.carrier.Dial(ctx, to, opts)
	if err != nil {
		return call.Info{}, err
	}
	sess, err := s.registry.Create(call.Params{
		CallID:    callID,
		Provider:  s.carrier.Name(),
		Direction: types.DirectionOutbound,
		From:      opts.From,
		To:        to,
	})
	if err != nil && !errors.Is(err, call.ErrSessionExists) {
		return call.Info{}, err
	}
	return sess.Info(), nil
}

// AnswerCall 应答
func (s *Service) AnswerCall(ctx context.Context, callID string) error {
	sess, err := s.registry.Get(callID)
	if err != nil {
		return err
	}
	return sess.Answer(ctx, func(ctx context.Context) error {
		return s.carrier.Answer(ctx, callID)
	})
}

// Hangup 挂断，会话先在本地结束，运营商调用的错误随后返回
func (s *Service) Hangup(ctx context.Context, callID string) error {
	sess, err := s.registry.Get(callID)
	if err != nil {
		return err
	}
	return sess.Hangup(ctx, func(ctx context.Context) error {
		return s.carrier.Hangup(ctx, callID)
	})
}

// StreamAudio 向通话播放音频，src 的所有权转移给服务，失败时已关闭
//
// 运营商侧媒体流在会话 pending 期间开启，期间挂断会取消该调用并返回 ErrSessionTerminated。
func (s *Service) StreamAudio(ctx context.Context, callID string, src audio.Source) error {
	sess, err := s.registry.Get(callID)
	if err != nil {
		_ = src.Close()
		return err
	}
	if _, err := sess.AttachPlayback(ctx, src, s.streamStarter(callID)); err != nil {
		s.dropStreamIfEnded(sess)
		return err
	}
	s.relay.Follow(sess)
	return nil
}

// StopAudio 卸载当前音频并停止运营商媒体流，未挂载时为空操作
func (s *Service) StopAudio(ctx context.Context, callID string) error {
	sess, err := s.registry.Get(callID)
	if err != nil {
		return err
	}
	if err := sess.Detach(); err != nil {
		return err
	}
	if !s.setStreaming(callID, false) {
		return nil
	}
	return s.carrier.StopStream(ctx, callID)
}

// StartVoiceConversation 为通话建立语音会话，已挂载的音频被替换
//
// 返回的会话用于发送文本与打断；其事件由媒体转发消费，经订阅以 VoiceEvent 送出。
func (s *Service) StartVoiceConversation(ctx context.Context, callID string, opts voice.Options) (*voice.Session, error) {
	if s.dialer == nil {
		return nil, fmt.Errorf("未配置语音后端: %w", types.ErrUnsupported)
	}
	sess, err := s.registry.Get(callID)
	if err != nil {
		return nil, err
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = s.config.Voice.OpTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = s.config.Voice.MaxPending
	}
	route, err := sess.AttachVoice(ctx, func(ctx context.Context) (*voice.Session, error) {
		return voice.Open(ctx, s.dialer, callID, opts, s.logger)
	}, s.streamStarter(callID))
	if err != nil {
		s.dropStreamIfEnded(sess)
		return nil, err
	}
	s.relay.Follow(sess)
	return route.Voice, nil
}

// Voice 通话当前挂载的语音会话，未挂载时返回 InvalidTransitionError
func (s *Service) Voice(callID string) (*voice.Session, error) {
	sess, err := s.registry.Get(callID)
	if err != nil {
		return nil, err
	}
	if route := sess.CurrentRoute(); route != nil && route.Voice != nil {
		return route.Voice, nil
	}
	state := sess.State()
	if state.IsTerminal() {
		return nil, fmt.Errorf("%w: call=%s", types.ErrSessionTerminated, callID)
	}
	return nil, &types.InvalidTransitionError{CallID: callID, From: state, Action: "voice"}
}

// ControlPlayback 对当前播放执行控制动作，pause 在暂停与继续之间切换
func (s *Service) ControlPlayback(callID string, action dtmf.PlaybackAction) error {
	sess, err := s.registry.Get(callID)
	if err != nil {
		return err
	}
	if action.Type == dtmf.ActionStop {
		return s.StopAudio(context.Background(), callID)
	}

	route := sess.CurrentRoute()
	if route == nil || route.Playback == nil {
		if state := sess.State(); state.IsTerminal() {
			return fmt.Errorf("%w: call=%s", types.ErrSessionTerminated, callID)
		}
		return &types.InvalidTransitionError{CallID: callID, From: sess.State(), Action: "controlPlayback"}
	}
	ctl, ok := route.Playback.(audio.Controller)
	if !ok {
		return fmt.Errorf("音频源不支持播放控制: %w", types.ErrUnsupported)
	}

	framesPerSecond := int(time.Second / s.config.Media.FrameInterval)
	switch action.Type {
	case dtmf.ActionRewind:
		ctl.Seek(-action.Seconds * framesPerSecond)
	case dtmf.ActionFastForward:
		ctl.Seek(action.Seconds * framesPerSecond)
	case dtmf.ActionPause:
		if ctl.Paused() {
			ctl.Resume()
		} else {
			ctl.Pause()
		}
	case dtmf.ActionResume:
		ctl.Resume()
	default:
		return fmt.Errorf("未知的播放控制 %q: %w", action.Raw, types.ErrUnsupported)
	}
	return nil
}

// Call 通话快照
func (s *Service) Call(callID string) (call.Info, error) {
	sess, err := s.registry.Get(callID)
	if err != nil {
		return call.Info{}, err
	}
	return sess.Info(), nil
}

// Calls 全部通话快照
func (s *Service) Calls() []call.Info {
	return s.registry.List()
}

// ActiveCalls 未结束的通话数
func (s *Service) ActiveCalls() int {
	return s.registry.Active()
}

// ServeMedia 服务运营商媒体连接
func (s *Service) ServeMedia(w http.ResponseWriter, r *http.Request, callID string) {
	s.relay.ServeWS(w, r, callID)
}

// Subscribe 订阅事件
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	return s.hub.subscribe(buffer)
}

// PlaybackControl 发布按键映射出的播放控制动作
func (s *Service) PlaybackControl(callID string, action dtmf.PlaybackAction) {
	s.hub.publish(PlaybackControl{CallID: callID, Action: action, At: time.Now()})
}

// VoiceEvent 发布语音会话事件
func (s *Service) VoiceEvent(callID string, ev voice.Event) {
	if ev.Type == voice.EventResponseAudio {
		return
	}
	s.hub.publish(VoiceEvent{CallID: callID, Event: ev, At: time.Now()})
}

// streamStarter 返回在会话 pending 期间开启媒体流的函数，挂断会取消其中的运营商调用
func (s *Service) streamStarter(callID string) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.ensureStream(ctx, callID)
	}
}

// dropStreamIfEnded 会话在开启媒体流期间结束时清除标记
func (s *Service) dropStreamIfEnded(sess *call.Session) {
	if sess.State().IsTerminal() {
		s.setStreaming(sess.ID(), false)
	}
}

// ensureStream 运营商侧尚未开启媒体流时开启
func (s *Service) ensureStream(ctx context.Context, callID string) error {
	s.streamMu.Lock()
	active := s.streaming[callID]
	s.streamMu.Unlock()
	if active {
		return nil
	}
	if err := s.carrier.StartStream(ctx, callID); err != nil {
		return err
	}
	s.setStreaming(callID, true)
	return nil
}

// setStreaming 设置媒体流标记，返回之前的值
func (s *Service) setStreaming(callID string, on bool) bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	prev := s.streaming[callID]
	if on {
		s.streaming[callID] = true
	} else {
		delete(s.streaming, callID)
	}
	return prev
}
