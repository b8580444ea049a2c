// Package media 在运营商媒体连接与通话当前的音频去向之间转发实时音频帧
package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/call"
	"ai_telco_bridge/internal/dtmf"
	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

// Config 媒体转发配置
type Config struct {
	FrameInterval   time.Duration // 播放帧间隔
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.FrameInterval <= 0 {
		c.FrameInterval = 20 * time.Millisecond
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Observer 接收媒体转发过程中产生的上行事件
type Observer interface {
	PlaybackControl(callID string, action dtmf.PlaybackAction)
	VoiceEvent(callID string, ev voice.Event)
}

// Relay 媒体转发器
//
// 每条媒体连接一个读协程负责上行；每个通话一个下行泵，跟随会话的 Route 变化，
// 语音会话的应答音频与播放源的音频都经它写给运营商。
type Relay struct {
	config   Config
	registry *call.Registry
	mapper   *dtmf.Mapper
	observer Observer
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	pumps  map[*call.Session]struct{}
	conns  map[*wsTransport]struct{}
	closed bool
}

// NewRelay 创建媒体转发器
func NewRelay(config Config, registry *call.Registry, mapper *dtmf.Mapper, observer Observer, logger *zap.Logger, collector *metrics.Collector) *Relay {
	config.applyDefaults()
	if mapper == nil {
		mapper = dtmf.NewMapper(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		config:   config,
		registry: registry,
		mapper:   mapper,
		observer: observer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 运营商媒体连接不带浏览器 Origin
			},
		},
		logger:  logger.With(zap.String("component", "media_relay")),
		metrics: collector,
		ctx:     ctx,
		cancel:  cancel,
		pumps:   make(map[*call.Session]struct{}),
		conns:   make(map[*wsTransport]struct{}),
	}
}

// ServeWS 升级媒体连接并服务到连接结束
//
// 先完成升级再做准入检查，拒绝时以关闭码告知对端原因。
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request, callID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("升级媒体连接失败", zap.String("call_id", callID), zap.Error(err))
		return
	}
	t := newTransport(conn, r.config.WriteTimeout)

	if !r.track(t) {
		_ = t.Close(websocket.CloseGoingAway, "服务关闭中")
		return
	}
	defer r.untrack(t)

	sess, unbind, err := r.admit(callID, t)
	if err != nil {
		code := types.CloseNoSession
		var rejected *types.TransportRejectedError
		if errors.As(err, &rejected) {
			code = rejected.Code
		}
		r.metrics.RecordRejection(code)
		r.logger.Warn("拒绝媒体连接", zap.String("call_id", callID), zap.Int("code", code), zap.Error(err))
		_ = t.Close(code, err.Error())
		return
	}
	defer unbind()

	logger := r.logger.With(zap.String("call_id", callID))
	logger.Info("媒体连接已建立", zap.String("remote", req.RemoteAddr))

	_ = conn.SetReadDeadline(time.Now().Add(r.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.config.PongWait))
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.keepalive(t, logger)
	}()

	r.Follow(sess)
	r.readLoop(sess, t, logger)
	_ = t.Close(websocket.CloseNormalClosure, "")
	logger.Info("媒体连接已断开")
}

// admit 查找会话并绑定连接
func (r *Relay) admit(callID string, t *wsTransport) (*call.Session, func(), error) {
	sess, err := r.registry.Get(callID)
	if err != nil {
		return nil, nil, &types.TransportRejectedError{CallID: callID, Code: types.CloseNoSession, Reason: "通话会话不存在"}
	}
	unbind, err := sess.BindTransport(t)
	if err != nil {
		return nil, nil, err
	}
	return sess, unbind, nil
}

func (r *Relay) readLoop(sess *call.Session, t *wsTransport, logger *zap.Logger) {
	for {
		msg, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("读取媒体连接结束", zap.Error(err))
			}
			return
		}
		switch msg.Kind {
		case MessageAudio:
			r.metrics.RecordFrame("inbound")
			if err := sess.DeliverInbound(r.ctx, msg.Audio); err != nil && !errors.Is(err, call.ErrNoSink) {
				logger.Debug("上行音频投递失败", zap.Error(err))
			}
		case MessageDTMF:
			action := r.mapper.Map(msg.Digit)
			logger.Debug("收到带内按键", zap.String("digit", msg.Digit), zap.String("action", string(action.Type)))
			if r.observer != nil {
				r.observer.PlaybackControl(sess.ID(), action)
			}
		case MessageStart:
			logger.Info("媒体流开始", zap.String("stream_id", msg.StreamID))
		case MessageMark:
			logger.Debug("播放标记回执", zap.String("mark", msg.Mark))
		case MessageStop:
			logger.Info("媒体流结束", zap.String("stream_id", msg.StreamID))
			return
		}
	}
}

func (r *Relay) keepalive(t *wsTransport, logger *zap.Logger) {
	ticker := time.NewTicker(r.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := t.Ping(); err != nil {
				logger.Debug("发送心跳失败", zap.Error(err))
				return
			}
		}
	}
}

// Follow 为会话启动下行泵，同一会话至多一个，会话结束时退出
func (r *Relay) Follow(sess *call.Session) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.pumps[sess]; ok {
		r.mu.Unlock()
		return
	}
	r.pumps[sess] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pumps, sess)
			r.mu.Unlock()
		}()
		r.pump(sess)
	}()
}

func (r *Relay) pump(sess *call.Session) {
	logger := r.logger.With(zap.String("call_id", sess.ID()))
	for {
		route, t, changed := sess.WatchRoute()
		switch {
		case route != nil && route.Voice != nil:
			r.pumpVoice(sess, route, changed, logger)
			continue
		case route != nil && route.Playback != nil && t != nil:
			r.pumpPlayback(sess, route, changed, logger)
			continue
		}
		select {
		case <-changed:
		case <-sess.Done():
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// pumpVoice 转发语音会话事件，route 不再是当前去向时返回
func (r *Relay) pumpVoice(sess *call.Session, route *call.Route, changed <-chan struct{}, logger *zap.Logger) {
	events := route.Voice.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-changed:
			if sess.CurrentRoute() != route {
				return
			}
			_, _, changed = sess.WatchRoute()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !r.forwardVoice(sess, route, ev, logger) {
				return
			}
		}
	}
}

func (r *Relay) forwardVoice(sess *call.Session, route *call.Route, ev voice.Event, logger *zap.Logger) bool {
	switch ev.Type {
	case voice.EventResponseAudio:
		err := sess.DeliverOutbound(r.ctx, route, ev.Audio)
		switch {
		case err == nil:
			r.metrics.RecordFrame("outbound")
		case errors.Is(err, call.ErrStaleRoute):
			return false
		case errors.Is(err, call.ErrNoTransport):
			logger.Debug("没有媒体连接，丢弃应答音频")
		default:
			logger.Debug("下行音频发送失败", zap.Error(err))
		}
		return true
	case voice.EventInterruption:
		if err := sess.ClearOutbound(r.ctx, route); err != nil {
			if errors.Is(err, call.ErrStaleRoute) {
				return false
			}
			if !errors.Is(err, call.ErrNoTransport) {
				logger.Debug("清空下行音频失败", zap.Error(err))
			}
		}
	}
	if r.observer != nil {
		r.observer.VoiceEvent(sess.ID(), ev)
	}
	return true
}

// pumpPlayback 按帧间隔推送播放音频，播放结束时卸载 route
func (r *Relay) pumpPlayback(sess *call.Session, route *call.Route, changed <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(r.config.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-changed:
			if sess.CurrentRoute() != route {
				return
			}
			var t call.Transport
			_, t, changed = sess.WatchRoute()
			if t == nil {
				return
			}
		case <-ticker.C:
			frame, err := route.Playback.ReadFrame(r.ctx)
			if errors.Is(err, io.EOF) {
				if sess.DetachRoute(route) {
					logger.Info("播放结束")
				}
				return
			}
			if err != nil {
				logger.Debug("读取播放音频失败", zap.Error(err))
				select {
				case <-changed:
				case <-r.ctx.Done():
				}
				return
			}
			err = sess.DeliverOutbound(r.ctx, route, frame)
			switch {
			case err == nil:
				r.metrics.RecordFrame("outbound")
			case errors.Is(err, call.ErrStaleRoute), errors.Is(err, call.ErrNoTransport):
				return
			default:
				logger.Debug("下行音频发送失败", zap.Error(err))
			}
		}
	}
}

func (r *Relay) track(t *wsTransport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[t] = struct{}{}
	return true
}

func (r *Relay) untrack(t *wsTransport) {
	r.mu.Lock()
	delete(r.conns, t)
	r.mu.Unlock()
}

// Close 关闭全部媒体连接并等待所有协程退出
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*wsTransport, 0, len(r.conns))
	for t := range r.conns {
		conns = append(conns, t)
	}
	r.mu.Unlock()

	r.cancel()
	for _, t := range conns {
		_ = t.Close(websocket.CloseGoingAway, "服务关闭")
	}
	r.wg.Wait()
}
