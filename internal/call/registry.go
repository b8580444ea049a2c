package call

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
)

// ErrSessionExists 通话ID已有未结束的会话
var ErrSessionExists = errors.New("通话会话已存在")

// RegistryConfig 注册表配置
type RegistryConfig struct {
	Shards    int           // 分片数
	Retention time.Duration // 已结束会话的保留时长
	// OnTransition 在会话锁内同步调用，不得回调该会话的方法
	OnTransition func(Transition)
}

// Registry 分片的会话注册表
//
// 每个分片一把锁，只保护 map 本身；会话状态由会话自己的锁保护，
// 不同通话之间不会争用同一把锁。
type Registry struct {
	shards    []*shard
	retention time.Duration
	clock     func() time.Time
	hook      func(Transition)
	logger    *zap.Logger
	metrics   *metrics.Collector
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建注册表
func NewRegistry(config RegistryConfig, logger *zap.Logger, collector *metrics.Collector) *Registry {
	if config.Shards <= 0 {
		config.Shards = 32
	}
	if config.Retention <= 0 {
		config.Retention = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		shards:    make([]*shard, config.Shards),
		retention: config.Retention,
		clock:     time.Now,
		hook:      config.OnTransition,
		logger:    logger.With(zap.String("component", "call_registry")),
		metrics:   collector,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Create 新建会话，来电初始为 Ringing，外呼初始为 Dialing
//
// 同一通话ID已有未结束的会话时返回该会话与 ErrSessionExists；已结束的会话被替换。
func (r *Registry) Create(p Params) (*Session, error) {
	if p.CallID == "" {
		return nil, fmt.Errorf("通话ID不能为空")
	}
	sh := r.shardFor(p.CallID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.sessions[p.CallID]; ok && !existing.State().IsTerminal() {
		return existing, fmt.Errorf("%w: %s", ErrSessionExists, p.CallID)
	}
	s := newSession(p, r.clock, r.logger, r.observe)
	sh.sessions[p.CallID] = s
	r.metrics.RecordCallCreated()
	r.logger.Info("创建通话会话",
		zap.String("call_id", p.CallID),
		zap.String("provider", string(p.Provider)),
		zap.String("direction", string(p.Direction)),
		zap.Stringer("state", s.State()))
	return s, nil
}

// Get 查找会话，从未存在或已被清理时返回 ErrSessionNotFound
//
// 已结束但仍在保留期内的会话照常返回，其上的命令返回 ErrSessionTerminated。
func (r *Registry) Get(callID string) (*Session, error) {
	sh := r.shardFor(callID)
	sh.mu.RLock()
	s, ok := sh.sessions[callID]
	sh.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, callID)
	}
	return s, nil
}

// Active 未结束的会话数
func (r *Registry) Active() int {
	n := 0
	r.each(func(s *Session) {
		if !s.State().IsTerminal() {
			n++
		}
	})
	return n
}

// List 返回全部会话快照
func (r *Registry) List() []Info {
	var infos []Info
	r.each(func(s *Session) { infos = append(infos, s.Info()) })
	return infos
}

// Prune 清理超过保留期的已结束会话
func (r *Registry) Prune() int {
	cutoff := r.clock().Add(-r.retention)
	removed := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.endedBefore(cutoff) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		r.logger.Debug("清理已结束的会话", zap.Int("count", removed))
	}
	return removed
}

// Run 定期清理，直到 ctx 结束
func (r *Registry) Run(ctx context.Context) error {
	interval := r.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Prune()
		}
	}
}

// CloseAll 结束全部未结束的会话，用于进程退出
func (r *Registry) CloseAll(cause string) {
	var sessions []*Session
	r.each(func(s *Session) { sessions = append(sessions, s) })
	for _, s := range sessions {
		if err := s.RemoteHangup(cause); err == nil {
			r.logger.Info("关闭通话会话", zap.String("call_id", s.ID()), zap.String("cause", cause))
		}
	}
}

func (r *Registry) each(fn func(*Session)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		sessions := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			sessions = append(sessions, s)
		}
		sh.mu.RUnlock()
		for _, s := range sessions {
			fn(s)
		}
	}
}

func (r *Registry) observe(t Transition) {
	r.metrics.RecordTransition(t.From.String(), t.To.String(), t.To.IsTerminal())
	if t.To.IsTerminal() {
		r.logger.Info("通话结束",
			zap.String("call_id", t.CallID),
			zap.Stringer("from", t.From),
			zap.Stringer("state", t.To),
			zap.String("cause", t.Cause))
	}
	if r.hook != nil {
		r.hook(t)
	}
}
