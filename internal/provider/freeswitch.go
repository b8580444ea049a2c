package provider

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
)

// FreeSWITCHConfig FreeSWITCH 配置
type FreeSWITCHConfig struct {
	Host              string
	Port              int
	Password          string
	Gateway           string        // 外呼网关，为空时呼叫本地用户
	ReconnectInterval time.Duration // 断线重连间隔
}

// FreeSWITCH 通过 Event Socket 控制通话，事件经同一连接推送
type FreeSWITCH struct {
	base
	config FreeSWITCHConfig

	mu      sync.RWMutex
	client  *eslClient
	events  chan []byte
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewFreeSWITCH 创建 FreeSWITCH 实现，Start 之后才建立连接
func NewFreeSWITCH(config FreeSWITCHConfig, opts Options, logger *zap.Logger, collector *metrics.Collector) (*FreeSWITCH, error) {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.Port == 0 {
		config.Port = 8021
	}
	if config.Password == "" {
		config.Password = "ClueCon"
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 3 * time.Second
	}
	return &FreeSWITCH{
		base:    newBase(types.ProviderFreeSWITCH, opts, logger, collector),
		config:  config,
		events:  make(chan []byte, 64),
		closing: make(chan struct{}),
	}, nil
}

// Name 运营商标识
func (f *FreeSWITCH) Name() types.Provider { return types.ProviderFreeSWITCH }

// Start 建立首个连接，之后断线自动重连，直到 ctx 结束或 Close
func (f *FreeSWITCH) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
	client, err := dialESL(dialCtx, f.config, f.events, f.closing, f.logger)
	cancel()
	if err != nil {
		return &types.ProviderError{Provider: f.name, Op: "connect", Retryable: true, Err: err}
	}
	f.logger.Info("ESL 认证成功，连接已建立", zap.String("host", f.config.Host), zap.Int("port", f.config.Port))
	f.setClient(client)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.supervise(ctx, client)
	}()
	return nil
}

func (f *FreeSWITCH) supervise(ctx context.Context, client *eslClient) {
	for {
		f.wg.Add(1)
		go func(c *eslClient) {
			defer f.wg.Done()
			c.run()
		}(client)

		select {
		case <-client.Done():
		case <-ctx.Done():
			client.shutdown()
			return
		case <-f.closing:
			client.shutdown()
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.closing:
				return
			case <-time.After(f.config.ReconnectInterval):
			}
			dialCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
			next, err := dialESL(dialCtx, f.config, f.events, f.closing, f.logger)
			cancel()
			if err != nil {
				f.logger.Warn("ESL 重连失败", zap.Error(err))
				continue
			}
			f.logger.Info("ESL 重连成功")
			f.setClient(next)
			client = next
			break
		}
	}
}

func (f *FreeSWITCH) setClient(c *eslClient) {
	f.mu.Lock()
	f.client = c
	f.mu.Unlock()
}

func (f *FreeSWITCH) current() (*eslClient, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.client == nil {
		return nil, fmt.Errorf("ESL 未连接: %w", io.ErrClosedPipe)
	}
	return f.client, nil
}

// api 执行 api 命令，-ERR 响应转换为不可重试的运营商错误
func (f *FreeSWITCH) api(ctx context.Context, cmd string) (string, error) {
	client, err := f.current()
	if err != nil {
		return "", err
	}
	reply, err := client.api(ctx, cmd)
	if err != nil {
		return "", err
	}
	if err := eslError(reply); err != nil {
		return "", err
	}
	return reply, nil
}

// SendMessage 通过 chat 接口发送 SIP MESSAGE，不支持彩信
func (f *FreeSWITCH) SendMessage(ctx context.Context, to, body, mediaURL string) (types.MessageResult, error) {
	if mediaURL != "" {
		return types.MessageResult{}, f.classify("send_message", fmt.Errorf("freeswitch 彩信: %w", types.ErrUnsupported))
	}
	id := uuid.New().String()
	err := f.call(ctx, "send_message", func(ctx context.Context) error {
		_, err := f.api(ctx, fmt.Sprintf("chat sip|%s|%s|%s", f.from(""), to, strings.ReplaceAll(body, "|", " ")))
		return err
	})
	if err != nil {
		return types.MessageResult{}, err
	}
	return types.MessageResult{ID: id, Status: "sent"}, nil
}

// Dial 后台发起外呼，通话ID为预先分配的 origination_uuid
func (f *FreeSWITCH) Dial(ctx context.Context, to string, opts types.CallOptions) (string, error) {
	id := uuid.New().String()
	vars := []string{
		"origination_uuid=" + id,
		"origination_caller_id_number=" + f.from(opts.From),
	}
	if opts.Timeout > 0 {
		vars = append(vars, "originate_timeout="+strconv.Itoa(int(opts.Timeout.Seconds())))
	}
	endpoint := "user/" + to
	if f.config.Gateway != "" {
		endpoint = "sofia/gateway/" + f.config.Gateway + "/" + to
	}
	cmd := fmt.Sprintf("originate {%s}%s &park()", strings.Join(vars, ","), endpoint)

	err := f.call(ctx, "dial", func(ctx context.Context) error {
		client, err := f.current()
		if err != nil {
			return err
		}
		reply, err := client.bgapi(ctx, cmd)
		if err != nil {
			return err
		}
		return eslError(reply)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Answer 应答
func (f *FreeSWITCH) Answer(ctx context.Context, callID string) error {
	return f.uuidCommand(ctx, "answer", "uuid_answer "+callID)
}

// StartStream 通过 mod_audio_stream 把通话音频接到媒体连接
func (f *FreeSWITCH) StartStream(ctx context.Context, callID string) error {
	return f.uuidCommand(ctx, "start_stream", fmt.Sprintf("uuid_audio_stream %s start %s mono 8k", callID, f.streamURL(callID)))
}

// StopStream 停止媒体流
func (f *FreeSWITCH) StopStream(ctx context.Context, callID string) error {
	return f.uuidCommand(ctx, "stop_stream", fmt.Sprintf("uuid_audio_stream %s stop", callID))
}

// Hangup 挂断
func (f *FreeSWITCH) Hangup(ctx context.Context, callID string) error {
	return f.uuidCommand(ctx, "hangup", "uuid_kill "+callID)
}

// WebhookReply FreeSWITCH 事件不经过 HTTP 回调
func (f *FreeSWITCH) WebhookReply(types.NormalizedEvent) (string, []byte) { return "", nil }

// Events ESL 推送的原始事件，Close 后关闭
func (f *FreeSWITCH) Events() <-chan []byte { return f.events }

// Close 断开连接并停止重连
func (f *FreeSWITCH) Close() error {
	f.once.Do(func() {
		close(f.closing)
		f.mu.RLock()
		client := f.client
		f.mu.RUnlock()
		if client != nil {
			client.shutdown()
		}
		f.wg.Wait()
		close(f.events)
	})
	return nil
}

func (f *FreeSWITCH) uuidCommand(ctx context.Context, op, cmd string) error {
	return f.call(ctx, op, func(ctx context.Context) error {
		_, err := f.api(ctx, cmd)
		return err
	})
}

// eslError 解析 "-ERR 原因" 响应，原因是挂断原因码时作为 Code
func eslError(reply string) error {
	if !strings.HasPrefix(reply, "-ERR") {
		return nil
	}
	cause := strings.TrimSpace(strings.TrimPrefix(reply, "-ERR"))
	code := "ERR"
	if first, _, _ := strings.Cut(cause, " "); isCauseCode(first) {
		code = first
	}
	return &types.ProviderError{Code: code, Message: cause}
}

func isCauseCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return true
}
