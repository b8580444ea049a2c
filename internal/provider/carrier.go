// Package provider 实现各运营商的通话与消息能力
//
// 每个运营商一个 Carrier 实现，启动时按配置选择其一。上层只依赖 Carrier 接口，
// 不对具体实现做类型判断。
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
)

// Carrier 运营商能力集
type Carrier interface {
	Name() types.Provider
	// Start 建立到运营商的长连接，仅推送式运营商需要
	Start(ctx context.Context) error
	SendMessage(ctx context.Context, to, body, mediaURL string) (types.MessageResult, error)
	Dial(ctx context.Context, to string, opts types.CallOptions) (string, error)
	Answer(ctx context.Context, callID string) error
	StartStream(ctx context.Context, callID string) error
	StopStream(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
	// WebhookReply 回调的应答内容，body 为空时回复 204
	WebhookReply(ev types.NormalizedEvent) (contentType string, body []byte)
	// Events 推送式运营商的原始事件流，回调式运营商返回 nil
	Events() <-chan []byte
	Close() error
}

// Options 各运营商共用的选项
type Options struct {
	FromNumber        string        // 默认主叫号码
	MediaStreamURL    string        // 媒体连接地址前缀，实际地址为 前缀/通话ID
	StatusCallbackURL string        // 状态回调地址
	RequestTimeout    time.Duration // 单次请求超时
	RateLimit         float64       // 每秒请求数，<=0 不限速
	RateBurst         int
}

// Config 运营商配置
type Config struct {
	Name       types.Provider
	Options    Options
	Twilio     TwilioConfig
	Telnyx     TelnyxConfig
	FreeSWITCH FreeSWITCHConfig
}

// New 按配置创建运营商实现
func New(config Config, logger *zap.Logger, collector *metrics.Collector) (Carrier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.Name {
	case types.ProviderTwilio:
		return NewTwilio(config.Twilio, config.Options, logger, collector)
	case types.ProviderTelnyx:
		return NewTelnyx(config.Telnyx, config.Options, logger, collector)
	case types.ProviderFreeSWITCH:
		return NewFreeSWITCH(config.FreeSWITCH, config.Options, logger, collector)
	default:
		return nil, fmt.Errorf("不支持的运营商: %q", config.Name)
	}
}

// base 请求限速、超时、指标与错误归类
type base struct {
	name    types.Provider
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector
}

func newBase(name types.Provider, opts Options, logger *zap.Logger, collector *metrics.Collector) base {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return base{
		name:    name,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.RateBurst),
		logger:  logger.With(zap.String("component", "carrier"), zap.String("provider", string(name))),
		metrics: collector,
	}
}

// call 执行一次运营商调用，返回的错误均为 *types.ProviderError
func (b *base) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &types.ProviderError{Provider: b.name, Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	b.metrics.RecordProviderRequest(op, err, time.Since(start))
	if err == nil {
		return nil
	}
	err = b.classify(op, err)
	b.logger.Error("运营商调用失败", zap.String("op", op), zap.Error(err))
	return err
}

func (b *base) classify(op string, err error) error {
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		pe.Provider = b.name
		if pe.Op == "" {
			pe.Op = op
		}
		return pe
	}
	if errors.Is(err, types.ErrUnsupported) {
		return &types.ProviderError{Provider: b.name, Op: op, Message: "不支持的操作", Err: err}
	}
	return &types.ProviderError{Provider: b.name, Op: op, Retryable: transient(err), Err: err}
}

// streamURL 通话的媒体连接地址
func (b *base) streamURL(callID string) string {
	return strings.TrimRight(b.opts.MediaStreamURL, "/") + "/" + callID
}

func (b *base) from(override string) string {
	if override != "" {
		return override
	}
	return b.opts.FromNumber
}

// transient 超时与网络错误可重试，主动取消不可重试
func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// retryableStatus 限流与服务端错误可重试
func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
