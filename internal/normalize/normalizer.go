// Package normalize 将各运营商的回调载荷转换为标准化事件
//
// 转换是纯函数：同一载荷总是得到同一事件。唯一例外是 OccurredAt：
// 载荷自带时间戳时使用载荷时间，否则退回到转换时刻的时钟，这部分结果不确定，
// 不应参与往返一致性比较。
package normalize

import (
	"fmt"
	"time"

	"ai_telco_bridge/internal/types"
)

// Normalizer 单个运营商的载荷转换器
type Normalizer interface {
	Provider() types.Provider
	Normalize(body []byte) (types.NormalizedEvent, error)
}

// Clock 时钟，用于载荷缺少时间戳时的兜底
type Clock func() time.Time

// Registry 按运营商分发的转换器集合
type Registry struct {
	normalizers map[types.Provider]Normalizer
}

// NewRegistry 创建包含全部内置运营商的转换器集合
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = time.Now
	}
	r := &Registry{normalizers: make(map[types.Provider]Normalizer)}
	r.Register(NewTwilio(clock))
	r.Register(NewTelnyx(clock))
	r.Register(NewFreeSWITCH(clock))
	return r
}

// Register 注册转换器，同一运营商后注册者覆盖
func (r *Registry) Register(n Normalizer) {
	r.normalizers[n.Provider()] = n
}

// Normalize 转换载荷
func (r *Registry) Normalize(provider types.Provider, body []byte) (types.NormalizedEvent, error) {
	n, ok := r.normalizers[provider]
	if !ok {
		return types.NormalizedEvent{}, unrecognized(provider, fmt.Sprintf("未注册的运营商 %q", provider))
	}
	return n.Normalize(body)
}

// For 返回指定运营商的转换器
func (r *Registry) For(provider types.Provider) (Normalizer, bool) {
	n, ok := r.normalizers[provider]
	return n, ok
}

func unrecognized(provider types.Provider, reason string) error {
	return &types.UnrecognizedPayloadError{Provider: provider, Reason: reason}
}

// stringField 依次尝试多个字段，返回第一个非空字符串
func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// occurredAt 解析载荷时间，失败时退回时钟
func occurredAt(clock Clock, value string, layouts ...string) time.Time {
	if value != "" {
		for _, layout := range layouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC()
			}
		}
	}
	return clock().UTC()
}
