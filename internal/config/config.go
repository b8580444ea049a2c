// Package config 提供配置加载和管理功能
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ai_telco_bridge/internal/call"
	"ai_telco_bridge/internal/media"
	"ai_telco_bridge/internal/provider"
	"ai_telco_bridge/internal/telco"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

var globalConfig *Config

// Config 应用程序配置结构
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Telnyx     TelnyxConfig     `yaml:"telnyx"`
	FreeSWITCH FreeSWITCHConfig `yaml:"freeswitch"`
	Voice      VoiceConfig      `yaml:"voice"`
	Media      MediaConfig      `yaml:"media"`
	Session    SessionConfig    `yaml:"session"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host            string        `yaml:"host"`             // 服务器监听地址
	Port            int           `yaml:"port"`             // 服务器监听端口
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 读超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 优雅退出等待时间
}

// Addr 监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderConfig 运营商通用配置
type ProviderConfig struct {
	Name              string        `yaml:"name"`                // twilio | telnyx | freeswitch
	FromNumber        string        `yaml:"from_number"`         // 默认主叫号码
	MediaStreamURL    string        `yaml:"media_stream_url"`    // 运营商连接媒体端点的地址前缀，如 wss://host/media
	StatusCallbackURL string        `yaml:"status_callback_url"` // 状态回调地址
	RequestTimeout    time.Duration `yaml:"request_timeout"`     // 单次请求超时
	RateLimit         float64       `yaml:"rate_limit"`          // 每秒请求数，0 不限速
	RateBurst         int           `yaml:"rate_burst"`
}

// VoiceConfig 语音后端配置
type VoiceConfig struct {
	URL              string        `yaml:"url"`               // 后端地址，为空时不启用语音会话
	APIKey           string        `yaml:"api_key"`           // API密钥
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 握手超时
	OpTimeout        time.Duration `yaml:"op_timeout"`        // 单次调用超时
	Interruptible    bool          `yaml:"interruptible"`     // 用户开口时自动打断
}

// MediaConfig 媒体连接配置
type MediaConfig struct {
	FrameSize       int           `yaml:"frame_size"`        // 播放帧大小（字节）
	FrameInterval   time.Duration `yaml:"frame_interval"`    // 播放帧间隔
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `yaml:"write_buffer_size"` // 写缓冲区大小
	WriteTimeout    time.Duration `yaml:"write_timeout"`     // 单帧写超时
	PingPeriod      time.Duration `yaml:"ping_period"`       // 心跳间隔
	PongWait        time.Duration `yaml:"pong_wait"`         // 等待Pong响应的超时时间
	AudioDir        string        `yaml:"audio_dir"`         // 可播放的PCAP文件目录，为空时不允许播放文件
}

// SessionConfig 通话会话配置
type SessionConfig struct {
	Shards      int           `yaml:"shards"`       // 注册表分片数
	Retention   time.Duration `yaml:"retention"`    // 已结束会话的保留时长
	OpTimeout   time.Duration `yaml:"op_timeout"`   // 命令超时
	EventBuffer int           `yaml:"event_buffer"` // 订阅者缓冲
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string   `yaml:"level"`        // debug | info | warn | error
	Format      string   `yaml:"format"`       // json | console
	OutputPaths []string `yaml:"output_paths"` // 输出位置，默认 stdout
}

// GetConfig 获取全局配置实例
func GetConfig() *Config {
	return globalConfig
}

// Load 从文件加载配置
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// 设置全局配置
	globalConfig = config

	return config, nil
}

// Parse 解析配置内容，依次设置默认值、读取环境变量并验证
func Parse(data []byte) (*Config, error) {
	config := Config{FreeSWITCH: NewFreeSWITCHConfig()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	applyDefaults(&config)
	applyEnv(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 10 * time.Second
	}

	if config.Provider.RequestTimeout == 0 {
		config.Provider.RequestTimeout = 10 * time.Second
	}
	if config.Provider.RateBurst == 0 {
		config.Provider.RateBurst = 5
	}

	if config.Voice.HandshakeTimeout == 0 {
		config.Voice.HandshakeTimeout = 10 * time.Second
	}
	if config.Voice.OpTimeout == 0 {
		config.Voice.OpTimeout = 5 * time.Second
	}

	if config.Media.FrameSize == 0 {
		config.Media.FrameSize = types.AudioFrameSize
	}
	if config.Media.FrameInterval == 0 {
		config.Media.FrameInterval = 20 * time.Millisecond
	}
	if config.Media.ReadBufferSize == 0 {
		config.Media.ReadBufferSize = 4096
	}
	if config.Media.WriteBufferSize == 0 {
		config.Media.WriteBufferSize = 4096
	}
	if config.Media.WriteTimeout == 0 {
		config.Media.WriteTimeout = 5 * time.Second
	}
	if config.Media.PongWait == 0 {
		config.Media.PongWait = 60 * time.Second
	}
	if config.Media.PingPeriod == 0 {
		config.Media.PingPeriod = 30 * time.Second
	}

	if config.Session.Shards == 0 {
		config.Session.Shards = 32
	}
	if config.Session.Retention == 0 {
		config.Session.Retention = 10 * time.Minute
	}
	if config.Session.OpTimeout == 0 {
		config.Session.OpTimeout = 10 * time.Second
	}
	if config.Session.EventBuffer == 0 {
		config.Session.EventBuffer = 64
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}
}

// applyEnv 密钥可由环境变量覆盖
func applyEnv(config *Config) {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&config.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	override(&config.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	override(&config.Telnyx.APIKey, "TELNYX_API_KEY")
	override(&config.FreeSWITCH.Password, "FREESWITCH_PASSWORD")
	override(&config.Voice.APIKey, "VOICE_API_KEY")
}

// validateConfig 验证配置是否有效，只检查已选运营商的凭据
func validateConfig(config *Config) error {
	// 验证服务器配置
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("服务器端口无效: %d", config.Server.Port)
	}

	// 验证运营商配置
	name, err := types.ParseProvider(config.Provider.Name)
	if err != nil {
		return err
	}
	switch name {
	case types.ProviderTwilio:
		if err := config.Twilio.Validate(); err != nil {
			return err
		}
	case types.ProviderTelnyx:
		if err := config.Telnyx.Validate(); err != nil {
			return err
		}
	case types.ProviderFreeSWITCH:
		if err := config.FreeSWITCH.Validate(); err != nil {
			return err
		}
	}
	if config.Provider.MediaStreamURL == "" {
		return ErrEmptyStreamURL
	}
	if config.Provider.RateLimit < 0 {
		return fmt.Errorf("限速不能为负数")
	}

	if config.Media.PingPeriod >= config.Media.PongWait {
		return fmt.Errorf("心跳间隔必须小于Pong等待时间")
	}
	if config.Media.FrameSize <= 0 {
		return fmt.Errorf("播放帧大小必须大于0")
	}

	switch config.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("未知的日志级别: %q", config.Log.Level)
	}
	switch config.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("未知的日志格式: %q", config.Log.Format)
	}
	return nil
}

// Carrier 运营商实现的配置
func (c *Config) Carrier() provider.Config {
	return provider.Config{
		Name: types.Provider(c.Provider.Name),
		Options: provider.Options{
			FromNumber:        c.Provider.FromNumber,
			MediaStreamURL:    c.Provider.MediaStreamURL,
			StatusCallbackURL: c.Provider.StatusCallbackURL,
			RequestTimeout:    c.Provider.RequestTimeout,
			RateLimit:         c.Provider.RateLimit,
			RateBurst:         c.Provider.RateBurst,
		},
		Twilio: provider.TwilioConfig{
			AccountSID: c.Twilio.AccountSID,
			AuthToken:  c.Twilio.AuthToken,
			BaseURL:    c.Twilio.BaseURL,
		},
		Telnyx: provider.TelnyxConfig{
			APIKey:             c.Telnyx.APIKey,
			ConnectionID:       c.Telnyx.ConnectionID,
			MessagingProfileID: c.Telnyx.MessagingProfileID,
			BaseURL:            c.Telnyx.BaseURL,
		},
		FreeSWITCH: provider.FreeSWITCHConfig{
			Host:              c.FreeSWITCH.Host,
			Port:              c.FreeSWITCH.Port,
			Password:          c.FreeSWITCH.Password,
			Gateway:           c.FreeSWITCH.Gateway,
			ReconnectInterval: c.FreeSWITCH.ReconnectInterval,
		},
	}
}

// VoiceBackend 语音后端配置，未配置地址时返回 false
func (c *Config) VoiceBackend() (voice.WSConfig, bool) {
	if c.Voice.URL == "" {
		return voice.WSConfig{}, false
	}
	return voice.WSConfig{
		URL:              c.Voice.URL,
		APIKey:           c.Voice.APIKey,
		HandshakeTimeout: c.Voice.HandshakeTimeout,
	}, true
}

// Telco 电信服务配置
func (c *Config) Telco() telco.Config {
	return telco.Config{
		Registry: call.RegistryConfig{
			Shards:    c.Session.Shards,
			Retention: c.Session.Retention,
		},
		Media: media.Config{
			FrameInterval:   c.Media.FrameInterval,
			ReadBufferSize:  c.Media.ReadBufferSize,
			WriteBufferSize: c.Media.WriteBufferSize,
			WriteTimeout:    c.Media.WriteTimeout,
			PingPeriod:      c.Media.PingPeriod,
			PongWait:        c.Media.PongWait,
		},
		Voice: voice.Options{
			Interruptible: c.Voice.Interruptible,
			OpTimeout:     c.Voice.OpTimeout,
		},
		EventBuffer: c.Session.EventBuffer,
	}
}
