package config

import "time"

// FreeSWITCHConfig FreeSWITCH ESL 连接配置
type FreeSWITCHConfig struct {
	Host              string        `yaml:"host"`               // FreeSWITCH服务器地址
	Port              int           `yaml:"port"`               // ESL端口
	Password          string        `yaml:"password"`           // ESL密码
	Gateway           string        `yaml:"gateway"`            // 外呼网关，为空时呼叫本地用户
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // 断线重连间隔
}

// NewFreeSWITCHConfig 创建默认的FreeSWITCH配置
func NewFreeSWITCHConfig() FreeSWITCHConfig {
	return FreeSWITCHConfig{
		Host:              "127.0.0.1",
		Port:              8021,
		Password:          "ClueCon",
		ReconnectInterval: 3 * time.Second,
	}
}

// Validate 验证FreeSWITCH配置
func (c *FreeSWITCHConfig) Validate() error {
	if c.Host == "" {
		return ErrEmptyHost
	}
	if c.Port <= 0 {
		return ErrEmptyPort
	}
	if c.Password == "" {
		return ErrEmptyPassword
	}
	return nil
}
