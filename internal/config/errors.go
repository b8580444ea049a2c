package config

import "errors"

// 配置相关错误
var (
	ErrEmptyHost         = errors.New("FreeSWITCH主机地址不能为空")
	ErrEmptyPort         = errors.New("FreeSWITCH端口不能为空")
	ErrEmptyPassword     = errors.New("FreeSWITCH密码不能为空")
	ErrEmptyAccountSID   = errors.New("Twilio AccountSID不能为空")
	ErrEmptyAuthToken    = errors.New("Twilio AuthToken不能为空")
	ErrEmptyAPIKey       = errors.New("Telnyx APIKey不能为空")
	ErrEmptyConnectionID = errors.New("Telnyx ConnectionID不能为空")
	ErrEmptyVoiceURL     = errors.New("语音后端地址不能为空")
	ErrEmptyStreamURL    = errors.New("媒体连接地址不能为空")
)
