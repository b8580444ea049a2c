package config

// TwilioConfig Twilio 账号配置
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"` // 为空时使用官方地址
}

// Validate 验证Twilio配置
func (c *TwilioConfig) Validate() error {
	if c.AccountSID == "" {
		return ErrEmptyAccountSID
	}
	if c.AuthToken == "" {
		return ErrEmptyAuthToken
	}
	return nil
}

// TelnyxConfig Telnyx 账号配置
type TelnyxConfig struct {
	APIKey             string `yaml:"api_key"`
	ConnectionID       string `yaml:"connection_id"`        // 外呼使用的 Call Control 应用
	MessagingProfileID string `yaml:"messaging_profile_id"` // 短信使用的消息配置
	BaseURL            string `yaml:"base_url"`
}

// Validate 验证Telnyx配置
func (c *TelnyxConfig) Validate() error {
	if c.APIKey == "" {
		return ErrEmptyAPIKey
	}
	if c.ConnectionID == "" {
		return ErrEmptyConnectionID
	}
	return nil
}
