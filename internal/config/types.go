package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/swcache/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	Origin           string   `mapstructure:"Origin"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StorageDriver    string   `mapstructure:"StorageDriver"`
	StoragePath      string   `mapstructure:"StoragePath"`
	CacheGeneration  int      `mapstructure:"CacheGeneration"`
	MaxRetries       int      `mapstructure:"MaxRetries"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	OfflinePage      string   `mapstructure:"OfflinePage"`
	NotFoundPage     string   `mapstructure:"NotFoundPage"`
	AssetFiles       []string `mapstructure:"AssetFiles"`
	SupportedMethods []string `mapstructure:"SupportedMethods"`
}

// BlacklistRule 对应一条 [[Blacklist]] 配置，命中任一字段即拒绝缓存。
type BlacklistRule struct {
	Prefix  string `mapstructure:"Prefix"`
	Suffix  string `mapstructure:"Suffix"`
	Pattern string `mapstructure:"Pattern"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig        `mapstructure:",squash"`
	TTL       map[string]Duration `mapstructure:"TTL"`
	Blacklist []BlacklistRule     `mapstructure:"Blacklist"`
}

// OriginURL 解析 Origin 字段。
func (c *Config) OriginURL() (*url.URL, error) {
	return parseOrigin(c.Global.Origin)
}

// TTLTable 将 [TTL] 表转换为策略表。viper 会把键转成小写，这里同样小写，
// 因此配置只能命中小写扩展名。
func (c *Config) TTLTable() policy.TTLTable {
	table := make(policy.TTLTable, len(c.TTL))
	for ext, ttl := range c.TTL {
		table[strings.ToLower(ext)] = ttl.DurationValue()
	}
	return table
}

// BuildBlacklist 编译 [[Blacklist]] 规则。
func (c *Config) BuildBlacklist() (policy.Blacklist, error) {
	rules := make([]policy.Rule, 0, len(c.Blacklist))
	for i, raw := range c.Blacklist {
		rule := policy.PathRule{Prefix: raw.Prefix, Suffix: raw.Suffix}
		if raw.Pattern != "" {
			re, err := regexp.Compile(raw.Pattern)
			if err != nil {
				return policy.Blacklist{}, newFieldError(blacklistField(i, "Pattern"), err.Error())
			}
			rule.Pattern = re
		}
		rules = append(rules, rule)
	}
	return policy.NewBlacklist(rules...), nil
}
