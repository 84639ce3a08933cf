package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := parseOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if !supportedDriver(g.StorageDriver) {
		return newFieldError("Global.StorageDriver", "仅支持 memory|fs|sqlite")
	}
	if g.StorageDriver != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheGeneration < 1 {
		return newFieldError("Global.CacheGeneration", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validatePagePath(g.OfflinePage); err != nil {
		return fmt.Errorf("Global.OfflinePage: %w", err)
	}
	if err := validatePagePath(g.NotFoundPage); err != nil {
		return fmt.Errorf("Global.NotFoundPage: %w", err)
	}
	for _, file := range g.AssetFiles {
		if err := validatePagePath(file); err != nil {
			return fmt.Errorf("Global.AssetFiles: %w", err)
		}
	}
	if len(g.SupportedMethods) == 0 {
		return newFieldError("Global.SupportedMethods", "至少需要一个方法")
	}
	for _, method := range g.SupportedMethods {
		if method == "" || strings.ContainsAny(method, " \t/") {
			return newFieldError("Global.SupportedMethods", fmt.Sprintf("非法方法: %q", method))
		}
	}

	for ext, ttl := range c.TTL {
		if ext == "" {
			return newFieldError(ttlField(ext), "扩展名不能为空")
		}
		if ttl.DurationValue() <= 0 {
			return newFieldError(ttlField(ext), "必须大于 0")
		}
	}

	for i, rule := range c.Blacklist {
		if rule.Prefix == "" && rule.Suffix == "" && rule.Pattern == "" {
			return newFieldError(blacklistField(i, "Prefix/Suffix/Pattern"), "至少填写一项")
		}
	}
	if _, err := c.BuildBlacklist(); err != nil {
		return err
	}

	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return parsed, nil
}

func validatePagePath(raw string) error {
	if raw == "" {
		return errors.New("不能为空")
	}
	if !strings.HasPrefix(raw, "/") {
		return fmt.Errorf("必须以 / 开头: %s", raw)
	}
	return nil
}
