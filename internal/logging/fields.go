package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/config"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// StartupFields 汇总启动时的关键配置。
func StartupFields(cfg config.GlobalConfig) logrus.Fields {
	return logrus.Fields{
		"origin":           cfg.Origin,
		"listen_port":      cfg.ListenPort,
		"storage_driver":   cfg.StorageDriver,
		"storage_path":     cfg.StoragePath,
		"cache_generation": cfg.CacheGeneration,
	}
}

// RequestFields 提供请求方法/路径/客户端/响应来源字段，供代理请求日志复用。
func RequestFields(method, path, clientID, source string) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"path":      path,
		"client_id": clientID,
		"source":    source,
	}
}
