package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 提供 worker 版本与生命周期状态字段，供 install/activate 日志复用。
func WorkerFields(action, cacheName, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
		"state":      state,
	}
}

// FetchFields 提供单次拦截请求的基础字段，供 fetch 日志复用。
func FetchFields(cacheName, method, url, mode, outcome, source string) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"cache_name": cacheName,
		"method":     method,
		"url":        url,
		"mode":       mode,
		"outcome":    outcome,
		"source":     source,
		"cache_hit":  source == "cache" || source == "fallback",
	}
}
