package config

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
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
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	TracingEndpoint string   `mapstructure:"TracingEndpoint"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
}

// WorkerConfig 决定缓存代理 worker 的版本号、作用域与预缓存列表。
type WorkerConfig struct {
	// CacheName 同时是 bucket 名称与版本标签，修改即发布新版本。
	CacheName string `mapstructure:"CacheName"`
	// Origin 是页面访问的来源（scheme://host），同源判断以它为准。
	Origin string `mapstructure:"Origin"`
	// Upstream 是 Origin 背后真实的网络地址。
	Upstream           string   `mapstructure:"Upstream"`
	APIMarker          string   `mapstructure:"APIMarker"`
	Precache           []string `mapstructure:"Precache"`
	NavigationFallback string   `mapstructure:"NavigationFallback"`
	// SkipWaiting 为 false 时，新版本安装后等待旧版本控制的页面全部释放再激活。
	SkipWaiting bool `mapstructure:"SkipWaiting"`
}

// PassthroughConfig 声明允许经由代理直连的跨域来源，它们永远不会被缓存。
type PassthroughConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global      GlobalConfig        `mapstructure:",squash"`
	Worker      WorkerConfig        `mapstructure:"Worker"`
	Passthrough []PassthroughConfig `mapstructure:"Passthrough"`
}

// OriginURL 返回解析后的 Origin，假定 Validate 已经通过。
func (w WorkerConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(w.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// OriginHost 返回 Origin 中的 host（可能包含端口）。
func (w WorkerConfig) OriginHost() string {
	if u := w.OriginURL(); u != nil {
		return u.Host
	}
	return ""
}

// Equal 判断两份 worker 配置是否描述同一个版本，热加载据此决定是否注册新 worker。
func (w WorkerConfig) Equal(other WorkerConfig) bool {
	return w.CacheName == other.CacheName &&
		w.Origin == other.Origin &&
		w.Upstream == other.Upstream &&
		w.APIMarker == other.APIMarker &&
		w.NavigationFallback == other.NavigationFallback &&
		w.SkipWaiting == other.SkipWaiting &&
		slices.Equal(w.Precache, other.Precache)
}

// PassthroughDomains 返回所有直连来源的摘要，例如 fonts:fonts.example.com。
func PassthroughDomains(entries []PassthroughConfig) []string {
	if len(entries) == 0 {
		return nil
	}
	result := make([]string, len(entries))
	for i, entry := range entries {
		result[i] = fmt.Sprintf("%s:%s", entry.Name, entry.Domain)
	}
	return result
}
