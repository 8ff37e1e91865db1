package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const supportedStorageDrivers = "fs|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch strings.ToLower(g.StorageDriver) {
	case "", "fs", "sqlite":
	default:
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDrivers)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TracingEndpoint != "" {
		if err := validateUpstream(g.TracingEndpoint); err != nil {
			return fmt.Errorf("Global.TracingEndpoint: %w", err)
		}
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{
		strings.ToLower(c.Worker.OriginHost()): {},
	}
	for i := range c.Passthrough {
		entry := &c.Passthrough[i]
		if entry.Name == "" {
			return newFieldError("Passthrough[].Name", "不能为空")
		}
		if _, exists := seenNames[entry.Name]; exists {
			return newFieldError(passthroughField(entry.Name, "Name"), "重复")
		}
		seenNames[entry.Name] = struct{}{}

		if err := validateDomain(entry.Domain); err != nil {
			return fmt.Errorf("%s: %w", passthroughField(entry.Name, "Domain"), err)
		}
		domain := strings.ToLower(entry.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(passthroughField(entry.Name, "Domain"), "与其它来源重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(entry.Upstream); err != nil {
			return fmt.Errorf("%s: %w", passthroughField(entry.Name, "Upstream"), err)
		}
	}

	return nil
}

func (w WorkerConfig) validate() error {
	if w.CacheName == "" {
		return newFieldError("Worker.CacheName", "不能为空")
	}
	if strings.TrimSpace(w.CacheName) != w.CacheName || w.CacheName == "." || w.CacheName == ".." {
		return newFieldError("Worker.CacheName", "不是合法的 bucket 名称")
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if err := validateUpstream(w.Upstream); err != nil {
		return fmt.Errorf("Worker.Upstream: %w", err)
	}
	if w.APIMarker == "" {
		return newFieldError("Worker.APIMarker", "不能为空")
	}
	if !strings.HasPrefix(w.NavigationFallback, "/") {
		return newFieldError("Worker.NavigationFallback", "必须以 / 开头")
	}
	seen := make(map[string]struct{}, len(w.Precache))
	for _, p := range w.Precache {
		if !strings.HasPrefix(p, "/") {
			return newFieldError("Worker.Precache", fmt.Sprintf("路径必须以 / 开头: %s", p))
		}
		if _, dup := seen[p]; dup {
			return newFieldError("Worker.Precache", fmt.Sprintf("路径重复: %s", p))
		}
		seen[p] = struct{}{}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

// validateOrigin 要求 scheme://host 形式，不允许路径、查询或 fragment。
func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("来源不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("来源不允许包含查询或 fragment: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
