package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bonusperme/swcache/internal/config"
	"github.com/bonusperme/swcache/internal/version"
)

// InitLogger 根据全局配置初始化 JSON 结构化日志。每条日志都带 service/version 字段，
// 日志文件不可写时降级到 stdout，启动不因此失败。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	rawLevel := strings.TrimSpace(cfg.LogLevel)
	if rawLevel == "" {
		rawLevel = "info"
	}
	level, err := logrus.ParseLevel(rawLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(staticFields{
		"service": "swcache",
		"version": version.Version,
	})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// NewDiscardLogger 返回丢弃全部输出的 logger，测试与嵌入场景使用。
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return rotator, nil
}

// staticFields 为每条日志补充固定字段，已存在的同名字段不覆盖。
type staticFields logrus.Fields

func (h staticFields) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h staticFields) Fire(entry *logrus.Entry) error {
	for key, value := range h {
		if _, exists := entry.Data[key]; !exists {
			entry.Data[key] = value
		}
	}
	return nil
}
