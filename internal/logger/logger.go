// Package logger 全局结构化日志
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger    *slog.Logger
	loggerMu  sync.RWMutex
	debugMode bool
	output    io.Writer = os.Stdout
	level               = new(slog.LevelVar)
)

func init() {
	// 默认使用 Info 级别的文本处理器
	level.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
}

// Options 日志输出配置
type Options struct {
	Level      string // debug / info / warn / error
	File       string // 为空时输出到 stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup 按配置重建日志。File 非空时写入按大小轮转的日志文件
func Setup(opts Options) {
	var w io.Writer = os.Stdout
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,  // megabytes
			MaxBackups: opts.MaxBackups, // 最多保留文件数
			MaxAge:     opts.MaxAgeDays, // days
			Compress:   opts.Compress,
		}
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	output = w
	level.Set(ParseLevel(opts.Level))
	debugMode = level.Level() <= slog.LevelDebug
	logger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
}

// SetOutput 替换输出目标
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	output = w
	logger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
}

// ParseLevel 解析级别名，未知名称按 info 处理
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDebugMode 设置调试模式
func SetDebugMode(enabled bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	debugMode = enabled

	if enabled {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// IsDebugMode 是否调试模式
func IsDebugMode() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return debugMode
}

// Logger 当前 slog.Logger
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// LogDebug 调试日志
func LogDebug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// LogInfo 信息日志
func LogInfo(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// LogWarn 警告日志
func LogWarn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// LogError 错误日志
func LogError(msg string, args ...any) {
	Logger().Error(msg, args...)
}
