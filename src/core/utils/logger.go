package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"xray-insight/src/configs"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// LogLevel 日志级别
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Logger 日志记录器，控制台输出到stderr（stdout保留给结构化结果），同时写入JSON日志文件
type Logger struct {
	slog    *slog.Logger
	logFile *os.File
}

// NewLogger 创建新的日志记录器
func NewLogger(config *configs.Config) (*Logger, error) {
	// 确保日志目录存在
	if err := os.MkdirAll(config.Log.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	// 打开或创建日志文件
	logPath := filepath.Join(config.Log.LogDir, config.Log.LogFile)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	return &Logger{
		slog:    slog.New(newHandler(os.Stderr, file, parseLevel(config.Log.LogLevel))),
		logFile: file,
	}, nil
}

// newHandler 彩色控制台输出与JSON文件输出共用同一级别
func newHandler(console, file io.Writer, level slog.Level) slog.Handler {
	return slogmulti.Fanout(
		tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    console != os.Stderr,
		}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	)
}

// NewWriterLogger 创建只写入指定writer的日志记录器，主要用于测试
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{
		slog: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})),
	}
}

// Close 关闭日志文件
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch LogLevel(strings.ToLower(level)) {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// log 通用日志记录函数
func (l *Logger) log(level slog.Level, tag string, msg string, fields ...interface{}) {
	if l == nil || l.slog == nil {
		return
	}
	attrs := make([]any, 0, 4)
	if tag != "" {
		attrs = append(attrs, slog.String("tag", tag))
	}
	if len(fields) > 0 {
		attrs = append(attrs, fieldAttrs(fields[0])...)
	}
	l.slog.Log(context.Background(), level, msg, attrs...)
}

// fieldAttrs 把调用方传入的附加字段转换为slog属性
func fieldAttrs(field interface{}) []any {
	switch f := field.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		attrs := make([]any, 0, len(f))
		for k, v := range f {
			attrs = append(attrs, slog.Any(k, v))
		}
		return attrs
	case error:
		return []any{slog.String("error", f.Error())}
	default:
		return []any{slog.Any("fields", f)}
	}
}

// Debug 记录调试级别日志
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.log(slog.LevelDebug, "", msg, fields...)
}

// Info 记录信息级别日志
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.log(slog.LevelInfo, "", msg, fields...)
}

// Warn 记录警告级别日志
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.log(slog.LevelWarn, "", msg, fields...)
}

// Error 记录错误级别日志
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.log(slog.LevelError, "", msg, fields...)
}

// TaggedLogger 带标签的日志记录器
type TaggedLogger struct {
	*Logger
	tag string
}

// WithTag 创建带标签的日志记录器
func (l *Logger) WithTag(tag string) *TaggedLogger {
	return &TaggedLogger{
		Logger: l,
		tag:    tag,
	}
}

// Debug 记录带标签的调试级别日志
func (l *TaggedLogger) Debug(msg string, fields ...interface{}) {
	l.log(slog.LevelDebug, l.tag, msg, fields...)
}

// Info 记录带标签的信息级别日志
func (l *TaggedLogger) Info(msg string, fields ...interface{}) {
	l.log(slog.LevelInfo, l.tag, msg, fields...)
}

// Warn 记录带标签的警告级别日志
func (l *TaggedLogger) Warn(msg string, fields ...interface{}) {
	l.log(slog.LevelWarn, l.tag, msg, fields...)
}

// Error 记录带标签的错误级别日志
func (l *TaggedLogger) Error(msg string, fields ...interface{}) {
	l.log(slog.LevelError, l.tag, msg, fields...)
}
