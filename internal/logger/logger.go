package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalLogger *zap.SugaredLogger

// Config 日志配置
type Config struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
	ToStderr  bool // 非 TUI 模式同时输出到 stderr
}

// Init 初始化全局日志
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.WarnLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0750); err != nil {
			return err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxFiles,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(fileWriter),
			level,
		))
	}

	// 没有文件输出时也写 stderr，避免日志丢失
	if cfg.ToStderr || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	core := zapcore.NewTee(cores...)
	globalLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()

	return nil
}

// Logger 带组件名的日志器，未初始化时所有方法为空操作
type Logger struct {
	name string
}

// Named 返回指定组件的日志器
func Named(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Named(l.name)
}

// Debug 调试日志
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	if s := l.sugar(); s != nil {
		s.Debugw(msg, keysAndValues...)
	}
}

// Info 信息日志
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	if s := l.sugar(); s != nil {
		s.Infow(msg, keysAndValues...)
	}
}

// Warn 警告日志
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	if s := l.sugar(); s != nil {
		s.Warnw(msg, keysAndValues...)
	}
}

// Error 错误日志
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	if s := l.sugar(); s != nil {
		s.Errorw(msg, keysAndValues...)
	}
}

// Debug 调试日志
func Debug(msg string, keysAndValues ...interface{}) {
	if globalLogger != nil {
		globalLogger.Debugw(msg, keysAndValues...)
	}
}

// Info 信息日志
func Info(msg string, keysAndValues ...interface{}) {
	if globalLogger != nil {
		globalLogger.Infow(msg, keysAndValues...)
	}
}

// Warn 警告日志
func Warn(msg string, keysAndValues ...interface{}) {
	if globalLogger != nil {
		globalLogger.Warnw(msg, keysAndValues...)
	}
}

// Error 错误日志
func Error(msg string, keysAndValues ...interface{}) {
	if globalLogger != nil {
		globalLogger.Errorw(msg, keysAndValues...)
	}
}

// Sync 刷新日志缓冲
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}
