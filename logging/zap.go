package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig zap 日志配置
type ZapConfig struct {
	Name       string // logger 名称
	Level      string // debug/info/warn/error，默认 info
	File       string // 为空时只输出到控制台
	MaxSize    int    // 单个文件最大大小（MB）
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
	Dev        bool
}

// NewZap 构建 zap.Logger：控制台彩色输出 + 可选的 JSON 文件输出（lumberjack 切割）
func NewZap(cfg ZapConfig) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleCfg := encoderCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), atomicLevel)

	core := consoleCore
	if cfg.File != "" {
		// 文件使用 JSON 编码，避免把 ANSI 颜色写进日志文件
		fileCfg := encoderCfg
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		var fileWriter io.Writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    max(1, cfg.MaxSize),
			MaxBackups: max(0, cfg.MaxBackups),
			MaxAge:     max(0, cfg.MaxAge),
			Compress:   cfg.Compress,
		}
		core = zapcore.NewTee(
			consoleCore,
			zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(fileWriter), atomicLevel),
		)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Dev {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	}

	l := zap.New(core, opts...)
	if cfg.Name != "" {
		l = l.Named(cfg.Name)
	}
	return l
}

// ZapLogger 将 zap.Logger 适配为 Logger
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger 适配已有的 zap.Logger
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

// Zap 返回底层 zap.Logger
func (z *ZapLogger) Zap() *zap.Logger { return z.l }

func (z *ZapLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	z.l.Debug(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Info(ctx context.Context, msg string, fields ...Field) {
	z.l.Info(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	z.l.Warn(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Error(ctx context.Context, msg string, fields ...Field) {
	z.l.Error(msg, toZapFields(fields)...)
}

func (z *ZapLogger) WithFields(fields ...Field) Logger {
	return &ZapLogger{l: z.l.With(toZapFields(fields)...)}
}

func toZapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case []string:
			out = append(out, zap.Strings(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
