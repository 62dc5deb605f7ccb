package log

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init_Logger 控制台彩色输出 + 按服务名滚动的 JSON 文件输出。
// 初始化失败返回 nil，由调用方决定是否继续。
func Init_Logger(serviceName string, logDir string) *zap.Logger {
	if serviceName == "" {
		fmt.Fprintf(os.Stderr, "ERROR: Service name cannot be empty for logger initialization\n")
		return nil
	}
	if logDir == "" {
		logDir = "./logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to create log directory '%s': %v\n", logDir, err)
		return nil
	}

	// --- 1. Console 输出 ---
	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	consoleEncoderConfig.EncodeLevel = colorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)
	consoleSyncer := zapcore.AddSync(colorable.NewColorableStdout())
	consoleCore := zapcore.NewCore(consoleEncoder, consoleSyncer, zapcore.DebugLevel)

	// --- 2. File 输出 (lumberjack 滚动) ---
	logFilePath := filepath.Join(logDir, fmt.Sprintf("%s.log", serviceName))
	lumberjackLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   false,
	}
	fileSyncer := zapcore.AddSync(lumberjackLogger)

	// 文件侧用 JSON 格式，只记 Info 以上
	fileEncoderConfig := zap.NewProductionEncoderConfig()
	fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	fileEncoder := zapcore.NewJSONEncoder(fileEncoderConfig)
	fileCore := zapcore.NewCore(fileEncoder, fileSyncer, zapcore.InfoLevel)

	core := zapcore.NewTee(consoleCore, fileCore)

	baseLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	logger := baseLogger.With(zap.String("service", serviceName))

	logger.Info("Logger initialized for service", zap.String("log_file", logFilePath))
	return logger
}

func colorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("\x1b[35mDEBUG\x1b[0m") // 紫色
	case zapcore.InfoLevel:
		enc.AppendString("\x1b[32mINFO\x1b[0m") // 绿色
	case zapcore.WarnLevel:
		enc.AppendString("\x1b[33mWARN\x1b[0m") // 黄色
	case zapcore.ErrorLevel:
		enc.AppendString("\x1b[31mERROR\x1b[0m") // 红色
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		enc.AppendString("\x1b[31m" + level.CapitalString() + "\x1b[0m")
	default:
		enc.AppendString("\x1b[36m" + level.CapitalString() + "\x1b[0m")
	}
}
