package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "06-01-02 15:04:05" // yy-mm-dd HH:MM:ss

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// currentDay 当前交易日（LogByDay 时使用）
	currentDay string
	// fileWriter 当前文件输出（切换时关闭）
	fileWriter *lumberjack.Logger
	// savedConfig 保存的日志配置（用于日志轮转）
	savedConfig Config
	// logMu 日志文件切换锁
	logMu sync.Mutex
	// nowFunc 测试时替换
	nowFunc = time.Now
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	Format     string // text（默认）或 json
	OutputFile string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // 日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 保留旧日志文件的天数
	Compress   bool   // 是否压缩旧日志文件
	LogByDay   bool   // 是否按交易日命名日志文件：<base>_<YYYY-MM-DD>.log
	Quiet      bool   // 不输出到控制台（仅文件）
}

// dayFileName 根据交易日生成日志文件名：logs/intraday_2025-12-17.log
func dayFileName(basePath, day string) string {
	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)
	name := strings.TrimSuffix(baseName, ext)
	file := fmt.Sprintf("%s_%s%s", name, day, ext)
	if dir == "." || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}

func formatter(cfg Config) logrus.Formatter {
	if strings.EqualFold(cfg.Format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	}
}

// Init 初始化日志系统（同时配置全局 logrus，使各组件的 logrus.WithField 也写入文件）
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()
	savedConfig = config
	return applyLocked(config, nowFunc().Format("2006-01-02"))
}

func applyLocked(config Config, day string) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	var writers []io.Writer
	if !config.Quiet {
		writers = append(writers, os.Stdout)
	}

	var fw *lumberjack.Logger
	if config.OutputFile != "" {
		path := config.OutputFile
		if config.LogByDay {
			path = dayFileName(config.OutputFile, day)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		fw = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fw)
		currentLogFile = path
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	out := io.MultiWriter(writers...)

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter(config))
	l.SetOutput(out)

	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter(config))

	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = fw
	currentDay = day
	Logger = l
	return nil
}

// CheckAndRotateLog 交易日变化时切换日志文件
func CheckAndRotateLog() error {
	logMu.Lock()
	defer logMu.Unlock()
	if !savedConfig.LogByDay || savedConfig.OutputFile == "" {
		return nil
	}
	day := nowFunc().Format("2006-01-02")
	if day == currentDay {
		return nil
	}
	old := currentLogFile
	if err := applyLocked(savedConfig, day); err != nil {
		return err
	}
	Logger.Infof("日志文件已切换: %s -> %s", old, currentLogFile)
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/intraday.log",
		MaxSize:    100, // 100MB
		MaxBackups: 3,
		MaxAge:     7, // 7天
		Compress:   true,
		LogByDay:   true,
	})
}

// StartLogRotationChecker 启动日志轮转检查器（后台任务，ctx 取消后退出）
func StartLogRotationChecker(ctx context.Context, config Config) {
	if !config.LogByDay || config.OutputFile == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := CheckAndRotateLog(); err != nil {
					Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Close 关闭文件输出
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
