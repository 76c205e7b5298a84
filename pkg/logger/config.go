package logger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// 日志输出目标。
const (
	OutputFile   = "file"
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// 日志编码格式。
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config 表示日志配置结构。
type Config struct {
	Loggers []NamedConfig `yaml:"loggers" mapstructure:"loggers"`
}

// NamedConfig 表示单个具名日志配置。
type NamedConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	// Output 为 file、stdout 或 stderr，默认 file。
	Output     string `yaml:"output" mapstructure:"output"`
	Format     string `yaml:"format" mapstructure:"format"`
	Filepath   string `yaml:"filepath" mapstructure:"filepath"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
	EnableEnv  string `yaml:"enable_env" mapstructure:"enable_env"`
}

// InitFromConfig 根据配置创建并注册具名日志实例，已注册的同名实例会被替换。
func InitFromConfig(cfg Config) error {
	for _, item := range cfg.Loggers {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return errEmptyLoggerName
		}

		if !envEnabled(item.EnableEnv) {
			if err := Replace(name, Nop()); err != nil {
				return err
			}
			continue
		}

		l, err := New(item)
		if err != nil {
			return errors.Wrapf(err, "logger %q", name)
		}
		if err := Replace(name, l); err != nil {
			return err
		}
	}
	return nil
}

// New 按单个配置创建 Logger，不注册。
func New(item NamedConfig) (Logger, error) {
	level, err := parseLevel(item.Level)
	if err != nil {
		return nil, err
	}
	output := strings.ToLower(strings.TrimSpace(item.Output))
	switch output {
	case "", OutputFile:
		output = OutputFile
	case OutputStdout, OutputStderr:
	default:
		return nil, errors.Newf("logger: invalid output %q", item.Output)
	}
	format := strings.ToLower(strings.TrimSpace(item.Format))
	switch format {
	case "", FormatJSON, FormatConsole:
	default:
		return nil, errors.Newf("logger: invalid format %q", item.Format)
	}

	zc := ZapConfig{
		Output:     output,
		Format:     format,
		Level:      level,
		MaxSize:    item.MaxSize,
		MaxBackups: item.MaxBackups,
		MaxAge:     item.MaxAge,
		Compress:   item.Compress,
	}
	if output == OutputFile {
		zc.Filepath = resolveFilepath(item.Filepath)
		if zc.Filepath == "" {
			return nil, errEmptyLogPath
		}
	}
	return NewZapLogger(zc)
}

func envEnabled(key string) bool {
	if strings.TrimSpace(key) == "" {
		return true
	}
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// ParseLevel 解析日志等级，空串为 info。
func ParseLevel(raw string) (Level, error) {
	return parseLevel(raw)
}

func parseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Newf("logger: invalid level %q", raw)
	}
}

func resolveFilepath(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
