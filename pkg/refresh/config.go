package refresh

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidConfig 配置非法。
var ErrInvalidConfig = errors.New("refresh: invalid config")

// Config 制品刷新配置
type Config struct {
	// Enabled 是否启用刷新服务
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Spec 定期巡检的 cron 表达式，为空时不定期巡检
	Spec string `yaml:"spec" mapstructure:"spec"`

	// WithSeconds 是否启用秒级精度（6位表达式）
	WithSeconds bool `yaml:"with_seconds" mapstructure:"with_seconds"`

	// Timezone 时区，默认 Local
	Timezone string `yaml:"timezone" mapstructure:"timezone"`

	// Watch 是否监听制品所在目录
	Watch bool `yaml:"watch" mapstructure:"watch"`

	// Debounce 文件事件防抖时间
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`

	// Workers 并发更新的协程数，0 表示 GOMAXPROCS
	Workers int `yaml:"workers" mapstructure:"workers"`

	// WorkerIdle 空闲协程的回收间隔，0 使用 ants 默认值
	WorkerIdle time.Duration `yaml:"worker_idle" mapstructure:"worker_idle"`

	// Retry 更新失败的重试策略
	Retry RetryOptions `yaml:"retry" mapstructure:"retry"`
}

// BackoffStrategy 退避策略
type BackoffStrategy string

const (
	// BackoffNone 不重试
	BackoffNone BackoffStrategy = "none"
	// BackoffFixed 固定间隔重试
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffExponential 指数退避重试
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryOptions 重试选项
type RetryOptions struct {
	// MaxRetries 失败重试次数，0 表示不重试
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// Strategy 退避策略
	Strategy BackoffStrategy `yaml:"strategy" mapstructure:"strategy"`

	// InitialBackoff 初始退避时间
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`

	// MaxBackoff 最大退避时间
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`

	// Multiplier 退避乘数（仅 exponential 有效）
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Spec:     "@every 1m",
		Timezone: "Local",
		Watch:    true,
		Debounce:   500 * time.Millisecond,
		WorkerIdle: time.Minute,
		Retry:      DefaultRetryOptions(),
	}
}

// DefaultRetryOptions 返回默认重试选项
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:     3,
		Strategy:       BackoffExponential,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers must be >= 0, got %d", c.Workers)
	}
	if c.WorkerIdle < 0 {
		return errors.Wrapf(ErrInvalidConfig, "worker_idle must be >= 0, got %s", c.WorkerIdle)
	}
	if c.Debounce < 0 {
		return errors.Wrapf(ErrInvalidConfig, "debounce must be >= 0, got %s", c.Debounce)
	}
	if _, err := c.location(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "invalid timezone %q: %v", c.Timezone, err)
	}
	if c.Spec != "" {
		if _, err := c.parser().Parse(c.Spec); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "invalid spec %q: %v", c.Spec, err)
		}
	}
	switch c.Retry.Strategy {
	case "", BackoffNone, BackoffFixed:
	case BackoffExponential:
		if c.Retry.Multiplier < 1 {
			return errors.Wrapf(ErrInvalidConfig, "backoff multiplier must be >= 1, got %v", c.Retry.Multiplier)
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown backoff strategy %q", c.Retry.Strategy)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	return nil
}

func (c *Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) parser() cron.Parser {
	if c.WithSeconds {
		return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
